package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/longform/internal/activities"
	"github.com/Kocoro-lab/longform/internal/constants"
	"github.com/Kocoro-lab/longform/internal/metadata"
)

func webSource(title, u, content string) metadata.Source {
	return metadata.Source{Type: metadata.SourceTypeWebpage, Title: title, URL: metadata.StringPtr(u), Content: content}
}

// fakeActivities scripts every activity the workflows call.
type fakeActivities struct {
	mu sync.Mutex

	// sources per research query
	sources map[string][]metadata.Source
	// drafts per chapter number
	drafts map[int]string
	// outline returned by GenerateOutline
	outline activities.Outline

	planErr   func(in activities.PlanChapterQueriesInput) error
	writeErr  func(in activities.WriteChapterInput) error
	planCalls []activities.PlanChapterQueriesInput
	queries   []string
	writes    []activities.WriteChapterInput
	persisted []activities.PersistDocumentInput
}

func newFakeActivities() *fakeActivities {
	return &fakeActivities{
		sources: map[string][]metadata.Source{},
		drafts:  map[int]string{},
	}
}

func (f *fakeActivities) plan(_ context.Context, in activities.PlanChapterQueriesInput) (activities.PlanChapterQueriesResult, error) {
	f.mu.Lock()
	f.planCalls = append(f.planCalls, in)
	f.mu.Unlock()
	if f.planErr != nil {
		if err := f.planErr(in); err != nil {
			return activities.PlanChapterQueriesResult{}, err
		}
	}
	q := fmt.Sprintf("q-%d", in.Task.Number)
	if in.Round > 1 {
		q = fmt.Sprintf("q-%d-r%d", in.Task.Number, in.Round)
	}
	return activities.PlanChapterQueriesResult{Queries: []string{q}}, nil
}

func (f *fakeActivities) research(_ context.Context, in activities.ResearchQueryInput) (activities.ResearchQueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, in.Query)
	return activities.ResearchQueryResult{Query: in.Query, Sources: f.sources[in.Query]}, nil
}

func (f *fakeActivities) generateOutline(_ context.Context, in activities.GenerateOutlineInput) (activities.Outline, error) {
	return f.outline, nil
}

func (f *fakeActivities) write(_ context.Context, in activities.WriteChapterInput) (activities.WriteChapterResult, error) {
	f.mu.Lock()
	f.writes = append(f.writes, in)
	f.mu.Unlock()
	if f.writeErr != nil {
		if err := f.writeErr(in); err != nil {
			return activities.WriteChapterResult{}, err
		}
	}
	text, ok := f.drafts[in.Task.Number]
	if !ok {
		text = "Chapter body citing [1]."
	}
	return activities.WriteChapterResult{Text: text}, nil
}

func (f *fakeActivities) emit(_ context.Context, _ activities.EmitDocumentEventInput) error { return nil }

func (f *fakeActivities) persist(_ context.Context, in activities.PersistDocumentInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, in)
	return nil
}

func (f *fakeActivities) register(env *testsuite.TestWorkflowEnvironment) {
	env.RegisterActivityWithOptions(f.plan, activity.RegisterOptions{Name: constants.PlanChapterQueriesActivity})
	env.RegisterActivityWithOptions(f.research, activity.RegisterOptions{Name: constants.ResearchQueryActivity})
	env.RegisterActivityWithOptions(f.generateOutline, activity.RegisterOptions{Name: constants.GenerateOutlineActivity})
	env.RegisterActivityWithOptions(f.write, activity.RegisterOptions{Name: constants.WriteChapterActivity})
	env.RegisterActivityWithOptions(f.emit, activity.RegisterOptions{Name: constants.EmitDocumentEventActivity})
	env.RegisterActivityWithOptions(f.persist, activity.RegisterOptions{Name: constants.PersistDocumentActivity})
}

func (f *fakeActivities) researchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func newEnv(t *testing.T, f *fakeActivities) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(DocumentWorkflow)
	env.RegisterWorkflow(ChapterWorkflow)
	f.register(env)
	return env
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Phase{
		{PhasePlanning, PhaseResearching},
		{PhasePlanning, PhaseAborted},
		{PhaseResearching, PhaseSupervising},
		{PhaseResearching, PhaseAborted},
		{PhaseSupervising, PhaseResearching},
		{PhaseSupervising, PhaseWriting},
		{PhaseWriting, PhaseDone},
		{PhaseWriting, PhaseAborted},
	}
	for _, e := range allowed {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	denied := [][2]Phase{
		{PhasePlanning, PhaseWriting},
		{PhaseResearching, PhaseWriting},
		{PhaseSupervising, PhaseAborted},
		{PhaseDone, PhaseResearching},
		{PhaseAborted, PhasePlanning},
		{PhaseWriting, PhaseResearching},
	}
	for _, e := range denied {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
}

func TestGatePolicyDecide(t *testing.T) {
	p := GatePolicy{Rules: DefaultGateRules(), MaxRounds: 3}

	tests := []struct {
		name    string
		sources int
		chars   int
		round   int
		proceed bool
		forced  bool
	}{
		{"three sources enough text", 3, 200, 1, true, false},
		{"two sources long text", 2, 500, 1, true, false},
		{"two sources short text", 2, 499, 1, false, false},
		{"many sources no text", 10, 100, 2, false, false},
		{"nothing at limit", 0, 0, 3, true, true},
		{"past limit", 1, 10, 4, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.sources, tt.chars, tt.round)
			assert.Equal(t, tt.proceed, d.Proceed)
			assert.Equal(t, tt.forced, d.Forced)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestChapterStateDedupAndDensity(t *testing.T) {
	st := NewChapterState(activities.ChapterTask{Number: 1, Title: "Intro"})

	assert.True(t, st.AddSource(webSource("A", "https://a.example/x", "alpha")))
	assert.False(t, st.AddSource(webSource("A", "https://a.example/x", "alpha copy")))
	assert.True(t, st.AddSource(webSource("B", "https://b.example/y", "beta")))
	assert.True(t, st.AddSource(webSource("C", "https://c.example/z", "gamma")))

	require.Len(t, st.LocalSources, 3)
	for id := 1; id <= 3; id++ {
		assert.Equal(t, id, st.LocalSources[id].ID)
	}
	ordered := st.OrderedSources()
	assert.Equal(t, []string{"A", "B", "C"}, []string{ordered[0].Title, ordered[1].Title, ordered[2].Title})
	assert.Equal(t, len("alpha")+len("beta")+len("gamma"), st.TotalChars())
}

func TestChapterStateRejectsIllegalTransition(t *testing.T) {
	st := NewChapterState(activities.ChapterTask{Number: 2})
	require.Error(t, st.transition(PhaseWriting))
	assert.Equal(t, PhasePlanning, st.Phase)
}

func TestChapterWorkflowRoundBound(t *testing.T) {
	f := newFakeActivities()
	env := newEnv(t, f)

	env.ExecuteWorkflow(ChapterWorkflow, ChapterInput{
		JobID:  "job-rounds",
		Task:   activities.ChapterTask{Number: 1, Title: "Sparse topic"},
		Config: DocumentConfig{MaxSearchRounds: 3},
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res ChapterResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, ChapterDone, res.Status)
	assert.Equal(t, 3, res.Rounds)
	assert.True(t, res.Forced)
	assert.Equal(t, 3, f.researchCount(), "RESEARCHING entered once per round")
	require.Len(t, f.planCalls, 3)
	assert.Equal(t, 2, f.planCalls[1].Round)
	assert.Equal(t, []string{"q-1"}, f.planCalls[1].PreviousQueries)
	assert.Len(t, f.writes, 1)
}

func TestChapterWorkflowProceedsWhenGateSatisfied(t *testing.T) {
	f := newFakeActivities()
	long := strings.Repeat("x", 300)
	f.sources["q-1"] = []metadata.Source{
		webSource("A", "https://a.example", long),
		webSource("B", "https://b.example", long),
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(ChapterWorkflow, ChapterInput{
		JobID: "job-gate",
		Task:  activities.ChapterTask{Number: 1, Title: "Dense topic"},
	})
	require.NoError(t, env.GetWorkflowError())

	var res ChapterResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, 1, res.Rounds)
	assert.False(t, res.Forced)
	require.Len(t, res.LocalSources, 2)
	assert.Equal(t, "A", res.LocalSources[1].Title)
	require.Len(t, f.writes, 1)
	assert.Equal(t, 1, f.writes[0].Sources[0].ID)
	assert.Equal(t, 2, f.writes[0].Sources[1].ID)
}

func TestChapterWorkflowFollowUpFailureForcesWriting(t *testing.T) {
	f := newFakeActivities()
	f.sources["q-1"] = []metadata.Source{webSource("Only", "https://only.example", "short")}
	f.planErr = func(in activities.PlanChapterQueriesInput) error {
		if in.Round > 1 {
			return activities.NewPlanningFailure("no refinement", nil)
		}
		return nil
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(ChapterWorkflow, ChapterInput{
		JobID: "job-followup",
		Task:  activities.ChapterTask{Number: 1, Title: "Thin"},
	})
	require.NoError(t, env.GetWorkflowError())

	var res ChapterResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, ChapterDone, res.Status)
	assert.True(t, res.Forced)
	assert.Equal(t, 1, f.researchCount())
	require.Len(t, f.writes, 1)
	assert.Len(t, f.writes[0].Sources, 1)
}

func TestChapterWorkflowPlanningFailureAborts(t *testing.T) {
	f := newFakeActivities()
	f.planErr = func(activities.PlanChapterQueriesInput) error {
		return activities.NewPlanningFailure("query plan is not valid", nil)
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(ChapterWorkflow, ChapterInput{
		JobID: "job-plan-fail",
		Task:  activities.ChapterTask{Number: 4, Title: "Doomed"},
	})
	require.NoError(t, env.GetWorkflowError())

	var res ChapterResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, ChapterAborted, res.Status)
	assert.Equal(t, FailurePlanning, res.FailureKind)
	assert.Contains(t, res.Reason, "query plan is not valid")
	assert.Zero(t, f.researchCount())
	assert.Empty(t, f.writes)
}

func TestDocumentWorkflowTwoChapters(t *testing.T) {
	f := newFakeActivities()
	long := strings.Repeat("lorem ipsum ", 50)
	a := webSource("A", "https://a.example", long)
	b := webSource("B", "https://b.example", long)
	c := webSource("C", "https://c.example", long)
	f.sources["q-1"] = []metadata.Source{a, b}
	f.sources["q-2"] = []metadata.Source{a, c}
	f.drafts[1] = "Intro cites [1] and [2]."
	f.drafts[2] = "Follow-up cites [1] and [2]."
	env := newEnv(t, f)

	env.ExecuteWorkflow(DocumentWorkflow, DocumentInput{
		JobID:      "job-e2e",
		TaskPrompt: "Write about letters",
		Outline: &activities.Outline{
			Title: "Letters",
			Chapters: []activities.ChapterTask{
				{Title: "First"},
				{Title: "Second"},
			},
		},
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res DocumentResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, DocumentCompleted, res.Status)
	require.Len(t, res.Sources, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{res.Sources[0].Title, res.Sources[1].Title, res.Sources[2].Title})
	for i, s := range res.Sources {
		assert.Equal(t, i+1, s.ID)
	}

	require.Len(t, res.Chapters, 2)
	assert.Equal(t, map[int]int{1: 1, 2: 2}, res.Chapters[0].Mapping)
	assert.Equal(t, map[int]int{1: 1, 2: 3}, res.Chapters[1].Mapping)

	assert.True(t, strings.HasPrefix(res.Document, "# Letters\n\n## Chapter 1: First"))
	assert.Contains(t, res.Document, "Intro cites [1] and [2].")
	assert.Contains(t, res.Document, "## Chapter 2: Second\n\nFollow-up cites [1] and [3].")
	assert.Contains(t, res.Document, "## References\n\n1. A (https://a.example) [webpage]\n2. B (https://b.example) [webpage]\n3. C (https://c.example) [webpage]\n")
	assert.Equal(t, 3, strings.Count(res.Document[strings.Index(res.Document, "## References"):], "[webpage]"))

	require.Len(t, f.writes, 2)
	require.Len(t, f.writes[1].Prior, 1)
	assert.Equal(t, "First", f.writes[1].Prior[0].Title)

	require.Len(t, f.persisted, 1)
	assert.Equal(t, 3, f.persisted[0].ReferenceCount)
	assert.Equal(t, DocumentCompleted, f.persisted[0].Status)

	encoded, err := env.QueryWorkflow(constants.DocumentProgressQuery)
	require.NoError(t, err)
	var progress DocumentProgress
	require.NoError(t, encoded.Get(&progress))
	assert.Equal(t, "done", progress.Stage)
	assert.Equal(t, 2, progress.TotalChapters)
	assert.Equal(t, 3, progress.References)
}

func TestDocumentWorkflowPartialWithPlaceholder(t *testing.T) {
	f := newFakeActivities()
	f.writeErr = func(in activities.WriteChapterInput) error {
		if in.Task.Number == 2 {
			return activities.NewGenerationFailure("model unavailable", nil, false)
		}
		return nil
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(DocumentWorkflow, DocumentInput{
		JobID:      "job-partial",
		TaskPrompt: "Two chapters, one fails",
		Outline: &activities.Outline{
			Title:    "Mixed",
			Chapters: []activities.ChapterTask{{Title: "Works"}, {Title: "Breaks"}},
		},
		Config: DocumentConfig{SkipPersistence: true},
	})
	require.NoError(t, env.GetWorkflowError())

	var res DocumentResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, DocumentPartial, res.Status)
	require.Len(t, res.Chapters, 2)
	assert.Equal(t, ChapterAborted, res.Chapters[1].Status)
	assert.Equal(t, FailureGeneration, res.Chapters[1].FailureKind)
	assert.Contains(t, res.Document, "## Chapter 2: Breaks\n\n> This chapter could not be generated (GenerationFailure).")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(res.Document), "## References"))
	assert.Empty(t, f.persisted)
	assert.NotEmpty(t, res.Warnings)
}

// chapterStub answers mocked chapter children: chapter 1 succeeds, chapter 2
// fails with err.
func chapterStub(err error) func(workflow.Context, ChapterInput) (ChapterResult, error) {
	return func(_ workflow.Context, in ChapterInput) (ChapterResult, error) {
		if in.Task.Number == 2 {
			return ChapterResult{}, err
		}
		return ChapterResult{
			Number:       in.Task.Number,
			Status:       ChapterDone,
			Draft:        "Body cites [1].",
			LocalSources: map[int]metadata.Source{1: webSource("A", "https://a.example", "alpha")},
			Rounds:       1,
		}, nil
	}
}

func TestDocumentWorkflowChildFailureKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind string
	}{
		{"timeout", temporal.NewTimeoutError(enumspb.TIMEOUT_TYPE_START_TO_CLOSE, nil), FailureTimeout},
		{"other", errors.New("child crashed"), FailureWorkflow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeActivities()
			env := newEnv(t, f)
			env.OnWorkflow(ChapterWorkflow, mock.Anything, mock.Anything).Return(chapterStub(tc.err))

			env.ExecuteWorkflow(DocumentWorkflow, DocumentInput{
				JobID:      "job-" + tc.name,
				TaskPrompt: "Two chapters, the second never returns",
				Outline: &activities.Outline{
					Title:    "Children",
					Chapters: []activities.ChapterTask{{Title: "Fine"}, {Title: "Lost"}},
				},
				Config: DocumentConfig{SkipPersistence: true},
			})
			require.True(t, env.IsWorkflowCompleted())
			require.NoError(t, env.GetWorkflowError())

			var res DocumentResult
			require.NoError(t, env.GetWorkflowResult(&res))
			assert.Equal(t, DocumentPartial, res.Status)
			require.Len(t, res.Chapters, 2)
			assert.Equal(t, ChapterDone, res.Chapters[0].Status)
			assert.Equal(t, ChapterAborted, res.Chapters[1].Status)
			assert.Equal(t, tc.kind, res.Chapters[1].FailureKind)
			assert.NotEmpty(t, res.Chapters[1].Reason)
			assert.Contains(t, res.Document, "## Chapter 1: Fine\n\nBody cites [1].")
			assert.Contains(t, res.Document, "## Chapter 2: Lost\n\n> This chapter could not be generated ("+tc.kind+").")
			require.Len(t, res.Sources, 1)
			assert.Contains(t, res.Warnings, "chapter 2 aborted: "+tc.kind)
		})
	}
}

func TestDocumentWorkflowUnresolvedCitationWarning(t *testing.T) {
	f := newFakeActivities()
	f.sources["q-1"] = []metadata.Source{webSource("A", "https://a.example", strings.Repeat("y", 600))}
	f.drafts[1] = "Claims [1] and [7]."
	env := newEnv(t, f)

	env.ExecuteWorkflow(DocumentWorkflow, DocumentInput{
		JobID:   "job-unresolved",
		Outline: &activities.Outline{Title: "One", Chapters: []activities.ChapterTask{{Title: "Only"}}},
		Config:  DocumentConfig{SkipPersistence: true},
	})
	require.NoError(t, env.GetWorkflowError())

	var res DocumentResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, []int{7}, res.Chapters[0].Unresolved)
	assert.Contains(t, res.Document, "Claims [1] and [7?].")
	assert.Contains(t, res.Document, metadata.UnresolvedWarning([]int{7}))
}

func TestDocumentWorkflowGeneratesOutline(t *testing.T) {
	f := newFakeActivities()
	f.sources["q-0"] = []metadata.Source{webSource("Overview", "https://o.example", "overview text")}
	f.outline = activities.Outline{
		Title:    "Generated",
		Chapters: []activities.ChapterTask{{Title: "Background"}, {Title: "Outlook"}},
	}
	env := newEnv(t, f)

	env.ExecuteWorkflow(DocumentWorkflow, DocumentInput{
		JobID:      "job-outline",
		TaskPrompt: "Explain the topic",
		Config:     DocumentConfig{SkipPersistence: true},
	})
	require.NoError(t, env.GetWorkflowError())

	var res DocumentResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, "Generated", res.Title)
	require.Len(t, res.Chapters, 2)
	assert.Equal(t, 2, res.Chapters[1].Number)
	assert.Contains(t, res.Document, "## Chapter 2: Outlook")
	assert.Equal(t, 0, f.planCalls[0].Task.Number)
}

func TestDocumentWorkflowEmptyOutlineIsFatal(t *testing.T) {
	t.Run("supplied", func(t *testing.T) {
		f := newFakeActivities()
		env := newEnv(t, f)
		env.ExecuteWorkflow(DocumentWorkflow, DocumentInput{
			JobID:   "job-empty",
			Outline: &activities.Outline{Title: "Nothing"},
		})
		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		assert.Empty(t, f.writes)
	})

	t.Run("generated", func(t *testing.T) {
		f := newFakeActivities()
		f.outline = activities.Outline{Title: "Hollow"}
		env := newEnv(t, f)
		env.ExecuteWorkflow(DocumentWorkflow, DocumentInput{
			JobID:      "job-empty-gen",
			TaskPrompt: "Anything",
		})
		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		assert.Contains(t, env.GetWorkflowError().Error(), "outline")
	})
}

func TestAssembleDocument(t *testing.T) {
	reg := metadata.NewCitationRegistry()
	reg.Register(map[int]metadata.Source{1: webSource("A", "https://a.example", "a")})

	doc, err := AssembleDocument("Title", []string{"## One\n\nBody [1].", "", "## Two"}, reg)
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\n## One\n\nBody [1].\n\n## Two\n\n## References\n\n1. A (https://a.example) [webpage]\n", doc)

	_, err = AssembleDocument("Title", nil, reg)
	assert.ErrorIs(t, err, ErrNothingToAssemble)
}

func TestChapterSection(t *testing.T) {
	task := activities.ChapterTask{Number: 3, Title: "Results"}
	assert.Equal(t, "## Chapter 3: Results\n\nBody.", chapterSection(task, "Body."))
	assert.Equal(t, "## Custom heading\nBody.", chapterSection(task, "## Custom heading\nBody."))
}

func TestFailurePlaceholder(t *testing.T) {
	task := activities.ChapterTask{Number: 2, Title: "Methods"}
	out := FailurePlaceholder(task, FailureTimeout, "chapter workflow timed out")
	assert.Equal(t, "## Chapter 2: Methods\n\n> This chapter could not be generated (Timeout).\n> Reason: chapter workflow timed out", out)
	assert.Contains(t, FailurePlaceholder(task, "", ""), "(WorkflowFailure)")
}
