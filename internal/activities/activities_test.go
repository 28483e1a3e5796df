package activities

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/longform/internal/db"
	"github.com/Kocoro-lab/longform/internal/fusion"
	"github.com/Kocoro-lab/longform/internal/llm"
	"github.com/Kocoro-lab/longform/internal/metadata"
	"github.com/Kocoro-lab/longform/internal/streaming"
)

type scriptedGenerator struct {
	text    string
	err     error
	prompts []string
	mu      sync.Mutex
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string, _ llm.GenerateParams) (llm.Completion, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.err != nil {
		return llm.Completion{}, g.err
	}
	return llm.Completion{Text: g.text, TokensUsed: 42, Model: "test"}, nil
}

type staticBackend struct{ sources []metadata.Source }

func (b staticBackend) Name() string { return "static" }
func (b staticBackend) Retrieve(context.Context, string, int, []float32) ([]metadata.Source, error) {
	return b.sources, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (s *recordingSink) Publish(_ string, evt streaming.Event) streaming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt.Seq = uint64(len(s.events) + 1)
	s.events = append(s.events, evt)
	return evt
}

type ActivitiesTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestActivityEnvironment
}

func (s *ActivitiesTestSuite) SetupTest() {
	s.env = s.NewTestActivityEnvironment()
}

func (s *ActivitiesTestSuite) register(deps Dependencies) *Activities {
	deps.Logger = zaptest.NewLogger(s.T())
	a := NewActivities(deps)
	s.env.RegisterActivity(a)
	return a
}

func (s *ActivitiesTestSuite) TestPlanChapterQueriesNormalizes() {
	gen := &scriptedGenerator{text: "```json\n{\"queries\": [\" raft consensus \", \"Raft consensus\", \"\", \"paxos vs raft\", \"log replication\"], \"reasoning\": \"r\"}\n```"}
	a := s.register(Dependencies{Generator: gen})

	val, err := s.env.ExecuteActivity(a.PlanChapterQueries, PlanChapterQueriesInput{
		JobID:      "job-1",
		TaskPrompt: "Distributed consensus",
		Task:       ChapterTask{Number: 1, Title: "Raft"},
		Round:      1,
		MaxQueries: 2,
	})
	s.Require().NoError(err)
	var res PlanChapterQueriesResult
	s.Require().NoError(val.Get(&res))
	s.Equal([]string{"raft consensus", "paxos vs raft"}, res.Queries)
	s.Equal(42, res.TokensUsed)
}

func (s *ActivitiesTestSuite) TestPlanChapterQueriesFollowUpPromptListsPrevious() {
	gen := &scriptedGenerator{text: `{"queries": ["raft membership changes"]}`}
	a := s.register(Dependencies{Generator: gen})

	_, err := s.env.ExecuteActivity(a.PlanChapterQueries, PlanChapterQueriesInput{
		Task:            ChapterTask{Number: 2, Title: "Membership"},
		Round:           2,
		PreviousQueries: []string{"raft joint consensus"},
		SourceCount:     1,
	})
	s.Require().NoError(err)
	s.Require().Len(gen.prompts, 1)
	s.Contains(gen.prompts[0], "Research round 2")
	s.Contains(gen.prompts[0], "- raft joint consensus")
}

func (s *ActivitiesTestSuite) TestPlanChapterQueriesFailures() {
	cases := map[string]string{
		"schema violation": `{"queries": "not a list"}`,
		"no queries":       `{"queries": ["  "]}`,
		"not json":         `I cannot help with that`,
	}
	for name, text := range cases {
		s.Run(name, func() {
			s.env = s.NewTestActivityEnvironment()
			a := s.register(Dependencies{Generator: &scriptedGenerator{text: text}})
			_, err := s.env.ExecuteActivity(a.PlanChapterQueries, PlanChapterQueriesInput{Task: ChapterTask{Number: 1, Title: "T"}})
			s.Require().Error(err)
			s.Equal(ErrTypePlanningFailure, ErrorType(err))
		})
	}
}

func (s *ActivitiesTestSuite) TestResearchQueryFuses() {
	src, err := metadata.NewSource(9, metadata.SourceTypeWebpage, "Raft paper", metadata.StringPtr("https://raft.github.io"), "consensus algorithm", nil)
	s.Require().NoError(err)
	engine := fusion.NewEngine(fusion.DefaultSettings(), zaptest.NewLogger(s.T()))
	a := s.register(Dependencies{Engine: engine, Backends: []fusion.Backend{staticBackend{sources: []metadata.Source{src, src}}}})

	val, err := s.env.ExecuteActivity(a.ResearchQuery, ResearchQueryInput{JobID: "job-1", Query: "raft", TopK: 5})
	s.Require().NoError(err)
	var res ResearchQueryResult
	s.Require().NoError(val.Get(&res))
	s.Len(res.Sources, 1)
	s.Equal("Raft paper", res.Sources[0].Title)
}

func (s *ActivitiesTestSuite) TestResearchQueryWithoutBackends() {
	a := s.register(Dependencies{})
	val, err := s.env.ExecuteActivity(a.ResearchQuery, ResearchQueryInput{Query: "raft"})
	s.Require().NoError(err)
	var res ResearchQueryResult
	s.Require().NoError(val.Get(&res))
	s.Empty(res.Sources)
}

func (s *ActivitiesTestSuite) TestGenerateOutline() {
	gen := &scriptedGenerator{text: `{"title": "Consensus", "chapters": [{"title": "Raft", "key_points": ["leader election"]}, {"title": "Paxos"}, {"title": "Zab"}]}`}
	a := s.register(Dependencies{Generator: gen})

	val, err := s.env.ExecuteActivity(a.GenerateOutline, GenerateOutlineInput{TaskPrompt: "Consensus", MaxChapters: 2})
	s.Require().NoError(err)
	var o Outline
	s.Require().NoError(val.Get(&o))
	s.Equal("Consensus", o.Title)
	s.Require().Len(o.Chapters, 2)
	s.Equal(1, o.Chapters[0].Number)
	s.Equal(2, o.Chapters[1].Number)
	s.Equal([]string{"leader election"}, o.Chapters[0].KeyPoints)
}

func (s *ActivitiesTestSuite) TestGenerateOutlineRejectsEmpty() {
	a := s.register(Dependencies{Generator: &scriptedGenerator{text: `{"title": "x", "chapters": []}`}})
	_, err := s.env.ExecuteActivity(a.GenerateOutline, GenerateOutlineInput{TaskPrompt: "x"})
	s.Require().Error(err)
	s.Equal(ErrTypeGenerationFailure, ErrorType(err))
}

func (s *ActivitiesTestSuite) TestWriteChapter() {
	gen := &scriptedGenerator{text: "## Chapter 1: Raft\nLeaders replicate logs [1]."}
	a := s.register(Dependencies{Generator: gen})
	src, _ := metadata.NewSource(1, metadata.SourceTypeDocument, "Raft paper", nil, "Raft uses a leader.", nil)

	val, err := s.env.ExecuteActivity(a.WriteChapter, WriteChapterInput{
		TaskPrompt: "Consensus",
		Task:       ChapterTask{Number: 1, Title: "Raft"},
		Sources:    []metadata.Source{src},
		Prior:      []ChapterSummary{{Number: 0, Title: "Intro", Summary: "why consensus"}},
	})
	s.Require().NoError(err)
	var res WriteChapterResult
	s.Require().NoError(val.Get(&res))
	s.Contains(res.Text, "[1]")
	s.Contains(gen.prompts[0], "[1] Raft paper")
	s.Contains(gen.prompts[0], "why consensus")
}

func (s *ActivitiesTestSuite) TestWriteChapterFailures() {
	a := s.register(Dependencies{Generator: &scriptedGenerator{text: "   "}})
	_, err := s.env.ExecuteActivity(a.WriteChapter, WriteChapterInput{Task: ChapterTask{Number: 3, Title: "T"}})
	s.Require().Error(err)
	s.Equal(ErrTypeGenerationFailure, ErrorType(err))

	s.env = s.NewTestActivityEnvironment()
	a = s.register(Dependencies{Generator: &scriptedGenerator{err: errors.New("llm down")}})
	_, err = s.env.ExecuteActivity(a.WriteChapter, WriteChapterInput{Task: ChapterTask{Number: 3, Title: "T"}})
	s.Require().Error(err)
	s.Equal(ErrTypeGenerationFailure, ErrorType(err))
}

func (s *ActivitiesTestSuite) TestEmitDocumentEventPublishes() {
	sink := &recordingSink{}
	a := s.register(Dependencies{Events: sink})
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := s.env.ExecuteActivity(a.EmitDocumentEvent, EmitDocumentEventInput{
		JobID:     "job-9",
		Type:      streaming.EventChapterCompleted,
		Chapter:   2,
		Data:      map[string]interface{}{"rounds": 2, "unresolved": 1},
		Timestamp: ts,
	})
	s.Require().NoError(err)
	s.Require().Len(sink.events, 1)
	s.Equal("job-9", sink.events[0].JobID)
	s.Equal(2, sink.events[0].Chapter)
	s.True(ts.Equal(sink.events[0].Timestamp))
}

func (s *ActivitiesTestSuite) TestEmitDocumentEventLogsStreamSequence() {
	raw, mock, err := sqlmock.New()
	s.Require().NoError(err)
	client := db.NewClientWithDB(sqlx.NewDb(raw, "postgres"), zaptest.NewLogger(s.T()))
	defer func() {
		mock.ExpectClose()
		_ = client.Close()
	}()

	sink := &recordingSink{events: []streaming.Event{{Type: streaming.EventDocumentStarted}, {Type: streaming.EventOutlineReady}}}
	mock.ExpectExec(`INSERT INTO event_logs`).
		WithArgs(sqlmock.AnyArg(), "job-4", streaming.EventRoundAdvanced, 1, "insufficient material", sqlmock.AnyArg(), sqlmock.AnyArg(), 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	a := s.register(Dependencies{Events: sink, DB: client})
	_, err = s.env.ExecuteActivity(a.EmitDocumentEvent, EmitDocumentEventInput{
		JobID:   "job-4",
		Type:    streaming.EventRoundAdvanced,
		Chapter: 1,
		Round:   2,
		Message: "insufficient material",
	})
	s.Require().NoError(err)
	s.Eventually(func() bool { return mock.ExpectationsWereMet() == nil }, 2*time.Second, 10*time.Millisecond)
}

func (s *ActivitiesTestSuite) TestPersistDocument() {
	raw, mock, err := sqlmock.New()
	s.Require().NoError(err)
	client := db.NewClientWithDB(sqlx.NewDb(raw, "postgres"), zaptest.NewLogger(s.T()))
	defer func() {
		mock.ExpectClose()
		_ = client.Close()
	}()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO document_runs`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id.String()))
	mock.ExpectExec(`DELETE FROM chapter_results`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO chapter_results`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	a := s.register(Dependencies{DB: client})
	_, err = s.env.ExecuteActivity(a.PersistDocument, PersistDocumentInput{
		JobID:    "job-1",
		Status:   db.StatusCompleted,
		Chapters: []ChapterRecord{{Number: 1, Title: "Raft", Status: "done", Rounds: 1}},
	})
	s.Require().NoError(err)
	s.NoError(mock.ExpectationsWereMet())
}

func (s *ActivitiesTestSuite) TestPersistDocumentWithoutDB() {
	a := s.register(Dependencies{})
	_, err := s.env.ExecuteActivity(a.PersistDocument, PersistDocumentInput{JobID: "job-1"})
	s.NoError(err)
}

func TestActivitiesTestSuite(t *testing.T) {
	suite.Run(t, new(ActivitiesTestSuite))
}

func TestParseOutline(t *testing.T) {
	yamlDoc := []byte(`
title: Consensus
chapters:
  - title: Raft
    key_points: [election, replication]
  - title: " Paxos "
`)
	o, err := ParseOutline(yamlDoc)
	require.NoError(t, err)
	assert.Equal(t, "Consensus", o.Title)
	require.Len(t, o.Chapters, 2)
	assert.Equal(t, "Paxos", o.Chapters[1].Title)
	assert.Equal(t, 2, o.Chapters[1].Number)
	assert.Equal(t, []string{"election", "replication"}, o.Chapters[0].KeyPoints)

	jsonDoc := []byte(`{"title": "C", "chapters": [{"number": 7, "title": "Only"}]}`)
	o, err = ParseOutline(jsonDoc)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Chapters[0].Number)

	_, err = ParseOutline([]byte(`{"title": "C", "chapters": []}`))
	assert.ErrorIs(t, err, ErrEmptyOutline)
	_, err = ParseOutline([]byte("  "))
	assert.ErrorIs(t, err, ErrEmptyOutline)
	_, err = ParseOutline([]byte(`chapters: [{title: ""}]`))
	assert.Error(t, err)
}

func TestNormalizeQueries(t *testing.T) {
	got := normalizeQueries([]string{"a", "A", " b ", "", "c"}, 10)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.True(t, strings.HasPrefix(buildPlanPrompt(PlanChapterQueriesInput{TaskPrompt: "x"}, 3), "Document task: x"))
}
