package workflows

import (
	"fmt"
	"sort"

	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/longform/internal/activities"
	"github.com/Kocoro-lab/longform/internal/constants"
	"github.com/Kocoro-lab/longform/internal/metadata"
	"github.com/Kocoro-lab/longform/internal/streaming"
	"github.com/Kocoro-lab/longform/internal/util"
	"github.com/Kocoro-lab/longform/internal/workflows/opts"
)

// Phase is a state of the chapter state machine.
type Phase string

const (
	PhasePlanning    Phase = "PLANNING"
	PhaseResearching Phase = "RESEARCHING"
	PhaseSupervising Phase = "SUPERVISING"
	PhaseWriting     Phase = "WRITING"
	PhaseDone        Phase = "DONE"
	PhaseAborted     Phase = "ABORTED"
)

var allowedTransitions = map[Phase][]Phase{
	PhasePlanning:    {PhaseResearching, PhaseAborted},
	PhaseResearching: {PhaseSupervising, PhaseAborted},
	PhaseSupervising: {PhaseResearching, PhaseWriting},
	PhaseWriting:     {PhaseDone, PhaseAborted},
}

// CanTransition reports whether the chapter may move from one phase to another.
func CanTransition(from, to Phase) bool {
	for _, p := range allowedTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// ChapterState is the working state of one chapter run.
type ChapterState struct {
	Task          activities.ChapterTask
	Phase         Phase
	Round         int
	SearchQueries []string
	LocalSources  map[int]metadata.Source
	DraftText     string

	seen map[metadata.DedupKey]struct{}
}

// NewChapterState starts a chapter in PLANNING.
func NewChapterState(task activities.ChapterTask) *ChapterState {
	return &ChapterState{
		Task:         task,
		Phase:        PhasePlanning,
		LocalSources: make(map[int]metadata.Source),
		seen:         make(map[metadata.DedupKey]struct{}),
	}
}

func (s *ChapterState) transition(to Phase) error {
	if !CanTransition(s.Phase, to) {
		return fmt.Errorf("chapter %d: illegal transition %s -> %s", s.Task.Number, s.Phase, to)
	}
	s.Phase = to
	return nil
}

// AddSource stores src under the next local id unless an equal source is
// already held. It reports whether the source was added.
func (s *ChapterState) AddSource(src metadata.Source) bool {
	key := src.Key()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	id := len(s.LocalSources) + 1
	s.LocalSources[id] = src.WithID(id)
	return true
}

// TotalChars is the summed content length of the gathered sources.
func (s *ChapterState) TotalChars() int {
	n := 0
	for _, src := range s.LocalSources {
		n += util.RuneLen(src.Content)
	}
	return n
}

// OrderedSources returns the sources sorted by local id.
func (s *ChapterState) OrderedSources() []metadata.Source {
	out := make([]metadata.Source, 0, len(s.LocalSources))
	for _, src := range s.LocalSources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChapterProgress answers the chapter_state query.
type ChapterProgress struct {
	Chapter     int      `json:"chapter"`
	Phase       Phase    `json:"phase"`
	Round       int      `json:"round"`
	SourceCount int      `json:"source_count"`
	Queries     []string `json:"queries,omitempty"`
}

func (s *ChapterState) progress() ChapterProgress {
	return ChapterProgress{
		Chapter:     s.Task.Number,
		Phase:       s.Phase,
		Round:       s.Round,
		SourceCount: len(s.LocalSources),
		Queries:     append([]string(nil), s.SearchQueries...),
	}
}

func (s *ChapterState) abort(kind string, err error) (ChapterResult, error) {
	if terr := s.transition(PhaseAborted); terr != nil {
		return ChapterResult{}, terr
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return ChapterResult{
		Number:      s.Task.Number,
		Status:      ChapterAborted,
		FailureKind: kind,
		Reason:      reason,
		Rounds:      s.Round,
	}, nil
}

// ChapterWorkflow plans, researches and writes one chapter. A planning or
// writing failure ends the chapter as aborted; it is returned as a result,
// not an error, so the document can continue.
func ChapterWorkflow(ctx workflow.Context, in ChapterInput) (ChapterResult, error) {
	logger := workflow.GetLogger(ctx)
	cfg := in.Config.withDefaults()
	policy := cfg.gatePolicy()
	st := NewChapterState(in.Task)

	if err := workflow.SetQueryHandler(ctx, constants.ChapterStateQuery, func() (ChapterProgress, error) {
		return st.progress(), nil
	}); err != nil {
		logger.Warn("Failed to register chapter_state query handler", "error", err)
	}

	logger.Info("ChapterWorkflow started", "job_id", in.JobID, "chapter", in.Task.Number, "title", in.Task.Title)

	planCtx := opts.WithPlanningOptions(ctx)
	researchCtx := workflow.WithActivityOptions(ctx, opts.ResearchActivityOptions(cfg.BackendTimeout))
	writeCtx := workflow.WithActivityOptions(ctx, opts.WritingActivityOptions())

	var plan activities.PlanChapterQueriesResult
	err := workflow.ExecuteActivity(planCtx, constants.PlanChapterQueriesActivity, activities.PlanChapterQueriesInput{
		JobID:      in.JobID,
		TaskPrompt: in.TaskPrompt,
		Task:       in.Task,
		Prior:      in.Prior,
		Round:      1,
		MaxQueries: cfg.MaxQueries,
	}).Get(ctx, &plan)
	if err == nil && len(plan.Queries) == 0 {
		err = fmt.Errorf("no queries planned for chapter %d", in.Task.Number)
	}
	if err != nil {
		logger.Warn("Chapter planning failed", "chapter", in.Task.Number, "error", err)
		return st.abort(FailurePlanning, err)
	}
	queries := plan.Queries

	st.Round = 1
	var forced bool
	for {
		if err := st.transition(PhaseResearching); err != nil {
			return ChapterResult{}, err
		}

		followUpFailed := false
		if st.Round > 1 {
			var refined activities.PlanChapterQueriesResult
			ferr := workflow.ExecuteActivity(planCtx, constants.PlanChapterQueriesActivity, activities.PlanChapterQueriesInput{
				JobID:           in.JobID,
				TaskPrompt:      in.TaskPrompt,
				Task:            in.Task,
				Prior:           in.Prior,
				Round:           st.Round,
				PreviousQueries: st.SearchQueries,
				SourceCount:     len(st.LocalSources),
				MaxQueries:      cfg.MaxQueries,
			}).Get(ctx, &refined)
			if ferr != nil || len(refined.Queries) == 0 {
				logger.Warn("Follow-up planning failed, writing with gathered sources",
					"chapter", in.Task.Number, "round", st.Round, "error", ferr)
				followUpFailed = true
			} else {
				queries = refined.Queries
			}
		}

		if !followUpFailed {
			added := researchRound(researchCtx, ctx, in, cfg, st, queries)
			logger.Info("Research round completed",
				"chapter", in.Task.Number,
				"round", st.Round,
				"queries", len(queries),
				"new_sources", added,
				"total_sources", len(st.LocalSources),
			)
		}

		if err := st.transition(PhaseSupervising); err != nil {
			return ChapterResult{}, err
		}
		if followUpFailed {
			forced = true
			break
		}
		decision := policy.Decide(len(st.LocalSources), st.TotalChars(), st.Round)
		if decision.Proceed {
			forced = decision.Forced
			if forced {
				logger.Info("Round limit reached, proceeding to writing",
					"chapter", in.Task.Number, "round", st.Round, "sources", len(st.LocalSources))
			}
			break
		}
		st.Round++
		emitEvent(ctx, activities.EmitDocumentEventInput{
			JobID:   in.JobID,
			Type:    streaming.EventRoundAdvanced,
			Chapter: in.Task.Number,
			Round:   st.Round,
			Message: decision.Reason,
			Data:    map[string]interface{}{"sources": len(st.LocalSources)},
		})
	}

	if err := st.transition(PhaseWriting); err != nil {
		return ChapterResult{}, err
	}
	var draft activities.WriteChapterResult
	if err := workflow.ExecuteActivity(writeCtx, constants.WriteChapterActivity, activities.WriteChapterInput{
		JobID:         in.JobID,
		TaskPrompt:    in.TaskPrompt,
		DocumentTitle: in.DocumentTitle,
		Task:          in.Task,
		Sources:       st.OrderedSources(),
		Prior:         in.Prior,
	}).Get(ctx, &draft); err != nil {
		logger.Warn("Chapter writing failed", "chapter", in.Task.Number, "error", err)
		return st.abort(FailureGeneration, err)
	}
	st.DraftText = draft.Text
	if err := st.transition(PhaseDone); err != nil {
		return ChapterResult{}, err
	}

	logger.Info("ChapterWorkflow completed",
		"chapter", in.Task.Number,
		"rounds", st.Round,
		"sources", len(st.LocalSources),
		"forced", forced,
	)
	return ChapterResult{
		Number:       in.Task.Number,
		Status:       ChapterDone,
		Draft:        st.DraftText,
		LocalSources: st.LocalSources,
		Rounds:       st.Round,
		Forced:       forced,
	}, nil
}

// researchRound runs every query at once and merges results in query order.
// A failed query contributes nothing.
func researchRound(actx, ctx workflow.Context, in ChapterInput, cfg DocumentConfig, st *ChapterState, queries []string) int {
	st.SearchQueries = append(st.SearchQueries, queries...)
	results := runResearch(actx, ctx, in.JobID, in.Task.Number, cfg.TopK, queries)
	added := 0
	for _, r := range results {
		for _, src := range r.Sources {
			if st.AddSource(src) {
				added++
			}
		}
	}
	return added
}

func runResearch(actx, ctx workflow.Context, jobID string, chapter, topK int, queries []string) []activities.ResearchQueryResult {
	logger := workflow.GetLogger(ctx)
	futures := make([]workflow.Future, len(queries))
	for i, q := range queries {
		futures[i] = workflow.ExecuteActivity(actx, constants.ResearchQueryActivity, activities.ResearchQueryInput{
			JobID:   jobID,
			Chapter: chapter,
			Query:   q,
			TopK:    topK,
		})
	}
	results := make([]activities.ResearchQueryResult, 0, len(queries))
	for i, f := range futures {
		var r activities.ResearchQueryResult
		if err := f.Get(ctx, &r); err != nil {
			logger.Warn("Research query failed", "chapter", chapter, "query", queries[i], "error", err)
			continue
		}
		results = append(results, r)
	}
	return results
}
