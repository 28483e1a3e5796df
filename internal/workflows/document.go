package workflows

import (
	"errors"
	"fmt"
	"strings"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/longform/internal/activities"
	"github.com/Kocoro-lab/longform/internal/constants"
	"github.com/Kocoro-lab/longform/internal/metadata"
	"github.com/Kocoro-lab/longform/internal/streaming"
	"github.com/Kocoro-lab/longform/internal/util"
	"github.com/Kocoro-lab/longform/internal/workflows/opts"
)

// ErrTypeDocumentFailure marks document-fatal workflow errors.
const ErrTypeDocumentFailure = "DocumentFailure"

// DocumentState is owned by one DocumentWorkflow run. Only the workflow
// mutates it, between chapter executions.
type DocumentState struct {
	Outline           *activities.Outline
	ChaptersToProcess []activities.ChapterTask
	CompletedChapters []string
	Registry          *metadata.CitationRegistry
	FinalDocument     string
	Summaries         []activities.ChapterSummary

	stage   string
	current int
}

// DocumentProgress answers the document_progress query.
type DocumentProgress struct {
	Stage          string `json:"stage"`
	CurrentChapter int    `json:"current_chapter"`
	TotalChapters  int    `json:"total_chapters"`
	Completed      int    `json:"completed"`
	References     int    `json:"references"`
}

func (s *DocumentState) progress() DocumentProgress {
	p := DocumentProgress{
		Stage:          s.stage,
		CurrentChapter: s.current,
		Completed:      len(s.CompletedChapters),
	}
	if s.Outline != nil {
		p.TotalChapters = len(s.Outline.Chapters)
	}
	if s.Registry != nil {
		p.References = s.Registry.Len()
	}
	return p
}

func documentFailure(msg string, cause error) error {
	return temporal.NewNonRetryableApplicationError(msg, ErrTypeDocumentFailure, cause)
}

// DocumentWorkflow produces a complete document: it resolves the outline,
// runs one ChapterWorkflow child per chapter in order, merges citations into
// one registry and assembles the Markdown. Aborted chapters are rendered as
// placeholders; only a missing outline or a failed assembly fails the run.
func DocumentWorkflow(ctx workflow.Context, in DocumentInput) (DocumentResult, error) {
	logger := workflow.GetLogger(ctx)
	cfg := in.Config.withDefaults()
	jobID := util.FirstNonEmpty(in.JobID, workflow.GetInfo(ctx).WorkflowExecution.ID)
	startedAt := workflow.Now(ctx)

	st := &DocumentState{Registry: metadata.NewCitationRegistry(), stage: "outline"}
	if err := workflow.SetQueryHandler(ctx, constants.DocumentProgressQuery, func() (DocumentProgress, error) {
		return st.progress(), nil
	}); err != nil {
		logger.Warn("Failed to register document_progress query handler", "error", err)
	}

	logger.Info("DocumentWorkflow started", "job_id", jobID, "has_outline", in.Outline != nil)
	emitEvent(ctx, activities.EmitDocumentEventInput{
		JobID:   jobID,
		Type:    streaming.EventDocumentStarted,
		Message: util.TruncateString(in.TaskPrompt, 200, true),
	})

	outline, err := resolveOutline(ctx, jobID, in, cfg)
	if err != nil {
		logger.Error("Outline unavailable", "job_id", jobID, "error", err)
		return DocumentResult{}, err
	}
	st.Outline = outline
	st.ChaptersToProcess = append([]activities.ChapterTask(nil), outline.Chapters...)
	title := util.FirstNonEmpty(outline.Title, util.TruncateString(in.TaskPrompt, 120, true))

	emitEvent(ctx, activities.EmitDocumentEventInput{
		JobID:   jobID,
		Type:    streaming.EventOutlineReady,
		Message: title,
		Data:    map[string]interface{}{"chapters": len(outline.Chapters)},
	})

	st.stage = "chapters"
	outcomes := make([]ChapterOutcome, 0, len(outline.Chapters))
	var warnings []string
	done := 0

	for len(st.ChaptersToProcess) > 0 {
		task := st.ChaptersToProcess[0]
		st.ChaptersToProcess = st.ChaptersToProcess[1:]
		st.current = task.Number

		emitEvent(ctx, activities.EmitDocumentEventInput{
			JobID:   jobID,
			Type:    streaming.EventChapterStarted,
			Chapter: task.Number,
			Message: task.Title,
		})

		res := runChapter(ctx, jobID, in.TaskPrompt, title, task, st.Summaries, cfg)
		outcome := ChapterOutcome{
			Number:      task.Number,
			Title:       task.Title,
			Status:      res.Status,
			FailureKind: res.FailureKind,
			Reason:      res.Reason,
			Rounds:      res.Rounds,
			SourceCount: len(res.LocalSources),
		}

		if res.Status != ChapterDone {
			st.CompletedChapters = append(st.CompletedChapters, FailurePlaceholder(task, res.FailureKind, res.Reason))
			warnings = append(warnings, fmt.Sprintf("chapter %d aborted: %s", task.Number, util.FirstNonEmpty(res.FailureKind, FailureWorkflow)))
			logger.Warn("Chapter aborted", "job_id", jobID, "chapter", task.Number, "kind", res.FailureKind, "reason", res.Reason)
			emitEvent(ctx, activities.EmitDocumentEventInput{
				JobID:   jobID,
				Type:    streaming.EventChapterFailed,
				Chapter: task.Number,
				Message: res.Reason,
				Data: map[string]interface{}{
					"failure_kind": res.FailureKind,
					"rounds":       res.Rounds,
				},
			})
			outcomes = append(outcomes, outcome)
			continue
		}

		mapping := st.Registry.Register(res.LocalSources)
		rewrite := metadata.RewriteCitations(res.Draft, mapping)
		section := chapterSection(task, rewrite.Text)
		if len(rewrite.Unresolved) > 0 {
			section += "\n\n" + metadata.UnresolvedWarning(rewrite.Unresolved)
			warnings = append(warnings, fmt.Sprintf("chapter %d: %d unresolved citation markers", task.Number, len(rewrite.Unresolved)))
		}
		st.CompletedChapters = append(st.CompletedChapters, section)
		st.Summaries = append(st.Summaries, activities.ChapterSummary{
			Number:  task.Number,
			Title:   task.Title,
			Summary: summarize(rewrite.Text),
		})
		done++

		outcome.Mapping = mapping
		outcome.Unresolved = rewrite.Unresolved
		outcomes = append(outcomes, outcome)

		emitEvent(ctx, activities.EmitDocumentEventInput{
			JobID:   jobID,
			Type:    streaming.EventChapterCompleted,
			Chapter: task.Number,
			Message: task.Title,
			Data: map[string]interface{}{
				"rounds":     res.Rounds,
				"sources":    len(res.LocalSources),
				"unresolved": len(rewrite.Unresolved),
				"references": st.Registry.Len(),
			},
		})
	}

	st.stage = "assembly"
	doc, err := AssembleDocument(title, st.CompletedChapters, st.Registry)
	if err != nil {
		return DocumentResult{}, documentFailure("document assembly failed", err)
	}
	st.FinalDocument = doc
	st.stage = "done"

	status := DocumentCompleted
	switch {
	case done == 0:
		status = DocumentFailed
	case done < len(outcomes):
		status = DocumentPartial
	}

	result := DocumentResult{
		JobID:    jobID,
		Title:    title,
		Document: doc,
		Status:   status,
		Chapters: outcomes,
		Sources:  st.Registry.Sources(),
		Warnings: warnings,
	}

	if !cfg.SkipPersistence {
		if err := persist(ctx, in, result, startedAt); err != nil {
			logger.Warn("Document persistence failed", "job_id", jobID, "error", err)
			result.Warnings = append(result.Warnings, "document was not persisted")
		}
	}

	emitEvent(ctx, activities.EmitDocumentEventInput{
		JobID:   jobID,
		Type:    streaming.EventDocumentCompleted,
		Message: title,
		Data: map[string]interface{}{
			"status":     status,
			"references": st.Registry.Len(),
			"chapters":   len(outcomes),
		},
	})
	logger.Info("DocumentWorkflow completed",
		"job_id", jobID,
		"status", status,
		"chapters_done", done,
		"chapters_total", len(outcomes),
		"references", st.Registry.Len(),
	)
	return result, nil
}

// runChapter executes one chapter child and folds child errors into an
// aborted result.
func runChapter(ctx workflow.Context, jobID, prompt, title string, task activities.ChapterTask, prior []activities.ChapterSummary, cfg DocumentConfig) ChapterResult {
	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID:               fmt.Sprintf("%s-chapter-%d", jobID, task.Number),
		WorkflowExecutionTimeout: cfg.ChapterTimeout,
		ParentClosePolicy:        enumspb.PARENT_CLOSE_POLICY_TERMINATE,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	})

	var res ChapterResult
	err := workflow.ExecuteChildWorkflow(childCtx, ChapterWorkflow, ChapterInput{
		JobID:         jobID,
		TaskPrompt:    prompt,
		DocumentTitle: title,
		Task:          task,
		Prior:         append([]activities.ChapterSummary(nil), prior...),
		Config:        cfg,
	}).Get(ctx, &res)
	if err == nil {
		res.Number = task.Number
		return res
	}

	kind := FailureWorkflow
	if temporal.IsTimeoutError(err) {
		kind = FailureTimeout
	} else if t := activities.ErrorType(err); t == FailurePlanning || t == FailureGeneration {
		kind = t
	}
	return ChapterResult{
		Number:      task.Number,
		Status:      ChapterAborted,
		FailureKind: kind,
		Reason:      err.Error(),
	}
}

// resolveOutline normalizes the supplied outline or generates one.
func resolveOutline(ctx workflow.Context, jobID string, in DocumentInput, cfg DocumentConfig) (*activities.Outline, error) {
	if in.Outline != nil {
		o := *in.Outline
		o.Chapters = append([]activities.ChapterTask(nil), in.Outline.Chapters...)
		if err := o.Normalize(); err != nil {
			return nil, documentFailure("invalid outline", err)
		}
		return &o, nil
	}
	if strings.TrimSpace(in.TaskPrompt) == "" {
		return nil, documentFailure("no outline and no task prompt", nil)
	}
	return generateOutline(ctx, jobID, in.TaskPrompt, cfg)
}

// generateOutline plans queries for the whole task, researches them at once
// and asks for an outline grounded in what was found.
func generateOutline(ctx workflow.Context, jobID, prompt string, cfg DocumentConfig) (*activities.Outline, error) {
	logger := workflow.GetLogger(ctx)
	overview := activities.ChapterTask{
		Number:      0,
		Title:       util.TruncateString(prompt, 120, true),
		Description: prompt,
	}

	var plan activities.PlanChapterQueriesResult
	if err := workflow.ExecuteActivity(opts.WithPlanningOptions(ctx), constants.PlanChapterQueriesActivity, activities.PlanChapterQueriesInput{
		JobID:      jobID,
		TaskPrompt: prompt,
		Task:       overview,
		Round:      1,
		MaxQueries: cfg.MaxQueries,
	}).Get(ctx, &plan); err != nil {
		return nil, documentFailure("outline planning failed", err)
	}
	if len(plan.Queries) == 0 {
		return nil, documentFailure("outline planning produced no queries", nil)
	}

	researchCtx := workflow.WithActivityOptions(ctx, opts.ResearchActivityOptions(cfg.BackendTimeout))
	gathered := NewChapterState(overview)
	for _, r := range runResearch(researchCtx, ctx, jobID, 0, cfg.TopK, plan.Queries) {
		for _, src := range r.Sources {
			gathered.AddSource(src)
		}
	}
	logger.Info("Outline research completed", "job_id", jobID, "queries", len(plan.Queries), "sources", len(gathered.LocalSources))

	var outline activities.Outline
	if err := workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, opts.WritingActivityOptions()), constants.GenerateOutlineActivity, activities.GenerateOutlineInput{
		JobID:       jobID,
		TaskPrompt:  prompt,
		Sources:     gathered.OrderedSources(),
		MaxChapters: cfg.MaxChapters,
	}).Get(ctx, &outline); err != nil {
		return nil, documentFailure("outline generation failed", err)
	}
	if err := outline.Normalize(); err != nil {
		if errors.Is(err, activities.ErrEmptyOutline) {
			return nil, documentFailure("generated outline is empty", err)
		}
		return nil, documentFailure("generated outline is invalid", err)
	}
	return &outline, nil
}

// persist stores the document and its chapter outcomes.
func persist(ctx workflow.Context, in DocumentInput, res DocumentResult, startedAt time.Time) error {
	chapters := make([]activities.ChapterRecord, 0, len(res.Chapters))
	for _, c := range res.Chapters {
		chapters = append(chapters, activities.ChapterRecord{
			Number:      c.Number,
			Title:       c.Title,
			Status:      string(c.Status),
			FailureKind: c.FailureKind,
			Reason:      c.Reason,
			Rounds:      c.Rounds,
			SourceCount: c.SourceCount,
		})
	}
	pctx := workflow.WithActivityOptions(ctx, opts.PersistActivityOptions())
	return workflow.ExecuteActivity(pctx, constants.PersistDocumentActivity, activities.PersistDocumentInput{
		JobID:          res.JobID,
		TaskPrompt:     in.TaskPrompt,
		Title:          res.Title,
		Document:       res.Document,
		Status:         res.Status,
		ReferenceCount: len(res.Sources),
		Chapters:       chapters,
		StartedAt:      startedAt,
		CompletedAt:    workflow.Now(ctx),
	}).Get(ctx, nil)
}
