package registry

import (
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/activities"
	"github.com/Kocoro-lab/longform/internal/constants"
	"github.com/Kocoro-lab/longform/internal/workflows"
)

// DocumentRegistry registers the document workflows and their activities.
type DocumentRegistry struct {
	acts   *activities.Activities
	logger *zap.Logger
}

// NewDocumentRegistry creates a registry around a configured activity set.
func NewDocumentRegistry(acts *activities.Activities, logger *zap.Logger) *DocumentRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentRegistry{acts: acts, logger: logger}
}

// RegisterWorkflows registers DocumentWorkflow and ChapterWorkflow under
// their stable names.
func (r *DocumentRegistry) RegisterWorkflows(w Target) error {
	w.RegisterWorkflowWithOptions(workflows.DocumentWorkflow, workflow.RegisterOptions{Name: constants.DocumentWorkflowName})
	w.RegisterWorkflowWithOptions(workflows.ChapterWorkflow, workflow.RegisterOptions{Name: constants.ChapterWorkflowName})
	r.logger.Info("Registered workflows",
		zap.Strings("workflows", []string{constants.DocumentWorkflowName, constants.ChapterWorkflowName}))
	return nil
}

// RegisterActivities registers every activity by name.
func (r *DocumentRegistry) RegisterActivities(w Target) error {
	a := r.acts
	w.RegisterActivityWithOptions(a.PlanChapterQueries, activity.RegisterOptions{Name: constants.PlanChapterQueriesActivity})
	w.RegisterActivityWithOptions(a.ResearchQuery, activity.RegisterOptions{Name: constants.ResearchQueryActivity})
	w.RegisterActivityWithOptions(a.GenerateOutline, activity.RegisterOptions{Name: constants.GenerateOutlineActivity})
	w.RegisterActivityWithOptions(a.WriteChapter, activity.RegisterOptions{Name: constants.WriteChapterActivity})
	w.RegisterActivityWithOptions(a.EmitDocumentEvent, activity.RegisterOptions{Name: constants.EmitDocumentEventActivity})
	w.RegisterActivityWithOptions(a.PersistDocument, activity.RegisterOptions{Name: constants.PersistDocumentActivity})
	r.logger.Info("Registered activities", zap.Int("count", 6))
	return nil
}

// Register registers both workflows and activities.
func Register(w Target, r Registry) error {
	if err := r.RegisterWorkflows(w); err != nil {
		return err
	}
	return r.RegisterActivities(w)
}
