package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/Kocoro-lab/longform/internal/db"
)

// PersistDocumentInput is the finished document with its chapter outcomes.
type PersistDocumentInput struct {
	JobID          string          `json:"job_id"`
	TaskPrompt     string          `json:"task_prompt"`
	Title          string          `json:"title"`
	Document       string          `json:"document"`
	Status         string          `json:"status"`
	ReferenceCount int             `json:"reference_count"`
	Chapters       []ChapterRecord `json:"chapters"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at"`
}

// PersistDocument stores the run and its chapters. Without a database it is
// a no-op.
func (a *Activities) PersistDocument(ctx context.Context, in PersistDocumentInput) error {
	logger := activity.GetLogger(ctx)
	if a.db == nil {
		logger.Debug("No database configured, skipping document persistence", "job_id", in.JobID)
		return nil
	}

	done, failed := 0, 0
	chapters := make([]db.ChapterRecord, 0, len(in.Chapters))
	for _, ch := range in.Chapters {
		if ch.Status == "done" {
			done++
		} else {
			failed++
		}
		chapters = append(chapters, db.ChapterRecord{
			Number:      ch.Number,
			Title:       ch.Title,
			Status:      ch.Status,
			FailureKind: ch.FailureKind,
			Reason:      ch.Reason,
			Rounds:      ch.Rounds,
			SourceCount: ch.SourceCount,
		})
	}

	completed := in.CompletedAt
	run := &db.DocumentRun{
		JobID:          in.JobID,
		Title:          in.Title,
		TaskPrompt:     in.TaskPrompt,
		Status:         in.Status,
		Document:       in.Document,
		ReferenceCount: in.ReferenceCount,
		ChaptersDone:   done,
		ChaptersFailed: failed,
		StartedAt:      in.StartedAt,
		CompletedAt:    &completed,
		Metadata:       db.JSONB{"chapters": len(in.Chapters)},
	}
	id, err := a.db.SaveDocument(ctx, run, chapters)
	if err != nil {
		logger.Error("Failed to persist document", "job_id", in.JobID, "error", err)
		return err
	}
	logger.Info("Document persisted", "job_id", in.JobID, "document_id", id.String(), "status", in.Status)
	return nil
}
