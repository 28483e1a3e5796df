package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SaveDocument upserts run by job id and replaces its chapter rows in one
// transaction. It returns the stored run id.
func (c *Client) SaveDocument(ctx context.Context, run *DocumentRun, chapters []ChapterRecord) (uuid.UUID, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	var id uuid.UUID
	err := c.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := tx.QueryRowxContext(ctx, `
        INSERT INTO document_runs (
            id, job_id, title, task_prompt, status, document, reference_count,
            chapters_done, chapters_failed, started_at, completed_at, metadata
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (job_id) DO UPDATE SET
            title = EXCLUDED.title,
            status = EXCLUDED.status,
            document = EXCLUDED.document,
            reference_count = EXCLUDED.reference_count,
            chapters_done = EXCLUDED.chapters_done,
            chapters_failed = EXCLUDED.chapters_failed,
            completed_at = EXCLUDED.completed_at,
            metadata = EXCLUDED.metadata
        RETURNING id`,
			run.ID, run.JobID, run.Title, run.TaskPrompt, run.Status, run.Document, run.ReferenceCount,
			run.ChaptersDone, run.ChaptersFailed, run.StartedAt, run.CompletedAt, run.Metadata,
		).Scan(&id); err != nil {
			return fmt.Errorf("upsert document run: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM chapter_results WHERE document_id = $1`, id); err != nil {
			return fmt.Errorf("clear chapter results: %w", err)
		}
		now := time.Now()
		for i := range chapters {
			ch := &chapters[i]
			if ch.ID == uuid.Nil {
				ch.ID = uuid.New()
			}
			ch.DocumentID = id
			if ch.CreatedAt.IsZero() {
				ch.CreatedAt = now
			}
			if _, err := tx.ExecContext(ctx, `
            INSERT INTO chapter_results (
                id, document_id, number, title, status, failure_kind, reason, rounds, source_count, created_at
            ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				ch.ID, ch.DocumentID, ch.Number, ch.Title, ch.Status, ch.FailureKind, ch.Reason, ch.Rounds, ch.SourceCount, ch.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert chapter %d: %w", ch.Number, err)
			}
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	run.ID = id
	return id, nil
}

// GetDocumentByJobID loads a stored run.
func (c *Client) GetDocumentByJobID(ctx context.Context, jobID string) (*DocumentRun, error) {
	var run DocumentRun
	err := c.cb.Execute(ctx, func() error {
		return c.db.GetContext(ctx, &run, `
        SELECT id, job_id, title, task_prompt, status, document, reference_count,
               chapters_done, chapters_failed, started_at, completed_at, metadata
        FROM document_runs WHERE job_id = $1`, jobID)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}
