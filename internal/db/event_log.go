package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventLog represents a persisted progress event row.
type EventLog struct {
	ID        uuid.UUID `db:"id" json:"id"`
	JobID     string    `db:"job_id" json:"job_id"`
	Type      string    `db:"type" json:"type"`
	Chapter   int       `db:"chapter" json:"chapter,omitempty"`
	Message   string    `db:"message" json:"message,omitempty"`
	Payload   JSONB     `db:"payload" json:"payload,omitempty"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	// Seq is the worker's stream sequence; it restarts with the worker
	// process, so it orders events but does not identify them.
	Seq       uint64    `db:"seq" json:"seq,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SaveEventLog inserts a new event_logs row.
func (c *Client) SaveEventLog(ctx context.Context, e *EventLog) error {
	if e == nil {
		return nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return c.cb.Execute(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `
        INSERT INTO event_logs (
            id, job_id, type, chapter, message, payload, timestamp, seq, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `, e.ID, e.JobID, e.Type, nullIfZero(e.Chapter), e.Message, e.Payload, e.Timestamp, nullIfZero(int(e.Seq)), e.CreatedAt)
		return err
	})
}

// ListEventLogs returns the events of a job in sequence order.
func (c *Client) ListEventLogs(ctx context.Context, jobID string) ([]EventLog, error) {
	var rows []EventLog
	err := c.cb.Execute(ctx, func() error {
		return c.db.SelectContext(ctx, &rows, `
        SELECT id, job_id, type, COALESCE(chapter, 0) AS chapter, message, payload, timestamp, COALESCE(seq, 0) AS seq, created_at
        FROM event_logs WHERE job_id = $1 ORDER BY timestamp ASC, seq ASC NULLS LAST`, jobID)
	})
	return rows, err
}

func nullIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
