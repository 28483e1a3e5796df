package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(raw, j)
}

// Document run statuses.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// DocumentRun is one finished document job.
type DocumentRun struct {
	ID             uuid.UUID  `db:"id"`
	JobID          string     `db:"job_id"`
	Title          string     `db:"title"`
	TaskPrompt     string     `db:"task_prompt"`
	Status         string     `db:"status"`
	Document       string     `db:"document"`
	ReferenceCount int        `db:"reference_count"`
	ChaptersDone   int        `db:"chapters_done"`
	ChaptersFailed int        `db:"chapters_failed"`
	StartedAt      time.Time  `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	Metadata       JSONB      `db:"metadata"`
}

// ChapterRecord is the outcome of one chapter of a run.
type ChapterRecord struct {
	ID          uuid.UUID `db:"id"`
	DocumentID  uuid.UUID `db:"document_id"`
	Number      int       `db:"number"`
	Title       string    `db:"title"`
	Status      string    `db:"status"`
	FailureKind string    `db:"failure_kind"`
	Reason      string    `db:"reason"`
	Rounds      int       `db:"rounds"`
	SourceCount int       `db:"source_count"`
	CreatedAt   time.Time `db:"created_at"`
}
