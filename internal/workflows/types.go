package workflows

import (
	"time"

	"github.com/Kocoro-lab/longform/internal/activities"
	"github.com/Kocoro-lab/longform/internal/config"
	"github.com/Kocoro-lab/longform/internal/metadata"
)

// DocumentConfig carries the per-job generation knobs.
type DocumentConfig struct {
	MaxSearchRounds int           `json:"max_search_rounds"`
	TopK            int           `json:"top_k"`
	MaxQueries      int           `json:"max_queries"`
	BackendTimeout  time.Duration `json:"backend_timeout"`
	ChapterTimeout  time.Duration `json:"chapter_timeout"`
	MaxChapters     int           `json:"max_chapters,omitempty"`
	Gate            []GateRule    `json:"gate,omitempty"`
	// SkipPersistence disables the PersistDocument step.
	SkipPersistence bool `json:"skip_persistence,omitempty"`
}

// DefaultDocumentConfig mirrors the worker defaults.
func DefaultDocumentConfig() DocumentConfig {
	return DocumentConfig{
		MaxSearchRounds: 3,
		TopK:            8,
		MaxQueries:      4,
		BackendTimeout:  20 * time.Second,
		ChapterTimeout:  15 * time.Minute,
		Gate:            DefaultGateRules(),
	}
}

// DocumentConfigFrom converts the document.* worker settings.
func DocumentConfigFrom(c config.DocumentConfig) DocumentConfig {
	out := DocumentConfig{
		MaxSearchRounds: c.MaxSearchRounds,
		TopK:            c.TopK,
		MaxQueries:      c.MaxQueries,
		BackendTimeout:  c.BackendTimeout,
		ChapterTimeout:  c.ChapterTimeout,
	}
	for _, r := range c.Gate {
		out.Gate = append(out.Gate, GateRule{MinSources: r.MinSources, MinChars: r.MinChars})
	}
	return out.withDefaults()
}

func (c DocumentConfig) withDefaults() DocumentConfig {
	d := DefaultDocumentConfig()
	if c.MaxSearchRounds <= 0 {
		c.MaxSearchRounds = d.MaxSearchRounds
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.MaxQueries <= 0 {
		c.MaxQueries = d.MaxQueries
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = d.BackendTimeout
	}
	if c.ChapterTimeout <= 0 {
		c.ChapterTimeout = d.ChapterTimeout
	}
	if len(c.Gate) == 0 {
		c.Gate = d.Gate
	}
	return c
}

func (c DocumentConfig) gatePolicy() GatePolicy {
	return GatePolicy{Rules: c.Gate, MaxRounds: c.MaxSearchRounds}
}

// DocumentInput starts a document job. Outline is optional.
type DocumentInput struct {
	JobID      string              `json:"job_id"`
	TaskPrompt string              `json:"task_prompt"`
	Outline    *activities.Outline `json:"outline,omitempty"`
	Config     DocumentConfig      `json:"config"`
}

// Document statuses.
const (
	DocumentCompleted = "completed"
	DocumentPartial   = "partial"
	DocumentFailed    = "failed"
)

// DocumentResult is the assembled document with per-chapter outcomes.
type DocumentResult struct {
	JobID    string            `json:"job_id"`
	Title    string            `json:"title"`
	Document string            `json:"document"`
	Status   string            `json:"status"`
	Chapters []ChapterOutcome  `json:"chapters"`
	Sources  []metadata.Source `json:"sources"`
	Warnings []string          `json:"warnings,omitempty"`
}

// ChapterOutcome summarizes one chapter of a finished document.
type ChapterOutcome struct {
	Number      int           `json:"number"`
	Title       string        `json:"title"`
	Status      ChapterStatus `json:"status"`
	FailureKind string        `json:"failure_kind,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Rounds      int           `json:"rounds"`
	SourceCount int           `json:"source_count"`
	// Mapping is the local to global citation id map applied to the draft.
	Mapping    map[int]int `json:"mapping,omitempty"`
	Unresolved []int       `json:"unresolved,omitempty"`
}

// ChapterInput runs one chapter.
type ChapterInput struct {
	JobID         string                      `json:"job_id"`
	TaskPrompt    string                      `json:"task_prompt"`
	DocumentTitle string                      `json:"document_title"`
	Task          activities.ChapterTask      `json:"task"`
	Prior         []activities.ChapterSummary `json:"prior,omitempty"`
	Config        DocumentConfig              `json:"config"`
}

// ChapterStatus is the terminal state of a chapter.
type ChapterStatus string

const (
	ChapterDone    ChapterStatus = "done"
	ChapterAborted ChapterStatus = "aborted"
)

// Failure kinds recorded for aborted chapters.
const (
	FailurePlanning   = activities.ErrTypePlanningFailure
	FailureGeneration = activities.ErrTypeGenerationFailure
	FailureTimeout    = "Timeout"
	FailureWorkflow   = "WorkflowFailure"
)

// ChapterResult is what a chapter hands back to the document.
type ChapterResult struct {
	Number       int                     `json:"number"`
	Status       ChapterStatus           `json:"status"`
	Draft        string                  `json:"draft,omitempty"`
	LocalSources map[int]metadata.Source `json:"local_sources,omitempty"`
	FailureKind  string                  `json:"failure_kind,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
	Rounds       int                     `json:"rounds"`
	Forced       bool                    `json:"forced,omitempty"`
}
