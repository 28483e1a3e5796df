package activities

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"go.temporal.io/sdk/temporal"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/longform/internal/metadata"
	"github.com/Kocoro-lab/longform/internal/util"
)

// Application error types carried across the activity boundary.
const (
	ErrTypePlanningFailure   = "PlanningFailure"
	ErrTypeGenerationFailure = "GenerationFailure"
)

// NewPlanningFailure returns a non-retryable planning error.
func NewPlanningFailure(msg string, cause error) error {
	return temporal.NewNonRetryableApplicationError(msg, ErrTypePlanningFailure, cause)
}

// NewGenerationFailure returns a generation error. Transient failures stay
// retryable so the activity retry policy applies.
func NewGenerationFailure(msg string, cause error, retryable bool) error {
	if retryable {
		return temporal.NewApplicationErrorWithCause(msg, ErrTypeGenerationFailure, cause)
	}
	return temporal.NewNonRetryableApplicationError(msg, ErrTypeGenerationFailure, cause)
}

// ErrorType returns the application error type carried by err, or "".
func ErrorType(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type()
	}
	return ""
}

// ChapterTask is one outline entry.
type ChapterTask struct {
	Number      int      `json:"number" yaml:"number"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description"`
	KeyPoints   []string `json:"key_points,omitempty" yaml:"key_points"`
}

// Outline is the ordered chapter plan of a document.
type Outline struct {
	Title    string        `json:"title" yaml:"title"`
	Chapters []ChapterTask `json:"chapters" yaml:"chapters"`
}

// ErrEmptyOutline is returned for an outline without chapters.
var ErrEmptyOutline = errors.New("outline has no chapters")

// ParseOutline decodes an outline from YAML or JSON. Chapters are renumbered
// 1..n in file order.
func ParseOutline(data []byte) (*Outline, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyOutline
	}
	var o Outline
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse outline: %w", err)
	}
	if err := o.Normalize(); err != nil {
		return nil, err
	}
	return &o, nil
}

// Normalize trims titles, renumbers chapters and rejects empty entries.
func (o *Outline) Normalize() error {
	o.Title = strings.TrimSpace(o.Title)
	if len(o.Chapters) == 0 {
		return ErrEmptyOutline
	}
	for i := range o.Chapters {
		ch := &o.Chapters[i]
		ch.Title = strings.TrimSpace(ch.Title)
		if ch.Title == "" {
			return fmt.Errorf("chapter %d has no title", i+1)
		}
		ch.Number = i + 1
	}
	return nil
}

// ChapterSummary carries a finished chapter into later prompts.
type ChapterSummary struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// ChapterRecord is the persisted outcome of one chapter.
type ChapterRecord struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	FailureKind string `json:"failure_kind,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Rounds      int    `json:"rounds"`
	SourceCount int    `json:"source_count"`
}

// formatSources renders sources with their ids for prompts.
func formatSources(sources []metadata.Source, perSource int) string {
	var b strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&b, "[%d] %s", s.ID, s.Title)
		if u := s.URLString(); u != "" {
			fmt.Fprintf(&b, " (%s)", u)
		}
		b.WriteString("\n")
		content := s.Content
		if perSource > 0 && util.RuneLen(content) > perSource {
			content = util.TruncateRunes(content, perSource) + "..."
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	return b.String()
}

func formatPrior(prior []ChapterSummary) string {
	if len(prior) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previously written chapters:\n")
	for _, p := range prior {
		fmt.Fprintf(&b, "- Chapter %d: %s\n  %s\n", p.Number, p.Title, p.Summary)
	}
	return b.String()
}
