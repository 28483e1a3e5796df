package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/Kocoro-lab/longform/internal/llm"
	"github.com/Kocoro-lab/longform/internal/metadata"
	ometrics "github.com/Kocoro-lab/longform/internal/metrics"
)

// WriteChapterInput carries everything the writer sees. Sources hold their
// chapter-local ids.
type WriteChapterInput struct {
	JobID         string            `json:"job_id"`
	TaskPrompt    string            `json:"task_prompt"`
	DocumentTitle string            `json:"document_title"`
	Task          ChapterTask       `json:"task"`
	Sources       []metadata.Source `json:"sources"`
	Prior         []ChapterSummary  `json:"prior,omitempty"`
}

// WriteChapterResult is the chapter draft with local citation markers.
type WriteChapterResult struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model,omitempty"`
}

// WriteChapter drafts one chapter. The draft is returned as produced; its
// citations are not checked here.
func (a *Activities) WriteChapter(ctx context.Context, in WriteChapterInput) (WriteChapterResult, error) {
	logger := activity.GetLogger(ctx)

	comp, err := a.generator.Generate(ctx, buildWritePrompt(in), llm.GenerateParams{
		SystemPrompt: "You are a technical writer. Write in Markdown and cite sources with their bracketed ids, for example [2] or [1, 3].",
		Temperature:  0.4,
		MaxTokens:    4000,
		AgentID:      "chapter-writer",
		ModelTier:    "large",
	})
	if err != nil {
		ometrics.RecordGeneration(a.provider, "write", "error", 0)
		return WriteChapterResult{}, NewGenerationFailure(fmt.Sprintf("writing chapter %d failed", in.Task.Number), err, !errors.Is(err, llm.ErrEmptyCompletion))
	}
	if strings.TrimSpace(comp.Text) == "" {
		ometrics.RecordGeneration(a.provider, "write", "empty", comp.TokensUsed)
		return WriteChapterResult{}, NewGenerationFailure(fmt.Sprintf("empty draft for chapter %d", in.Task.Number), llm.ErrEmptyCompletion, false)
	}
	ometrics.RecordGeneration(a.provider, "write", "success", comp.TokensUsed)

	logger.Info("Chapter drafted",
		"job_id", in.JobID,
		"chapter", in.Task.Number,
		"sources", len(in.Sources),
		"chars", len(comp.Text),
		"tokens", comp.TokensUsed,
	)
	return WriteChapterResult{Text: comp.Text, TokensUsed: comp.TokensUsed, Model: comp.Model}, nil
}

func buildWritePrompt(in WriteChapterInput) string {
	var b strings.Builder
	if in.DocumentTitle != "" {
		fmt.Fprintf(&b, "Document: %s\n", in.DocumentTitle)
	}
	fmt.Fprintf(&b, "Task: %s\n\n", in.TaskPrompt)
	b.WriteString(formatPrior(in.Prior))
	fmt.Fprintf(&b, "\nWrite chapter %d: %s\n", in.Task.Number, in.Task.Title)
	if in.Task.Description != "" {
		fmt.Fprintf(&b, "%s\n", in.Task.Description)
	}
	for _, kp := range in.Task.KeyPoints {
		fmt.Fprintf(&b, "- %s\n", kp)
	}
	if len(in.Sources) > 0 {
		b.WriteString("\nSources:\n")
		b.WriteString(formatSources(in.Sources, 0))
		b.WriteString("Only cite the ids listed above.\n")
	} else {
		b.WriteString("\nNo sources were found. Do not include citation markers.\n")
	}
	fmt.Fprintf(&b, "Start with the heading \"## Chapter %d: %s\".\n", in.Task.Number, in.Task.Title)
	return b.String()
}
