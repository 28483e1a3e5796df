package activities

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/Kocoro-lab/longform/internal/llm"
	"github.com/Kocoro-lab/longform/internal/metadata"
	ometrics "github.com/Kocoro-lab/longform/internal/metrics"
)

var outlineSchema = llm.MustCompileSchema("outline.json", []byte(`{
  "type": "object",
  "required": ["title", "chapters"],
  "properties": {
    "title": {"type": "string"},
    "chapters": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "key_points": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`))

// GenerateOutlineInput asks for a chapter plan grounded in research.
type GenerateOutlineInput struct {
	JobID       string            `json:"job_id"`
	TaskPrompt  string            `json:"task_prompt"`
	Sources     []metadata.Source `json:"sources,omitempty"`
	MaxChapters int               `json:"max_chapters,omitempty"`
}

// GenerateOutline produces the document outline. A response that does not
// match the outline schema is a non-retryable GenerationFailure.
func (a *Activities) GenerateOutline(ctx context.Context, in GenerateOutlineInput) (Outline, error) {
	logger := activity.GetLogger(ctx)

	comp, err := a.generator.Generate(ctx, buildOutlinePrompt(in), llm.GenerateParams{
		SystemPrompt: "You design outlines for long-form technical documents. Respond with JSON only.",
		Temperature:  0.3,
		MaxTokens:    1500,
		AgentID:      "outline-planner",
		ModelTier:    "medium",
	})
	if err != nil {
		ometrics.RecordGeneration(a.provider, "outline", "error", 0)
		return Outline{}, NewGenerationFailure("outline generation failed", err, true)
	}
	ometrics.RecordGeneration(a.provider, "outline", "success", comp.TokensUsed)

	var outline Outline
	if err := llm.DecodeStructured(comp.Text, outlineSchema, &outline); err != nil {
		return Outline{}, NewGenerationFailure("outline is not valid", err, false)
	}
	if strings.TrimSpace(outline.Title) == "" {
		outline.Title = in.TaskPrompt
	}
	if in.MaxChapters > 0 && len(outline.Chapters) > in.MaxChapters {
		outline.Chapters = outline.Chapters[:in.MaxChapters]
	}
	if err := outline.Normalize(); err != nil {
		return Outline{}, NewGenerationFailure("outline is not valid", err, false)
	}

	logger.Info("Outline generated",
		"job_id", in.JobID,
		"title", outline.Title,
		"chapters", len(outline.Chapters),
	)
	return outline, nil
}

func buildOutlinePrompt(in GenerateOutlineInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document task: %s\n\n", in.TaskPrompt)
	if len(in.Sources) > 0 {
		b.WriteString("Background research:\n")
		b.WriteString(formatSources(in.Sources, 400))
	}
	if in.MaxChapters > 0 {
		fmt.Fprintf(&b, "Plan at most %d chapters.\n", in.MaxChapters)
	}
	b.WriteString(`Return JSON: {"title": "...", "chapters": [{"title": "...", "description": "...", "key_points": ["..."]}]}`)
	return b.String()
}
