package activities

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/Kocoro-lab/longform/internal/llm"
	ometrics "github.com/Kocoro-lab/longform/internal/metrics"
)

const defaultMaxQueries = 4

var queryPlanSchema = llm.MustCompileSchema("query_plan.json", []byte(`{
  "type": "object",
  "required": ["queries"],
  "properties": {
    "queries": {"type": "array", "items": {"type": "string"}},
    "reasoning": {"type": "string"}
  }
}`))

// PlanChapterQueriesInput asks for search queries for one chapter. Round 1
// plans from scratch; later rounds refine PreviousQueries.
type PlanChapterQueriesInput struct {
	JobID           string           `json:"job_id"`
	TaskPrompt      string           `json:"task_prompt"`
	Task            ChapterTask      `json:"task"`
	Prior           []ChapterSummary `json:"prior,omitempty"`
	Round           int              `json:"round"`
	PreviousQueries []string         `json:"previous_queries,omitempty"`
	SourceCount     int              `json:"source_count,omitempty"`
	MaxQueries      int              `json:"max_queries"`
}

// PlanChapterQueriesResult is the validated query plan.
type PlanChapterQueriesResult struct {
	Queries    []string `json:"queries"`
	Reasoning  string   `json:"reasoning,omitempty"`
	TokensUsed int      `json:"tokens_used"`
}

type queryPlan struct {
	Queries   []string `json:"queries"`
	Reasoning string   `json:"reasoning"`
}

// PlanChapterQueries asks the generator for a JSON query plan. An invalid
// plan or one with no usable query is a non-retryable PlanningFailure.
func (a *Activities) PlanChapterQueries(ctx context.Context, in PlanChapterQueriesInput) (PlanChapterQueriesResult, error) {
	logger := activity.GetLogger(ctx)
	maxQueries := in.MaxQueries
	if maxQueries <= 0 {
		maxQueries = defaultMaxQueries
	}

	comp, err := a.generator.Generate(ctx, buildPlanPrompt(in, maxQueries), llm.GenerateParams{
		SystemPrompt: "You plan web and document searches for a technical writer. Respond with JSON only.",
		Temperature:  0.2,
		MaxTokens:    600,
		AgentID:      "chapter-planner",
		ModelTier:    "small",
	})
	if err != nil {
		ometrics.RecordGeneration(a.provider, "plan", "error", 0)
		return PlanChapterQueriesResult{}, fmt.Errorf("plan queries for chapter %d: %w", in.Task.Number, err)
	}
	ometrics.RecordGeneration(a.provider, "plan", "success", comp.TokensUsed)

	var plan queryPlan
	if err := llm.DecodeStructured(comp.Text, queryPlanSchema, &plan); err != nil {
		return PlanChapterQueriesResult{}, NewPlanningFailure("query plan is not valid", err)
	}

	queries := normalizeQueries(plan.Queries, maxQueries)
	if len(queries) == 0 {
		return PlanChapterQueriesResult{}, NewPlanningFailure(fmt.Sprintf("no queries planned for chapter %d", in.Task.Number), nil)
	}

	logger.Info("Planned chapter queries",
		"job_id", in.JobID,
		"chapter", in.Task.Number,
		"round", in.Round,
		"queries", len(queries),
	)
	return PlanChapterQueriesResult{Queries: queries, Reasoning: plan.Reasoning, TokensUsed: comp.TokensUsed}, nil
}

// normalizeQueries trims, drops blanks and case-insensitive repeats, and caps
// the list.
func normalizeQueries(raw []string, limit int) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, q := range raw {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		k := strings.ToLower(q)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}

func buildPlanPrompt(in PlanChapterQueriesInput, maxQueries int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document task: %s\n\n", in.TaskPrompt)
	fmt.Fprintf(&b, "Chapter %d: %s\n", in.Task.Number, in.Task.Title)
	if in.Task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Task.Description)
	}
	if len(in.Task.KeyPoints) > 0 {
		fmt.Fprintf(&b, "Key points: %s\n", strings.Join(in.Task.KeyPoints, "; "))
	}
	b.WriteString("\n")
	b.WriteString(formatPrior(in.Prior))

	if in.Round > 1 && len(in.PreviousQueries) > 0 {
		fmt.Fprintf(&b, "\nResearch round %d. The previous queries found only %d usable sources:\n", in.Round, in.SourceCount)
		for _, q := range in.PreviousQueries {
			fmt.Fprintf(&b, "- %s\n", q)
		}
		b.WriteString("Propose different, more specific queries that cover what is still missing.\n")
	}

	fmt.Fprintf(&b, "\nReturn at most %d search queries as JSON: {\"queries\": [\"...\"], \"reasoning\": \"...\"}", maxQueries)
	return b.String()
}
