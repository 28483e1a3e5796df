package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/Kocoro-lab/longform/internal/metadata"
)

// ResearchQueryInput is one search query of a research round.
type ResearchQueryInput struct {
	JobID   string `json:"job_id"`
	Chapter int    `json:"chapter"`
	Query   string `json:"query"`
	TopK    int    `json:"top_k"`
}

// ResearchQueryResult carries the fused sources. Their ids are not
// meaningful; the chapter assigns local ids.
type ResearchQueryResult struct {
	Query   string            `json:"query"`
	Sources []metadata.Source `json:"sources"`
}

// ResearchQuery runs the query through every configured backend. Backend
// failures never fail the activity.
func (a *Activities) ResearchQuery(ctx context.Context, in ResearchQueryInput) (ResearchQueryResult, error) {
	logger := activity.GetLogger(ctx)
	if a.engine == nil || len(a.backends) == 0 {
		logger.Warn("No retrieval backends configured", "job_id", in.JobID, "query", in.Query)
		return ResearchQueryResult{Query: in.Query}, nil
	}

	sources := a.engine.Fuse(ctx, in.Query, a.backends, in.TopK)
	logger.Info("Research query completed",
		"job_id", in.JobID,
		"chapter", in.Chapter,
		"query", in.Query,
		"sources", len(sources),
	)
	return ResearchQueryResult{Query: in.Query, Sources: sources}, nil
}
