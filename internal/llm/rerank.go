package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/circuitbreaker"
	"github.com/Kocoro-lab/longform/internal/interceptors"
	"github.com/Kocoro-lab/longform/internal/metadata"
	"github.com/Kocoro-lab/longform/internal/tracing"
)

// RerankClient scores sources against a query through the LLM service
// /rerank endpoint.
type RerankClient struct {
	baseURL string
	httpw   *circuitbreaker.HTTPWrapper
}

// NewRerankClient creates the client.
func NewRerankClient(baseURL string, timeout time.Duration, logger *zap.Logger) *RerankClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
	}
	return &RerankClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpw:   circuitbreaker.NewHTTPWrapper(httpClient, "rerank", "llm-service", logger),
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// Rerank returns sources in input order with Score set. Every input index
// must be scored exactly once.
func (c *RerankClient) Rerank(ctx context.Context, query string, sources []metadata.Source) ([]metadata.Source, error) {
	docs := make([]string, len(sources))
	for i, s := range sources {
		docs[i] = s.Title + "\n" + s.Content
	}
	buf, _ := json.Marshal(rerankRequest{Query: query, Documents: docs})

	url := c.baseURL + "/rerank"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank status %d", resp.StatusCode)
	}
	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	out := make([]metadata.Source, len(sources))
	copy(out, sources)
	scored := make([]bool, len(sources))
	for _, r := range rr.Results {
		if r.Index < 0 || r.Index >= len(out) || scored[r.Index] {
			return nil, fmt.Errorf("rerank returned invalid index %d", r.Index)
		}
		out[r.Index].Score = metadata.Float64Ptr(r.Score)
		scored[r.Index] = true
	}
	if len(rr.Results) != len(sources) {
		return nil, fmt.Errorf("rerank scored %d of %d sources", len(rr.Results), len(sources))
	}
	return out, nil
}
