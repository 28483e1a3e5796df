package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/circuitbreaker"
	"github.com/Kocoro-lab/longform/internal/interceptors"
	"github.com/Kocoro-lab/longform/internal/metadata"
	"github.com/Kocoro-lab/longform/internal/tracing"
)

// WebConfig configures the web search backend.
type WebConfig struct {
	// BaseURL of the LLM service exposing /tools/execute
	BaseURL    string
	Tool       string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// WebBackend runs the web_search tool and returns webpage sources.
type WebBackend struct {
	cfg     WebConfig
	httpw   *circuitbreaker.HTTPWrapper
	limiter *RateLimiter
	log     *zap.Logger
}

// NewWebBackend creates the backend.
func NewWebBackend(cfg WebConfig, logger *zap.Logger) *WebBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Tool == "" {
		cfg.Tool = "web_search"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Burst == 0 {
		cfg.Burst = 5
	}
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
	}
	return &WebBackend{
		cfg:     cfg,
		httpw:   circuitbreaker.NewHTTPWrapper(httpClient, "web-search", "llm-service", logger),
		limiter: NewRateLimiter(cfg.RatePerSec, cfg.Burst),
		log:     logger,
	}
}

func (b *WebBackend) Name() string { return "web" }

type toolRequest struct {
	ToolName   string                 `json:"tool_name"`
	Parameters map[string]interface{} `json:"parameters"`
}

type toolResponse struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output"`
	Error   string          `json:"error,omitempty"`
}

type webResult struct {
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Content string   `json:"content"`
	Snippet string   `json:"snippet"`
	Text    string   `json:"text"`
	Score   *float64 `json:"score"`
}

// Retrieve ignores vector; web search is lexical only.
func (b *WebBackend) Retrieve(ctx context.Context, query string, topK int, _ []float32) ([]metadata.Source, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := map[string]interface{}{"query": query}
	if topK > 0 {
		params["max_results"] = topK
	}
	buf, _ := json.Marshal(toolRequest{ToolName: b.cfg.Tool, Parameters: params})

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/tools/execute"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := b.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		b.limiter.Backoff(time.Duration(secs) * time.Second)
		return nil, fmt.Errorf("web search rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("web search status %d: %s", resp.StatusCode, string(body))
	}

	var tr toolResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode web search response: %w", err)
	}
	if !tr.Success {
		return nil, fmt.Errorf("web search failed: %s", tr.Error)
	}
	results, err := decodeWebResults(tr.Output)
	if err != nil {
		return nil, err
	}

	out := make([]metadata.Source, 0, len(results))
	for _, r := range results {
		content := firstNonBlank(r.Content, r.Snippet, r.Text)
		if content == "" || r.URL == "" {
			continue
		}
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = untitled(r.URL)
		}
		out = append(out, metadata.Source{
			Type:    metadata.SourceTypeWebpage,
			Title:   title,
			URL:     metadata.StringPtr(r.URL),
			Content: content,
			Score:   r.Score,
		})
	}
	return out, nil
}

// decodeWebResults accepts {"results": [...]} or a bare array.
func decodeWebResults(raw json.RawMessage) ([]webResult, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var wrapped struct {
		Results []webResult `json:"results"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Results, nil
	}
	var bare []webResult
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, fmt.Errorf("unexpected web search output: %w", err)
	}
	return bare, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// untitled names a result without a title after its site, e.g. "example.com".
func untitled(rawURL string) string {
	if domain, err := metadata.ExtractDomain(rawURL); err == nil {
		return domain
	}
	return rawURL
}
