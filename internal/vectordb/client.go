package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/circuitbreaker"
	"github.com/Kocoro-lab/longform/internal/interceptors"
	ometrics "github.com/Kocoro-lab/longform/internal/metrics"
	"github.com/Kocoro-lab/longform/internal/tracing"
)

// Client is a minimal Qdrant HTTP client
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewClient builds a client. The breaker is shared by every call to the
// Qdrant instance.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cfg.withDefaults()
	httpClient := &http.Client{
		Timeout:   c.Timeout,
		Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
	}
	return &Client{
		cfg:   c,
		base:  fmt.Sprintf("http://%s:%d", c.Host, c.Port),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", logger),
		log:   logger,
	}
}

// newClientWithBase points the client at an arbitrary base URL.
func newClientWithBase(cfg Config, base string, logger *zap.Logger) *Client {
	c := NewClient(cfg, logger)
	c.base = base
	return c
}

// GetConfig returns the current configuration
func (c *Client) GetConfig() Config { return c.cfg }

// BaseURL is the Qdrant endpoint root.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) post(ctx context.Context, url string, body interface{}) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	return c.httpw.Do(req)
}

// search runs a vector query. It prefers /points/query and falls back to the
// legacy /points/search endpoint on a non-200 answer.
func (c *Client) search(ctx context.Context, vec []float32, limit int, filter map[string]interface{}) ([]qdrantPoint, error) {
	if !c.cfg.Enabled {
		return nil, fmt.Errorf("vectordb: search called while disabled")
	}
	collection := c.cfg.Collection
	start := time.Now()

	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", urlQuery)
	defer span.End()

	var thr *float64
	if c.cfg.Threshold > 0 {
		t := c.cfg.Threshold
		thr = &t
	}
	resp, err := c.post(ctx, urlQuery, qdrantQueryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true, Filter: filter})
	if err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
		if thr != nil {
			legacy["score_threshold"] = *thr
		}
		if filter != nil {
			legacy["filter"] = filter
		}
		resp2, err := c.post(ctx, fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), legacy)
		if err != nil {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant query/search failed: %w", err)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
		}
		var sr qdrantSearchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, err
		}
		ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
		return sr.Result, nil
	}

	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return qr.Result.Points, nil
}

// scrollText retrieves points whose text field matches query, using the
// full-text index instead of a vector.
func (c *Client) scrollText(ctx context.Context, query string, limit int) ([]qdrantPoint, error) {
	if !c.cfg.Enabled {
		return nil, fmt.Errorf("vectordb: scroll called while disabled")
	}
	collection := c.cfg.Collection
	url := fmt.Sprintf("%s/collections/%s/points/scroll", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	body := map[string]interface{}{
		"limit":        limit,
		"with_payload": true,
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": c.cfg.TextField, "match": map[string]interface{}{"text": query}},
			},
		},
	}
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant scroll status %d", resp.StatusCode)
	}
	var r qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return r.Result.Points, nil
}
