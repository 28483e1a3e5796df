package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/circuitbreaker"
	"github.com/Kocoro-lab/longform/internal/interceptors"
	"github.com/Kocoro-lab/longform/internal/tracing"
)

// ServiceConfig configures the LLM service client.
type ServiceConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Attempts   uint
	RetryDelay time.Duration
}

// ServiceClient calls the LLM service /agent/query endpoint.
type ServiceClient struct {
	cfg   ServiceConfig
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewServiceClient creates a client. Transport errors and 5xx answers are
// retried; 4xx answers are not.
func NewServiceClient(cfg ServiceConfig, logger *zap.Logger) *ServiceClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
	}
	return &ServiceClient{
		cfg:   cfg,
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "agent-query", "llm-service", logger),
		log:   logger,
	}
}

type agentQueryResponse struct {
	Success    bool   `json:"success"`
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
	ModelUsed  string `json:"model_used"`
	Provider   string `json:"provider"`
	Error      string `json:"error,omitempty"`
}

// Generate implements Generator.
func (c *ServiceClient) Generate(ctx context.Context, prompt string, params GenerateParams) (Completion, error) {
	agentID := params.AgentID
	if agentID == "" {
		agentID = "longform"
	}
	tier := params.ModelTier
	if tier == "" {
		tier = "medium"
	}
	reqBody := map[string]interface{}{
		"query":       prompt,
		"max_tokens":  params.MaxTokens,
		"temperature": params.Temperature,
		"agent_id":    agentID,
		"model_tier":  tier,
		"context": map[string]interface{}{
			"system_prompt": params.SystemPrompt,
		},
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/agent/query"

	var out Completion
	err = retry.Do(
		func() error {
			res, err := c.call(ctx, url, agentID, buf)
			if err != nil {
				return err
			}
			out = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("LLM service call failed, retrying", zap.Uint("attempt", n+1), zap.String("agent_id", agentID), zap.Error(err))
		}),
	)
	return out, err
}

func (c *ServiceClient) call(ctx context.Context, url, agentID string, body []byte) (Completion, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Completion{}, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", agentID)
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("LLM service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Completion{}, fmt.Errorf("HTTP %d from LLM service", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Completion{}, retry.Unrecoverable(fmt.Errorf("HTTP %d from LLM service: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var r agentQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Completion{}, fmt.Errorf("failed to parse LLM response: %w", err)
	}
	if !r.Success {
		return Completion{}, retry.Unrecoverable(fmt.Errorf("LLM service reported failure: %s", r.Error))
	}
	if strings.TrimSpace(r.Response) == "" {
		return Completion{}, retry.Unrecoverable(ErrEmptyCompletion)
	}
	return Completion{Text: r.Response, TokensUsed: r.TokensUsed, Model: r.ModelUsed, Provider: r.Provider}, nil
}
