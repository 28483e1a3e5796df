package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/circuitbreaker"
)

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	client  *redis.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. Redis backs the
// event mirror and the embedding cache, so it is not critical.
func NewRedisHealthChecker(client *redis.Client, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, logger: logger, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	err := r.client.Ping(ctx).Err()
	latency := time.Since(startTime)
	result := CheckResult{Details: map[string]interface{}{"latency_ms": latency.Milliseconds()}}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		return result
	}
	if latency > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "Redis healthy"
	return result
}

// Pinger is the part of the database client the checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
	Breaker() *circuitbreaker.CircuitBreaker
}

// DatabaseHealthChecker checks PostgreSQL connectivity
type DatabaseHealthChecker struct {
	db      Pinger
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(db Pinger, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return false }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	if cb := d.db.Breaker(); cb != nil && cb.IsOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: "Database circuit breaker is open",
		}
	}
	startTime := time.Now()
	if err := d.db.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "Database ping failed"}
	}
	latency := time.Since(startTime)
	result := CheckResult{Status: StatusHealthy, Message: "Database healthy",
		Details: map[string]interface{}{"latency_ms": latency.Milliseconds()}}
	if latency > 500*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	}
	return result
}

// HTTPHealthChecker issues a GET against a dependency's health endpoint.
// Any 2xx is healthy.
type HTTPHealthChecker struct {
	name     string
	url      string
	critical bool
	client   *http.Client
	timeout  time.Duration
}

// NewHTTPHealthChecker creates a checker for url.
func NewHTTPHealthChecker(name, url string, critical bool) *HTTPHealthChecker {
	return &HTTPHealthChecker{
		name:     name,
		url:      url,
		critical: critical,
		client:   &http.Client{},
		timeout:  5 * time.Second,
	}
}

// NewLLMServiceHealthChecker checks the LLM service, which every chapter needs.
func NewLLMServiceHealthChecker(baseURL string) *HTTPHealthChecker {
	return NewHTTPHealthChecker("llm_service", baseURL+"/health", true)
}

// NewQdrantHealthChecker checks the vector store.
func NewQdrantHealthChecker(baseURL string) *HTTPHealthChecker {
	return NewHTTPHealthChecker("qdrant", baseURL+"/healthz", false)
}

func (h *HTTPHealthChecker) Name() string           { return h.name }
func (h *HTTPHealthChecker) IsCritical() bool       { return h.critical }
func (h *HTTPHealthChecker) Timeout() time.Duration { return h.timeout }

func (h *HTTPHealthChecker) Check(ctx context.Context) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "invalid health URL"}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: fmt.Sprintf("%s unreachable", h.name)}
	}
	defer resp.Body.Close()
	details := map[string]interface{}{"url": h.url, "status_code": resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("%s returned %d", h.name, resp.StatusCode), Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%s healthy", h.name), Details: details}
}
