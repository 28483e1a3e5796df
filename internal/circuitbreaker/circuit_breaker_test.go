package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test", cfg, zaptest.NewLogger(t))
	cb.now = clock.Now
	cb.resetGeneration(clock.Now())
	return cb, clock
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.SuccessThreshold = 2
	cfg.MaxRequests = 5
	cfg.Timeout = 10 * time.Second
	cfg.Interval = 0

	var transitions []string
	cfg.OnStateChange = func(_ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	cb, clock := newTestBreaker(t, cfg)
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, cb.IsOpen())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)

	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Second
	cb, clock := newTestBreaker(t, cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("x") })
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(ctx, func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerHalfOpenLimitsTrialRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.MaxRequests = 1
	cfg.SuccessThreshold = 5
	cfg.Timeout = time.Second
	cb, clock := newTestBreaker(t, cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("x") })
	clock.Advance(2 * time.Second)

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrTooManyRequests)
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cb, _ := newTestBreaker(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Execute(ctx, func() error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestConfigForReadsEnv(t *testing.T) {
	t.Setenv("CB_HTTP_FAILURE_THRESHOLD", "9")
	t.Setenv("CB_HTTP_TIMEOUT", "3s")
	cfg := ConfigFor(KindHTTP)
	assert.Equal(t, uint32(9), cfg.FailureThreshold)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, uint32(5), cfg.MaxRequests)

	assert.Equal(t, DefaultConfig().FailureThreshold, ConfigFor("unknown").FailureThreshold)
}

func TestHTTPWrapperReturns5xxResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "wrapper-test", "test", zaptest.NewLogger(t))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := hw.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, uint32(1), hw.Breaker().Counts().ConsecutiveFailures)

	_, tracked := GlobalMetricsCollector.Snapshot()["test:wrapper-test"]
	assert.True(t, tracked)
}
