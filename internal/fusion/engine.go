package fusion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/metadata"
	ometrics "github.com/Kocoro-lab/longform/internal/metrics"
	"github.com/Kocoro-lab/longform/internal/tracing"
)

// Settings are the hot-reloadable knobs of the engine.
type Settings struct {
	BackendTimeout     time.Duration
	DataTruncateLength int
	TruncationMarker   string
}

// DefaultSettings mirrors the document.* config defaults.
func DefaultSettings() Settings {
	return Settings{
		BackendTimeout:     20 * time.Second,
		DataTruncateLength: 12000,
		TruncationMarker:   DefaultTruncationMarker,
	}
}

// Engine merges results from several retrieval backends.
type Engine struct {
	mu       sync.RWMutex
	settings Settings

	embedder Embedder
	reranker Reranker
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmbedder enables vector retrieval on vector-capable backends.
func WithEmbedder(e Embedder) Option {
	return func(en *Engine) { en.embedder = e }
}

// WithReranker enables reranking of the deduplicated candidate set.
func WithReranker(r Reranker) Option {
	return func(en *Engine) { en.reranker = r }
}

// NewEngine creates an engine. A nil logger is replaced with a no-op logger.
func NewEngine(settings Settings, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{logger: logger}
	e.UpdateSettings(settings)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settings returns the current settings.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// UpdateSettings swaps settings for subsequent Fuse calls.
func (e *Engine) UpdateSettings(s Settings) {
	if s.TruncationMarker == "" {
		s.TruncationMarker = DefaultTruncationMarker
	}
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
}

// Fuse queries every backend concurrently and returns the merged, deduplicated,
// optionally reranked and truncated result. Backend failures degrade to empty
// contributions; Fuse itself never fails.
func (e *Engine) Fuse(ctx context.Context, query string, backends []Backend, topK int) []metadata.Source {
	start := time.Now()
	settings := e.Settings()

	ctx, span := tracing.StartSpan(ctx, "fusion.Fuse",
		attribute.String("fusion.query", query),
		attribute.Int("fusion.backends", len(backends)),
		attribute.Int("fusion.top_k", topK),
	)
	defer span.End()

	vector := e.embedQuery(ctx, query, backends, settings.BackendTimeout)
	perBackend := e.fanOut(ctx, query, backends, topK, vector, settings.BackendTimeout)

	merged, dropped := dedupe(perBackend)
	if dropped > 0 {
		ometrics.FusionDuplicatesDropped.Add(float64(dropped))
	}

	merged = e.rerank(ctx, query, merged, settings.BackendTimeout)

	if topK > 0 && len(merged) > topK {
		merged = merged[:topK]
	}

	out, cut := Truncate(merged, settings.DataTruncateLength, settings.TruncationMarker)
	if cut > 0 {
		ometrics.FusionTruncations.Add(float64(cut))
	}

	ometrics.FusionResults.Observe(float64(len(out)))
	span.SetAttributes(attribute.Int("fusion.results", len(out)))
	e.logger.Debug("Fusion complete",
		zap.String("query", query),
		zap.Int("results", len(out)),
		zap.Int("duplicates", dropped),
		zap.Int("truncated", cut),
		zap.Duration("duration", time.Since(start)),
	)
	return out
}

// embedQuery embeds the query for vector backends under the backend deadline.
// Any failure leaves the vector nil so those backends run lexically.
func (e *Engine) embedQuery(ctx context.Context, query string, backends []Backend, timeout time.Duration) []float32 {
	if e.embedder == nil {
		return nil
	}
	needed := false
	for _, b := range backends {
		if isVector(b) {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan embedResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- embedResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		vec, err := e.embedder.Embed(ctx, query)
		done <- embedResult{vec: vec, err: err}
	}()
	var vec []float32
	var err error
	select {
	case r := <-done:
		vec, err = r.vec, r.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil || len(vec) == 0 {
		e.logger.Warn("Query embedding failed, vector backends fall back to lexical", zap.Error(err))
		return nil
	}
	return vec
}

type embedResult struct {
	vec []float32
	err error
}

type backendResult struct {
	sources []metadata.Source
	err     error
}

func (e *Engine) fanOut(ctx context.Context, query string, backends []Backend, topK int, vector []float32, timeout time.Duration) [][]metadata.Source {
	results := make([][]metadata.Source, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			var vec []float32
			mode := "lexical"
			if vector != nil && isVector(b) {
				vec = vector
				mode = "vector"
			}
			callStart := time.Now()
			sources, err := e.call(ctx, b, query, topK, vec, timeout)
			elapsed := time.Since(callStart).Seconds()
			if err != nil {
				status := "error"
				if errors.Is(err, context.DeadlineExceeded) {
					status = "timeout"
				}
				ometrics.RecordBackendCall(b.Name(), mode, status, elapsed)
				e.logger.Warn("Backend failure",
					zap.String("backend", b.Name()),
					zap.String("mode", mode),
					zap.Error(&BackendError{Backend: b.Name(), Err: err}),
				)
				return
			}
			ometrics.RecordBackendCall(b.Name(), mode, "ok", elapsed)
			results[i] = sources
		}(i, b)
	}
	wg.Wait()
	return results
}

// call runs one backend under its own deadline. A backend that ignores its
// context is abandoned once the deadline passes.
func (e *Engine) call(ctx context.Context, b Backend, query string, topK int, vector []float32, timeout time.Duration) ([]metadata.Source, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan backendResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- backendResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		sources, err := b.Retrieve(ctx, query, topK, vector)
		done <- backendResult{sources: sources, err: err}
	}()
	select {
	case r := <-done:
		return r.sources, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dedupe concatenates in backend order and keeps the first occurrence of each
// (title, url) pair. Invalid sources are skipped.
func dedupe(perBackend [][]metadata.Source) ([]metadata.Source, int) {
	seen := make(map[metadata.DedupKey]struct{})
	var out []metadata.Source
	dropped := 0
	for _, sources := range perBackend {
		for _, s := range sources {
			if s.Validate() != nil {
				continue
			}
			k := s.Key()
			if _, dup := seen[k]; dup {
				dropped++
				continue
			}
			seen[k] = struct{}{}
			out = append(out, s)
		}
	}
	return out, dropped
}

func (e *Engine) rerank(ctx context.Context, query string, sources []metadata.Source, timeout time.Duration) []metadata.Source {
	if e.reranker == nil || len(sources) < 2 {
		return sources
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	scored, err := e.reranker.Rerank(ctx, query, sources)
	if err == nil {
		err = sameSources(sources, scored)
	}
	if err != nil {
		ometrics.FusionRerankFailures.Inc()
		e.logger.Warn("Rerank failed, keeping fan-in order", zap.Error(err))
		return sources
	}
	// ties keep fan-in order whatever order the reranker answered in
	pos := make(map[metadata.DedupKey]int, len(sources))
	for i, s := range sources {
		pos[s.Key()] = i
	}
	out := make([]metadata.Source, len(scored))
	copy(out, scored)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := score(out[i]), score(out[j])
		if si != sj {
			return si > sj
		}
		return pos[out[i].Key()] < pos[out[j].Key()]
	})
	return out
}

// sameSources reports an error unless scored holds exactly the sources of in,
// compared by dedup key.
func sameSources(in, scored []metadata.Source) error {
	if len(scored) != len(in) {
		return fmt.Errorf("reranker returned %d of %d sources", len(scored), len(in))
	}
	remaining := make(map[metadata.DedupKey]int, len(in))
	for _, s := range in {
		remaining[s.Key()]++
	}
	for _, s := range scored {
		k := s.Key()
		if remaining[k] == 0 {
			return fmt.Errorf("reranker returned unknown source %q", s.Title)
		}
		remaining[k]--
	}
	return nil
}

func score(s metadata.Source) float64 {
	if s.Score == nil {
		return math.Inf(-1)
	}
	return *s.Score
}
