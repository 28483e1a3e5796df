package fusion

import (
	"context"
	"fmt"

	"github.com/Kocoro-lab/longform/internal/metadata"
)

// Backend is a retrieval source. vector is nil for lexical retrieval.
type Backend interface {
	Name() string
	Retrieve(ctx context.Context, query string, topK int, vector []float32) ([]metadata.Source, error)
}

// VectorBackend is a Backend that can use a query embedding.
type VectorBackend interface {
	Backend
	SupportsVectors() bool
}

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker scores a candidate set. Implementations return the same sources
// with Score populated; ordering is applied by the engine.
type Reranker interface {
	Rerank(ctx context.Context, query string, sources []metadata.Source) ([]metadata.Source, error)
}

// BackendError records a failed or timed-out backend call.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func isVector(b Backend) bool {
	vb, ok := b.(VectorBackend)
	return ok && vb.SupportsVectors()
}
