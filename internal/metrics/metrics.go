package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Document metrics
	DocumentsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "longform_documents_started_total",
			Help: "Total number of document runs started",
		},
	)

	DocumentsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longform_documents_completed_total",
			Help: "Total number of document runs completed",
		},
		[]string{"status"},
	)

	DocumentReferences = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "longform_document_references",
			Help:    "Bibliography size per completed document",
			Buckets: []float64{0, 5, 10, 25, 50, 100, 250},
		},
	)

	// Chapter metrics
	ChaptersCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longform_chapters_completed_total",
			Help: "Chapters finished, by outcome",
		},
		[]string{"status", "failure_kind"},
	)

	ChapterResearchRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "longform_chapter_research_rounds",
			Help:    "Research rounds used per chapter",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	ResearchRoundsAdvanced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "longform_research_rounds_advanced_total",
			Help: "Loop-backs from the supervisory gate into another research round",
		},
	)

	UnresolvedCitations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "longform_unresolved_citations_total",
			Help: "Citation markers that referenced no retrieved source",
		},
	)

	// Fusion metrics
	FusionBackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longform_fusion_backend_requests_total",
			Help: "Retrieval backend calls made during fusion",
		},
		[]string{"backend", "mode", "status"},
	)

	FusionBackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "longform_fusion_backend_duration_seconds",
			Help:    "Retrieval backend latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	FusionResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "longform_fusion_results",
			Help:    "Sources returned per fused query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	FusionDuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "longform_fusion_duplicates_dropped_total",
			Help: "Sources removed by deduplication",
		},
	)

	FusionRerankFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "longform_fusion_rerank_failures_total",
			Help: "Rerank calls that failed and fell back to fused order",
		},
	)

	FusionTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "longform_fusion_truncations_total",
			Help: "Source contents shortened by the truncation policy",
		},
	)

	// Generation metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longform_generation_requests_total",
			Help: "Text generation calls",
		},
		[]string{"provider", "purpose", "status"},
	)

	GenerationTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longform_generation_tokens_total",
			Help: "Tokens consumed by text generation",
		},
		[]string{"provider"},
	)

	// Vector search metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longform_vector_search_total",
			Help: "Qdrant queries",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "longform_vector_search_latency_seconds",
			Help:    "Qdrant query latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longform_embedding_requests_total",
			Help: "Embedding lookups by outcome",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "longform_embedding_latency_seconds",
			Help:    "Embedding request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Event metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "longform_events_emitted_total",
			Help: "Progress events emitted",
		},
		[]string{"type"},
	)
)

// RecordChapterOutcome records the end state of one chapter.
func RecordChapterOutcome(status, failureKind string, rounds int) {
	ChaptersCompleted.WithLabelValues(status, failureKind).Inc()
	if rounds > 0 {
		ChapterResearchRounds.Observe(float64(rounds))
	}
}

// RecordBackendCall records one retrieval backend call made by fusion.
func RecordBackendCall(backend, mode, status string, durationSeconds float64) {
	FusionBackendRequests.WithLabelValues(backend, mode, status).Inc()
	FusionBackendDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordGeneration records a text generation call.
func RecordGeneration(provider, purpose, status string, tokens int) {
	GenerationRequests.WithLabelValues(provider, purpose, status).Inc()
	if tokens > 0 {
		GenerationTokens.WithLabelValues(provider).Add(float64(tokens))
	}
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
