// Package metrics provides Prometheus metrics for kb-engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageProcessedTotal counts pipeline stage outcomes per document message.
	StageProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbengine",
			Name:      "stage_processed_total",
			Help:      "Total number of pipeline stage messages processed",
		},
		[]string{"stage", "status"},
	)

	// StageDuration measures per-message stage processing duration.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kbengine",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stage processing in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// DocumentsUploadedTotal counts accepted uploads by content type.
	DocumentsUploadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbengine",
			Name:      "documents_uploaded_total",
			Help:      "Total number of accepted document uploads",
		},
		[]string{"content_type"},
	)

	// EmbeddingBatchesTotal counts embedding provider calls.
	EmbeddingBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbengine",
			Name:      "embedding_batches_total",
			Help:      "Total number of embedding provider batch calls",
		},
		[]string{"status"},
	)

	// EmbeddingBatchSize observes chunks per embedding provider call.
	EmbeddingBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kbengine",
			Name:      "embedding_batch_size",
			Help:      "Distribution of chunks per embedding batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	// IndexWritesTotal counts chunk index writes per store.
	IndexWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbengine",
			Name:      "index_writes_total",
			Help:      "Total number of chunk index write operations",
		},
		[]string{"store", "status"},
	)

	// RetrievalTotal counts retrieve calls by outcome.
	RetrievalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbengine",
			Name:      "retrieval_total",
			Help:      "Total number of retrieval requests",
		},
		[]string{"status"},
	)

	// RetrievalDuration measures end-to-end retrieve latency.
	RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kbengine",
			Name:      "retrieval_duration_seconds",
			Help:      "Duration of retrieval requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RetrievalCacheTotal counts retrieval cache lookups.
	RetrievalCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbengine",
			Name:      "retrieval_cache_total",
			Help:      "Total number of retrieval cache lookups",
		},
		[]string{"result"},
	)
)

// RecordStage records one processed stage message.
func RecordStage(stage, status string, seconds float64) {
	StageProcessedTotal.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordUpload records one accepted upload.
func RecordUpload(contentType string) {
	DocumentsUploadedTotal.WithLabelValues(contentType).Inc()
}

// RecordEmbeddingBatch records one embedding provider call.
func RecordEmbeddingBatch(status string, size int) {
	EmbeddingBatchesTotal.WithLabelValues(status).Inc()
	EmbeddingBatchSize.Observe(float64(size))
}

// RecordIndexWrite records one chunk index write.
func RecordIndexWrite(store, status string) {
	IndexWritesTotal.WithLabelValues(store, status).Inc()
}

// RecordRetrieval records one retrieve call.
func RecordRetrieval(status string, seconds float64) {
	RetrievalTotal.WithLabelValues(status).Inc()
	RetrievalDuration.Observe(seconds)
}

// RecordCacheLookup records a retrieval cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	RetrievalCacheTotal.WithLabelValues(result).Inc()
}
