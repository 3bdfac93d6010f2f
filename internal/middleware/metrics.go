package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of API requests",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Duration of API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Generation metrics
	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_generation_duration_seconds",
		Help:    "Duration of LLM generation requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "model", "status"})

	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_generations_total",
		Help: "Total number of LLM generation requests",
	}, []string{"provider", "model", "status"})

	// Embedding cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_embedding_cache_hits_total",
		Help: "Total number of embedding cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_embedding_cache_misses_total",
		Help: "Total number of embedding cache misses",
	})

	// Retrieval metrics
	retrievalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_retrievals_total",
		Help: "Total number of document retrievals",
	}, []string{"status"})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	}, []string{"user_id"})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// Active streams gauge
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_streams",
		Help: "Number of in-flight streaming responses",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest records an API request
func (m *Metrics) RecordRequest(endpoint, status string, duration time.Duration) {
	requestsTotal.WithLabelValues(endpoint, status).Inc()
	requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordGeneration records an LLM generation request
func (m *Metrics) RecordGeneration(provider, model, status string, duration time.Duration) {
	generationDuration.WithLabelValues(provider, model, status).Observe(duration.Seconds())
	generationsTotal.WithLabelValues(provider, model, status).Inc()
}

// RecordCacheHit records an embedding cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records an embedding cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordRetrieval records a retrieval attempt
func (m *Metrics) RecordRetrieval(status string) {
	retrievalsTotal.WithLabelValues(status).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded(userID string) {
	rateLimitExceeded.WithLabelValues(userID).Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// StreamStarted increments the active stream gauge
func (m *Metrics) StreamStarted() {
	activeStreams.Inc()
}

// StreamFinished decrements the active stream gauge
func (m *Metrics) StreamFinished() {
	activeStreams.Dec()
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
