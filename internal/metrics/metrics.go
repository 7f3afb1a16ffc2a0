// Package metrics provides Prometheus metrics for chainfs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation bus
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfs_operations_total",
			Help: "Total number of completed bus operations",
		},
		[]string{"kind", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainfs_operation_duration_seconds",
			Help:    "Time an operation spent running on the bus",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	operationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainfs_operation_queue_depth",
			Help: "Operations waiting on the bus, summed over all sessions",
		},
	)

	observerPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainfs_observer_panics_total",
			Help: "Panics recovered inside bus observers",
		},
	)

	// Directory cache
	dirCacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfs_dircache_requests_total",
			Help: "Directory listing requests by cache result",
		},
		[]string{"result"},
	)

	dirCachePurgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfs_dircache_purges_total",
			Help: "Directory cache purges by scope",
		},
		[]string{"scope"},
	)

	dirCacheStaleDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainfs_dircache_stale_drops_total",
			Help: "Listings discarded because a purge happened while they were in flight",
		},
	)

	// Backend calls
	backendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainfs_backend_call_duration_seconds",
			Help:    "Backend call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"},
	)

	backendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfs_backend_calls_total",
			Help: "Total backend calls",
		},
		[]string{"call", "status"},
	)

	// Gateway HTTP
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainfs_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainfs_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfs_sse_events_total",
			Help: "Total change events published",
		},
		[]string{"type"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainfs_db_query_duration_seconds",
			Help:    "Ledger query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainfs_db_connections_open",
			Help: "Number of open ledger database connections",
		},
	)

	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainfs_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfs_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordOperation records a finished bus operation.
func RecordOperation(kind string, duration time.Duration, success bool) {
	operationsTotal.WithLabelValues(kind, status(success)).Inc()
	operationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// AddQueueDepth moves the queue depth gauge by delta.
func AddQueueDepth(delta int) {
	operationQueueDepth.Add(float64(delta))
}

// RecordObserverPanic counts a recovered observer panic.
func RecordObserverPanic() {
	observerPanicsTotal.Inc()
}

// RecordCacheLookup records a directory cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	dirCacheRequestsTotal.WithLabelValues(result).Inc()
}

// RecordCachePurge records a purge; scope is "directory" or "global".
func RecordCachePurge(scope string) {
	dirCachePurgesTotal.WithLabelValues(scope).Inc()
}

// RecordStaleDrop records a listing that lost the race against a purge.
func RecordStaleDrop() {
	dirCacheStaleDropsTotal.Inc()
}

// RecordBackendCall records one backend call.
func RecordBackendCall(call string, duration time.Duration, success bool) {
	backendCallDuration.WithLabelValues(call).Observe(duration.Seconds())
	backendCallsTotal.WithLabelValues(call, status(success)).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records a change event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDBQuery records a ledger query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open ledger connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are not used as labels; storage paths are unbounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
