// Package metrics provides Prometheus metrics for the objstore server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objstore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Provider metrics
	providerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objstore_provider_operation_duration_seconds",
			Help:    "Object storage provider operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform", "operation"},
	)

	providerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_provider_operations_total",
			Help: "Total object storage provider operations",
		},
		[]string{"platform", "operation", "status"},
	)

	providersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objstore_providers_active",
			Help: "Number of live provider adapters",
		},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_cache_lookups_total",
			Help: "Metadata cache lookups",
		},
		[]string{"cache", "result"},
	)

	// Multipart metrics
	multipartTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_multipart_uploads_total",
			Help: "Multipart upload session outcomes",
		},
		[]string{"platform", "outcome"},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_bytes_uploaded_total",
			Help: "Bytes written to providers",
		},
		[]string{"platform"},
	)

	replayBuffers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_replay_buffers_total",
			Help: "Upload bodies buffered for replay",
		},
		[]string{"kind"},
	)

	// Copy engine metrics
	copyObjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_copy_objects_total",
			Help: "Objects copied by the copy engine",
		},
		[]string{"mode"},
	)

	lockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "objstore_lock_wait_seconds",
			Help:    "Time spent waiting for a per-object lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objstore_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objstore_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_sse_events_total",
			Help: "Total change events published",
		},
		[]string{"type"},
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

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordProviderOperation records one call into a provider driver.
func RecordProviderOperation(platform, operation string, duration time.Duration, success bool) {
	providerOperationDuration.WithLabelValues(platform, operation).Observe(duration.Seconds())
	providerOperationsTotal.WithLabelValues(platform, operation, status(success)).Inc()
}

// ProviderOpened and ProviderClosed track live adapters.
func ProviderOpened() { providersActive.Inc() }

func ProviderClosed() { providersActive.Dec() }

// RecordCacheLookup records a metadata cache hit or miss.
func RecordCacheLookup(cache string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordMultipart records a multipart session outcome: completed, aborted, reaped.
func RecordMultipart(platform, outcome string) {
	multipartTotal.WithLabelValues(platform, outcome).Inc()
}

// RecordBytesUploaded adds to the uploaded byte counter.
func RecordBytesUploaded(platform string, n int64) {
	bytesUploaded.WithLabelValues(platform).Add(float64(n))
}

// RecordReplayBuffer records how a non-seekable body was buffered: memory or file.
func RecordReplayBuffer(kind string) {
	replayBuffers.WithLabelValues(kind).Inc()
}

// RecordCopyObject records an object copied by the engine: native or stream.
func RecordCopyObject(mode string) {
	copyObjectsTotal.WithLabelValues(mode).Inc()
}

// RecordLockWait records time spent acquiring a per-object lock.
func RecordLockWait(d time.Duration) {
	lockWaitDuration.Observe(d.Seconds())
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records a change event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
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
// route maps a request to a low-cardinality label; nil uses the URL path.
func Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			label := r.URL.Path
			if route != nil {
				label = route(r)
			}
			RecordHTTPRequest(r.Method, label, rw.statusCode, time.Since(start))
		})
	}
}
