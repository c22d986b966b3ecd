package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentflow_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commentflow_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	commentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentflow_comments_ingested_total",
			Help: "Comments seen by ingestion source and whether they were new",
		},
		[]string{"source", "result"},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentflow_dispatch_outcomes_total",
			Help: "Dispatch results by outcome (sent, failed, ignored, released)",
		},
		[]string{"outcome", "reason"},
	)

	dispatchCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "commentflow_dispatch_cycle_duration_seconds",
			Help:    "Time to run one dispatch cycle",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	graphCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commentflow_graph_call_duration_seconds",
			Help:    "Graph API call latency by operation and result",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"operation", "result"},
	)

	exhaustedComments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commentflow_comments_exhausted_total",
			Help: "Comments that reached a terminal failure",
		},
	)

	retentionPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commentflow_retention_purged_total",
			Help: "Comment records deleted by retention",
		},
	)

	staleClaimsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commentflow_stale_claims_requeued_total",
			Help: "Processing claims that expired and were requeued",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commentflow_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	configCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentflow_config_cache_lookups_total",
			Help: "Post config cache lookups by result",
		},
		[]string{"result"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "commentflow_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commentflow_rate_limit_rejections_total",
			Help: "API requests rejected by rate limiter",
		},
		[]string{"key"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCommentIngested records one ingested comment.
func RecordCommentIngested(source string, created bool) {
	result := "duplicate"
	if created {
		result = "created"
	}
	commentsIngested.WithLabelValues(source, result).Inc()
}

// RecordDispatch records the outcome of processing one comment.
func RecordDispatch(outcome, reason string) {
	dispatchOutcomes.WithLabelValues(outcome, reason).Inc()
}

// RecordCycle records the duration of a dispatch cycle.
func RecordCycle(d time.Duration) {
	dispatchCycleDuration.Observe(d.Seconds())
}

// RecordGraphCall records a Graph API call.
func RecordGraphCall(operation, result string, d time.Duration) {
	graphCallDuration.WithLabelValues(operation, result).Observe(d.Seconds())
}

// RecordExhausted records a terminal failure.
func RecordExhausted() {
	exhaustedComments.Inc()
}

// RecordPurged records records removed by retention.
func RecordPurged(n int64) {
	retentionPurged.Add(float64(n))
}

// RecordRequeued records expired claims that were requeued.
func RecordRequeued(n int64) {
	staleClaimsRequeued.Add(float64(n))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordCacheLookup records a post config cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		configCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	configCacheLookups.WithLabelValues("miss").Inc()
}

// SetCircuitBreakerState exports a breaker's state.
func SetCircuitBreakerState(name string, state int) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
