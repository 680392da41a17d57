// Package metrics exposes Prometheus collectors for the fetchgate service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheLookupsTotal        *prometheus.CounterVec
	cacheWritesTotal         prometheus.Counter
	cacheEvictionsTotal      prometheus.Counter
	fetchAttemptsTotal       *prometheus.CounterVec
	fetchRetriesTotal        *prometheus.CounterVec
	fetchDurationSeconds     *prometheus.HistogramVec
	circuitTransitionsTotal  *prometheus.CounterVec
	deadLettersTotal         *prometheus.CounterVec
	incidentsTotal           *prometheus.CounterVec
	queueDepth               prometheus.Gauge
	queueInflight            prometheus.Gauge
	queueRejectedTotal       prometheus.Counter
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDurationSecs  *prometheus.HistogramVec
	dedupCoalescedTotal      prometheus.Counter
	staleRevalidationsTotal  *prometheus.CounterVec
	rateLimitDelaysSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_cache_lookups_total",
				Help: "Total cache lookups, labeled by result (fresh, stale, miss).",
			},
			[]string{"result"},
		)
		cacheWritesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchgate_cache_writes_total",
				Help: "Total cache writes.",
			},
		)
		cacheEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchgate_cache_evictions_total",
				Help: "Total lazy cache evictions of entries read past their stale bound.",
			},
		)
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_fetch_attempts_total",
				Help: "Total extractor attempts, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)
		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_fetch_retries_total",
				Help: "Total retries scheduled, labeled by source and error category.",
			},
			[]string{"source", "category"},
		)
		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchgate_fetch_duration_seconds",
				Help:    "Histogram of end-to-end pipeline latencies, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)
		circuitTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_circuit_transitions_total",
				Help: "Total circuit breaker state transitions, labeled by source and new state.",
			},
			[]string{"source", "state"},
		)
		deadLettersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_dead_letters_total",
				Help: "Total dead-letter records persisted, labeled by source.",
			},
			[]string{"source"},
		)
		incidentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_incidents_total",
				Help: "Total incidents reported, labeled by level and kind.",
			},
			[]string{"level", "kind"},
		)
		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchgate_queue_depth",
				Help: "Number of admitted tasks waiting for an execution slot.",
			},
		)
		queueInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchgate_queue_inflight",
				Help: "Number of tasks currently executing.",
			},
		)
		queueRejectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchgate_queue_rejected_total",
				Help: "Total enqueue calls rejected because the queue bound was exceeded.",
			},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchgate_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
		dedupCoalescedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchgate_dedup_coalesced_total",
				Help: "Total callers coalesced into an already in-flight execution.",
			},
		)
		staleRevalidationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_stale_revalidations_total",
				Help: "Total background stale revalidations, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchgate_rate_limit_delays_seconds",
				Help:    "Histogram of per-source rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCacheLookup increments the cache lookup counter for a result class.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheWrite increments the cache write counter.
func ObserveCacheWrite() {
	cacheWritesTotal.Inc()
}

// ObserveCacheEviction increments the lazy eviction counter.
func ObserveCacheEviction() {
	cacheEvictionsTotal.Inc()
}

// ObserveAttempt records one extractor attempt.
func ObserveAttempt(source, outcome string) {
	fetchAttemptsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveRetry records one scheduled retry.
func ObserveRetry(source, category string) {
	fetchRetriesTotal.WithLabelValues(source, category).Inc()
}

// ObserveFetchDuration records a completed pipeline run.
func ObserveFetchDuration(source string, d time.Duration) {
	fetchDurationSeconds.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveCircuitTransition records a breaker state change.
func ObserveCircuitTransition(source, state string) {
	circuitTransitionsTotal.WithLabelValues(source, state).Inc()
}

// ObserveDeadLetter records a persisted dead-letter record.
func ObserveDeadLetter(source string) {
	deadLettersTotal.WithLabelValues(source).Inc()
}

// ObserveIncident records a reported incident.
func ObserveIncident(level, kind string) {
	incidentsTotal.WithLabelValues(level, kind).Inc()
}

// SetQueueDepth updates the queued-task gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetQueueInflight updates the executing-task gauge.
func SetQueueInflight(n int) {
	queueInflight.Set(float64(n))
}

// ObserveQueueRejection increments the backpressure rejection counter.
func ObserveQueueRejection() {
	queueRejectedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveDedup increments the coalesced-caller counter.
func ObserveDedup() {
	dedupCoalescedTotal.Inc()
}

// ObserveStaleRevalidation records a background refresh outcome.
func ObserveStaleRevalidation(outcome string) {
	staleRevalidationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}
