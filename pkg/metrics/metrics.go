// Package metrics defines the Prometheus collectors used across logsearch
// and exposes an HTTP handler for scraping.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/Adithya-Monish-Kumar-K/logsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/resilience"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	DocsIngestedTotal prometheus.Counter
	DocsRejectedTotal *prometheus.CounterVec
	PendingDocs       prometheus.Gauge
	CommittedDocs     prometheus.Gauge
	FlushesTotal      *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	MergesTotal       *prometheus.CounterVec
	MergeDuration     prometheus.Histogram
	LiveSegments      prometheus.Gauge
	Generation        prometheus.Gauge

	SearchQueriesTotal *prometheus.CounterVec
	SearchLatency      *prometheus.HistogramVec
	SearchResultsCount prometheus.Histogram
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter

	EventsConsumedTotal *prometheus.CounterVec
	DeadLettersTotal    prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. A nil reg means
// the global default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		DocsIngestedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "logsearch_docs_ingested_total",
				Help: "Documents accepted into the writer buffer.",
			},
		),
		DocsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsearch_docs_rejected_total",
				Help: "Documents rejected at ingest by reason (validation, encoding).",
			},
			[]string{"reason"},
		),
		PendingDocs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "logsearch_pending_docs",
				Help: "Documents buffered by the writer and not yet visible to search.",
			},
		),
		CommittedDocs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "logsearch_committed_docs",
				Help: "Documents visible in the current snapshot.",
			},
		),
		FlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsearch_flushes_total",
				Help: "Flush operations by status.",
			},
			[]string{"status"},
		),
		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "logsearch_flush_duration_seconds",
				Help:    "Time to freeze, persist and publish one segment.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		MergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsearch_merges_total",
				Help: "Segment merges by status.",
			},
			[]string{"status"},
		),
		MergeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "logsearch_merge_duration_seconds",
				Help:    "Time to merge and swap one run of segments.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
		),
		LiveSegments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "logsearch_live_segments",
				Help: "Segments in the current snapshot.",
			},
		),
		Generation: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "logsearch_snapshot_generation",
				Help: "Generation of the current snapshot.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, syntax_error, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of hits returned per search query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 500, 1000},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of result cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of result cache misses.",
			},
		),
		EventsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsearch_events_consumed_total",
				Help: "Log events read from Kafka by outcome (indexed, rejected, malformed).",
			},
			[]string{"outcome"},
		),
		DeadLettersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "logsearch_dead_letters_total",
				Help: "Rejected events written to the dead-letter table.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.DocsIngestedTotal,
		m.DocsRejectedTotal,
		m.PendingDocs,
		m.CommittedDocs,
		m.FlushesTotal,
		m.FlushDuration,
		m.MergesTotal,
		m.MergeDuration,
		m.LiveSegments,
		m.Generation,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.EventsConsumedTotal,
		m.DeadLettersTotal,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveBreaker records a circuit breaker state change. It matches
// resilience.CircuitBreakerConfig.OnStateChange.
func (m *Metrics) ObserveBreaker(name string, to resilience.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}

// ObserveSearch records one search. cacheStatus is "hit" or "miss"; latency
// and result counts are only recorded for successful searches.
func (m *Metrics) ObserveSearch(cacheStatus string, hits int, elapsed time.Duration, err error) {
	resultType := "hit"
	switch {
	case errors.Is(err, apperrors.ErrQuerySyntax):
		resultType = "syntax_error"
	case err != nil:
		resultType = "error"
	case hits == 0:
		resultType = "zero_result"
	}
	m.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	if err == nil {
		m.SearchLatency.WithLabelValues(cacheStatus).Observe(elapsed.Seconds())
		m.SearchResultsCount.Observe(float64(hits))
	}
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
