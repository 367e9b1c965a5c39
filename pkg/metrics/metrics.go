// Package metrics defines the Prometheus metric collectors used across the
// platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	EventsIngestedTotal  *prometheus.CounterVec
	EventsRejectedTotal  *prometheus.CounterVec
	EventsPublishedTotal *prometheus.CounterVec
	EventsIndexedTotal   *prometheus.CounterVec
	IndexLookupDuration  *prometheus.HistogramVec
	BloomChecksTotal     *prometheus.CounterVec
	BloomRotationsTotal  prometheus.Counter
	ReconRunsTotal       *prometheus.CounterVec
	ReconRunDuration     prometheus.Histogram
	ReconGroupsTotal     *prometheus.CounterVec
	ConsistencyScore     prometheus.Histogram
	SchedulerJobsTotal   *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
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
		EventsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_ingested_total",
				Help: "Total events accepted by the gateway, by source and event type.",
			},
			[]string{"source", "event_type"},
		),
		EventsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_rejected_total",
				Help: "Total events rejected by the gateway, by reason (validation, duplicate, backend).",
			},
			[]string{"reason"},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Total events published to Kafka, by status (ok, error, skipped).",
			},
			[]string{"status"},
		),
		EventsIndexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_indexed_total",
				Help: "Total events written to the event index, by backend.",
			},
			[]string{"backend"},
		),
		IndexLookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_lookup_duration_seconds",
				Help:    "Event index operation latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"backend", "operation"},
		),
		BloomChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bloom_checks_total",
				Help: "Total windowed bloom filter membership checks, by outcome (maybe, definite_no).",
			},
			[]string{"outcome"},
		),
		BloomRotationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bloom_rotations_total",
				Help: "Total windowed bloom filter rotations.",
			},
		),
		ReconRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_runs_total",
				Help: "Total reconciliation runs, by outcome (completed, failed).",
			},
			[]string{"outcome"},
		),
		ReconRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recon_run_duration_seconds",
				Help:    "Reconciliation run duration in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		),
		ReconGroupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_groups_total",
				Help: "Total reconciled event groups, by resulting status.",
			},
			[]string{"status"},
		),
		ConsistencyScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recon_consistency_score",
				Help:    "Per-group consistency score distribution.",
				Buckets: []float64{0, 0.2, 0.4, 0.6, 0.8, 0.9, 0.95, 1},
			},
		),
		SchedulerJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_jobs_total",
				Help: "Total scheduler job executions, by job and status.",
			},
			[]string{"job", "status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.EventsIngestedTotal,
		m.EventsRejectedTotal,
		m.EventsPublishedTotal,
		m.EventsIndexedTotal,
		m.IndexLookupDuration,
		m.BloomChecksTotal,
		m.BloomRotationsTotal,
		m.ReconRunsTotal,
		m.ReconRunDuration,
		m.ReconGroupsTotal,
		m.ConsistencyScore,
		m.SchedulerJobsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
