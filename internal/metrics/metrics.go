// Package metrics exposes Prometheus metrics for the patina service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters, gauges and histograms for sessions,
// runs and engine commands.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	sessionsCreated  prometheus.Counter
	activeSessions   prometheus.Gauge
	runsStarted      prometheus.Counter
	runsFinished     *prometheus.CounterVec
	runDuration      prometheus.Histogram
	commandsTotal    *prometheus.CounterVec
	commandDuration  prometheus.Histogram
	cleanupFailures  prometheus.Counter
	rateLimitedTotal prometheus.Counter
}

// New creates and registers the service metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patina_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patina_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patina_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patina_active_sessions",
			Help: "Number of sessions currently held in memory",
		}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patina_runs_started_total",
			Help: "Total number of patina runs started",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patina_runs_finished_total",
			Help: "Total number of patina runs finished, by result",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patina_run_duration_seconds",
			Help:    "Wall-clock duration of patina runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patina_engine_commands_total",
			Help: "Total number of engine commands executed, by result",
		}, []string{"result"}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patina_engine_command_duration_seconds",
			Help:    "Duration of individual engine commands",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patina_cleanup_failures_total",
			Help: "Total number of intermediate or temp file deletions that failed",
		}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patina_http_rate_limited_total",
			Help: "Total number of HTTP requests rejected by the rate limiter",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsCreated,
		m.activeSessions,
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.commandsTotal,
		m.commandDuration,
		m.cleanupFailures,
		m.rateLimitedTotal,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncRateLimited increments the rate-limited request counter.
func (m *Metrics) IncRateLimited() {
	m.rateLimitedTotal.Inc()
}

// SessionCreated increments the sessions counter.
func (m *Metrics) SessionCreated() {
	m.sessionsCreated.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// RunStarted records the start of a run.
func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
}

// RunFinished records the outcome and duration of a run.
func (m *Metrics) RunFinished(success bool, elapsed time.Duration) {
	m.runsFinished.WithLabelValues(result(success)).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

// CommandExecuted records one engine command.
func (m *Metrics) CommandExecuted(elapsed time.Duration, err error) {
	m.commandsTotal.WithLabelValues(result(err == nil)).Inc()
	m.commandDuration.Observe(elapsed.Seconds())
}

// CleanupFailed increments the cleanup failure counter.
func (m *Metrics) CleanupFailed() {
	m.cleanupFailures.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
