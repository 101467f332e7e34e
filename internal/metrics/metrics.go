// Package metrics provides Prometheus metrics for the change pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	SessionTurns     prometheus.Histogram
	ToolCallsTotal   *prometheus.CounterVec
	RollbacksTotal   *prometheus.CounterVec
	SuggestionsTotal *prometheus.CounterVec
	Requests         *prometheus.GaugeVec
	ErrorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incept_requests_total",
				Help: "Requests that reached a terminal status, by status and failure kind.",
			},
			[]string{"status", "kind"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "incept_request_duration_seconds",
				Help:    "Wall-clock time from claim to terminal status.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"status"},
		),
		SessionTurns: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "incept_session_turns",
				Help:    "Model turns used per agent session.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 40, 50, 75, 100},
			},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incept_tool_calls_total",
				Help: "Sandbox tool invocations by tool and result.",
			},
			[]string{"tool", "result"},
		),
		RollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incept_rollbacks_total",
				Help: "Rollback attempts by result.",
			},
			[]string{"result"},
		),
		SuggestionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incept_suggestions_total",
				Help: "Generated suggestions by policy decision.",
			},
			[]string{"decision"},
		),
		Requests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "incept_requests",
				Help: "Current number of requests per status.",
			},
			[]string{"status"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incept_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.SessionTurns)
	reg.MustRegister(m.ToolCallsTotal)
	reg.MustRegister(m.RollbacksTotal)
	reg.MustRegister(m.SuggestionsTotal)
	reg.MustRegister(m.Requests)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest counts a terminal request and observes its duration.
func (m *Metrics) RecordRequest(status, kind string, seconds float64) {
	m.RequestsTotal.WithLabelValues(status, kind).Inc()
	m.RequestDuration.WithLabelValues(status).Observe(seconds)
}

// ObserveTurns records how many model turns a session used.
func (m *Metrics) ObserveTurns(turns int) {
	m.SessionTurns.Observe(float64(turns))
}

// RecordToolCall counts one sandbox tool call.
func (m *Metrics) RecordToolCall(tool string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, result).Inc()
}

// RecordRollback counts a rollback attempt: reverted, noop, conflict or error.
func (m *Metrics) RecordRollback(result string) {
	m.RollbacksTotal.WithLabelValues(result).Inc()
}

// RecordSuggestion counts a generated suggestion by decision.
func (m *Metrics) RecordSuggestion(decision string) {
	m.SuggestionsTotal.WithLabelValues(decision).Inc()
}

// SetRequests publishes current per-status request counts.
func (m *Metrics) SetRequests(counts map[string]int) {
	m.Requests.Reset()
	for status, n := range counts {
		m.Requests.WithLabelValues(status).Set(float64(n))
	}
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
