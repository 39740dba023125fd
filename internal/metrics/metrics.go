// Package metrics exposes workflow counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "copypilot"

// Outcome label values.
const (
	OutcomeOK           = "ok"
	OutcomeFailed       = "failed"
	OutcomeSkipped      = "skipped"
	OutcomeInsufficient = "insufficient"
	OutcomeUnavailable  = "unavailable"
	OutcomeMaxReached   = "max_reached"
	OutcomeDiscarded    = "discarded"
)

// Metrics holds the instruments of one process. All methods are safe to
// call on a nil receiver.
type Metrics struct {
	registry         *prometheus.Registry
	transitions      *prometheus.CounterVec
	analyses         *prometheus.CounterVec
	analysisDuration prometheus.Histogram
	refinements      *prometheus.CounterVec
	consumes         *prometheus.CounterVec
	telemetry        *prometheus.CounterVec
	sessions         prometheus.Gauge
}

// New creates the instruments on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Workflow state transitions by source and target state.",
		}, []string{"from", "to"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Submitted analyses by outcome.",
		}, []string{"outcome"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Duration of remote analysis calls.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		refinements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refinements_total",
			Help:      "Refinement passes by outcome.",
		}, []string{"outcome"}),
		consumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_consume_total",
			Help:      "Post-delivery credit consumption by outcome.",
		}, []string{"outcome"}),
		telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_events_total",
			Help:      "Telemetry events by outcome.",
		}, []string{"outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Currently mounted workflow sessions.",
		}),
	}
	registry.MustRegister(
		m.transitions, m.analyses, m.analysisDuration, m.refinements,
		m.consumes, m.telemetry, m.sessions,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Transition counts a workflow state change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Analysis counts an analysis by outcome and observes its duration when known.
func (m *Metrics) Analysis(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.analysisDuration.Observe(d.Seconds())
	}
}

// Refinement counts a refinement pass by outcome.
func (m *Metrics) Refinement(outcome string) {
	if m == nil {
		return
	}
	m.refinements.WithLabelValues(outcome).Inc()
}

// Consume counts a credit consumption attempt by outcome.
func (m *Metrics) Consume(outcome string) {
	if m == nil {
		return
	}
	m.consumes.WithLabelValues(outcome).Inc()
}

// Telemetry counts a telemetry notification by outcome.
func (m *Metrics) Telemetry(outcome string) {
	if m == nil {
		return
	}
	m.telemetry.WithLabelValues(outcome).Inc()
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
