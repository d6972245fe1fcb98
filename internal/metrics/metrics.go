// Package metrics provides Prometheus metrics for the stream daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	SessionTransitions *prometheus.CounterVec
	RestartsTotal      *prometheus.CounterVec
	OrphansPurged      prometheus.Counter
	TriggerFirings     *prometheus.CounterVec
	SweepsTotal        *prometheus.CounterVec
	SweepDuration      *prometheus.HistogramVec
	ArmedTriggers      prometheus.Gauge
	ActiveSessions     prometheus.Gauge
	ErrorsTotal        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamhib_session_transitions_total",
				Help: "Session state transitions by target status, origin and result.",
			},
			[]string{"to", "origin", "result"},
		),
		RestartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamhib_restarts_total",
				Help: "Restart attempts made by the health reconciler, by result.",
			},
			[]string{"result"},
		),
		OrphansPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "streamhib_orphans_purged_total",
				Help: "Orphaned supervisor units stopped and removed.",
			},
		),
		TriggerFirings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamhib_trigger_firings_total",
				Help: "Schedule trigger firings by kind.",
			},
			[]string{"kind"},
		),
		SweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamhib_sweeps_total",
				Help: "Periodic sweeps by sweep name and outcome (ran, skipped).",
			},
			[]string{"sweep", "outcome"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamhib_sweep_duration_seconds",
				Help:    "Sweep duration by sweep name.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sweep"},
		),
		ArmedTriggers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "streamhib_armed_triggers",
				Help: "Number of armed schedule triggers.",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "streamhib_active_sessions",
				Help: "Number of active sessions seen by the last reconciliation.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamhib_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.SessionTransitions)
	reg.MustRegister(m.RestartsTotal)
	reg.MustRegister(m.OrphansPurged)
	reg.MustRegister(m.TriggerFirings)
	reg.MustRegister(m.SweepsTotal)
	reg.MustRegister(m.SweepDuration)
	reg.MustRegister(m.ArmedTriggers)
	reg.MustRegister(m.ActiveSessions)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition counts a session transition. A nil receiver is a no-op so
// components can run without metrics.
func (m *Metrics) RecordTransition(to, origin, result string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(to, origin, result).Inc()
}

// RecordRestart counts a restart attempt.
func (m *Metrics) RecordRestart(result string) {
	if m == nil {
		return
	}
	m.RestartsTotal.WithLabelValues(result).Inc()
}

// RecordOrphanPurged counts a purged orphan unit.
func (m *Metrics) RecordOrphanPurged() {
	if m == nil {
		return
	}
	m.OrphansPurged.Inc()
}

// RecordTrigger counts a trigger firing.
func (m *Metrics) RecordTrigger(kind string) {
	if m == nil {
		return
	}
	m.TriggerFirings.WithLabelValues(kind).Inc()
}

// RecordSweep counts a sweep run or skip and observes its duration.
func (m *Metrics) RecordSweep(sweep, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues(sweep, outcome).Inc()
	if outcome == "ran" {
		m.SweepDuration.WithLabelValues(sweep).Observe(seconds)
	}
}

// SetArmedTriggers sets the armed trigger gauge.
func (m *Metrics) SetArmedTriggers(n int) {
	if m == nil {
		return
	}
	m.ArmedTriggers.Set(float64(n))
}

// SetActiveSessions sets the active session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
