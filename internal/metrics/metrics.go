// Package metrics exposes Prometheus collectors for watcher activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "watchmin"

// Metrics holds the collectors for one daemon. It owns a private registry so
// several instances (one per test) never collide.
type Metrics struct {
	registry *prometheus.Registry

	states      *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	detections  *prometheus.CounterVec
	repairs     *prometheus.CounterVec
	repairTime  *prometheus.HistogramVec
	restarts    *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		states: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "state",
			Help:      "Current state of each watcher (1 = in this state).",
		}, []string{"watcher", "state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "transitions_total",
			Help:      "State transitions per watcher.",
		}, []string{"watcher", "from", "to"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "detections_total",
			Help:      "Failure signatures detected in watcher output.",
		}, []string{"watcher"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repair",
			Name:      "attempts_total",
			Help:      "Repair attempts by outcome (applied, or the failing stage).",
		}, []string{"watcher", "outcome"}),
		repairTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "repair",
			Name:      "duration_seconds",
			Help:      "Time spent in a repair attempt.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"watcher"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "restarts_total",
			Help:      "Process restarts per watcher.",
		}, []string{"watcher"}),
	}

	m.registry.MustRegister(
		m.states, m.transitions, m.detections, m.repairs, m.repairTime, m.restarts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Transition records a state change and moves the watcher's state gauge.
// An empty from marks the watcher's first state.
func (m *Metrics) Transition(watcher, from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.transitions.WithLabelValues(watcher, from, to).Inc()
		m.states.WithLabelValues(watcher, from).Set(0)
	}
	m.states.WithLabelValues(watcher, to).Set(1)
}

// Detection counts a failure signature.
func (m *Metrics) Detection(watcher string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(watcher).Inc()
}

// Repair records one attempt with its outcome and duration in seconds.
func (m *Metrics) Repair(watcher, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(watcher, outcome).Inc()
	m.repairTime.WithLabelValues(watcher).Observe(seconds)
}

// Restart counts a process restart.
func (m *Metrics) Restart(watcher string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(watcher).Inc()
}

// Forget drops every series for a watcher that has been removed.
func (m *Metrics) Forget(watcher string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"watcher": watcher}
	m.states.DeletePartialMatch(labels)
	m.transitions.DeletePartialMatch(labels)
	m.detections.DeletePartialMatch(labels)
	m.repairs.DeletePartialMatch(labels)
	m.repairTime.DeletePartialMatch(labels)
	m.restarts.DeletePartialMatch(labels)
}
