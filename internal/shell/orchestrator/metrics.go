package orchestrator

import (
	"time"

	"github.com/artpar/dockyard/internal/core/build"
	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's prometheus collectors.
type Metrics struct {
	transitions *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockyard",
			Name:      "transitions_total",
			Help:      "Service state transitions.",
		}, []string{"from", "to"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockyard",
			Name:      "build_decisions_total",
			Help:      "Build planner decisions.",
		}, []string{"decision"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockyard",
			Name:      "service_failures_total",
			Help:      "Per-service pipeline failures by kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dockyard",
			Name:      "pipeline_duration_seconds",
			Help:      "Duration of one service pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"operation"}),
	}
	reg.MustRegister(m.transitions, m.decisions, m.failures, m.duration)
	return m
}

func (m *Metrics) transition(from, to lifecycle.State) {
	if from == "" {
		from = lifecycle.StateUndefined
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) decision(d build.Decision) {
	m.decisions.WithLabelValues(string(d.Action)).Inc()
}

func (m *Metrics) failure(kind string) {
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) observe(op lifecycle.Operation, d time.Duration) {
	m.duration.WithLabelValues(string(op)).Observe(d.Seconds())
}
