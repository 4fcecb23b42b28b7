// Package metrics exposes turn and capability counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/medivision/control-plane/internal/tools"
)

const namespace = "radiology"

const (
	OutcomeCompleted = "completed"
	OutcomeGreeting  = "greeting"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	turns               *prometheus.CounterVec
	turnDuration        prometheus.Histogram
	activeTurns         prometheus.Gauge
	queuedTurns         prometheus.Gauge
	invocations         *prometheus.CounterVec
	invocationDuration  *prometheus.HistogramVec
	persistenceFailures *prometheus.CounterVec
	rateLimited         prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished chat turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a chat turn from start to terminal event.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		}),
		activeTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Turns currently executing.",
		}),
		queuedTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_turns",
			Help:      "Turns waiting for their thread or a concurrency slot.",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_invocations_total",
			Help:      "Capability calls by capability and status.",
		}, []string{"capability", "status"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_duration_seconds",
			Help:      "Capability call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"capability"}),
		persistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Store writes that failed after retry.",
		}, []string{"operation"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Chat submissions rejected by the per-owner limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.turns,
			m.turnDuration,
			m.activeTurns,
			m.queuedTurns,
			m.invocations,
			m.invocationDuration,
			m.persistenceFailures,
			m.rateLimited,
		)
	}
	return m
}

// ObserveInvocation records a finished capability call. It is shaped to be
// passed to tools.WithObserver.
func (m *Metrics) ObserveInvocation(inv tools.Invocation) {
	if m == nil {
		return
	}
	name := inv.Capability
	if name == "" {
		name = "unknown"
	}
	m.invocations.WithLabelValues(name, inv.Status).Inc()
	m.invocationDuration.WithLabelValues(name).Observe(inv.Duration.Seconds())
}

func (m *Metrics) TurnQueued() {
	if m == nil {
		return
	}
	m.queuedTurns.Inc()
}

// TurnStarted moves a turn from queued to active.
func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.queuedTurns.Dec()
	m.activeTurns.Inc()
}

// TurnAbandoned drops a queued turn that never started.
func (m *Metrics) TurnAbandoned() {
	if m == nil {
		return
	}
	m.queuedTurns.Dec()
}

func (m *Metrics) TurnFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeTurns.Dec()
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) PersistenceFailed(operation string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
