// Package metrics defines the Prometheus collectors shared by the lifecycle, dispatcher and scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. A nil *Metrics records nothing.
type Metrics struct {
	transitions       *prometheus.CounterVec
	sweepRuns         *prometheus.CounterVec
	sweepRecords      *prometheus.CounterVec
	sweepDuration     *prometheus.HistogramVec
	notifications     *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	eventQueueDropped prometheus.Counter
	eventQueueDepth   prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procastinot_transitions_total",
				Help: "Total number of challenge status transitions",
			},
			[]string{"from", "to"},
		),
		sweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procastinot_sweep_runs_total",
				Help: "Total number of scheduler sweep runs",
			},
			[]string{"sweep"},
		),
		sweepRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procastinot_sweep_records_total",
				Help: "Records processed by scheduler sweeps by result",
			},
			[]string{"sweep", "result"},
		),
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "procastinot_sweep_duration_seconds",
				Help:    "Duration of scheduler sweeps",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sweep"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procastinot_notifications_total",
				Help: "Notification dispatch attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "procastinot_dispatch_duration_seconds",
				Help:    "Duration of notification dispatches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		eventQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procastinot_event_queue_dropped_total",
			Help: "Lifecycle events dropped because the queue was full",
		}),
		eventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procastinot_event_queue_depth",
			Help: "Lifecycle events waiting for a worker",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.transitions,
			m.sweepRuns,
			m.sweepRecords,
			m.sweepDuration,
			m.notifications,
			m.dispatchDuration,
			m.eventQueueDropped,
			m.eventQueueDepth,
		)
	}
	return m
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SweepRun(sweep string, took time.Duration) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(sweep).Inc()
	m.sweepDuration.WithLabelValues(sweep).Observe(took.Seconds())
}

func (m *Metrics) SweepRecord(sweep, result string) {
	if m == nil {
		return
	}
	m.sweepRecords.WithLabelValues(sweep, result).Inc()
}

func (m *Metrics) Dispatch(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
	m.dispatchDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventQueueDropped.Inc()
}

func (m *Metrics) EventQueueDepth(n int) {
	if m == nil {
		return
	}
	m.eventQueueDepth.Set(float64(n))
}
