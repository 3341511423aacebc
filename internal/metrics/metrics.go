// Package metrics holds the scheduler's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unclebandit/outreach-scheduler/internal/model"
)

type Metrics struct {
	Transitions      *prometheus.CounterVec
	Claimed          prometheus.Counter
	FollowUpsCreated prometheus.Counter
	TickDuration     prometheus.Histogram
	GatewaySend      *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_messages_transitions_total",
			Help: "Scheduled message status transitions, by target status.",
		}, []string{"to"}),
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_claimed_total",
			Help: "Rows claimed by dispatch ticks.",
		}),
		FollowUpsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_followups_created_total",
			Help: "Follow-up rows inserted after a successful send.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Wall time of one dispatch tick.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		GatewaySend: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_gateway_send_duration_seconds",
			Help:    "Send gateway call latency, by result kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Transitions, m.Claimed, m.FollowUpsCreated, m.TickDuration, m.GatewaySend)
	}
	return m
}

// Transition counts a row moving to status to.
func (m *Metrics) Transition(to model.Status) {
	m.Transitions.WithLabelValues(string(to)).Inc()
}
