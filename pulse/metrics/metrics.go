// Package metrics holds the prometheus collectors pulsed exposes on /metrics.
//
// A nil *Metrics is valid and records nothing, so components take one
// without caring whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/pulsed/pulse/job"
)

const (
	namespace = "pulsed"

	LabelOutcome = "outcome"
	LabelStatus  = "status"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics groups the scheduler, timer and leader collectors
type Metrics struct {
	TimersArmed      prometheus.Gauge
	JobFires         *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	Leader           prometheus.Gauge
	ExecutionSeconds prometheus.Histogram
}

// New creates the collectors and registers them on r. Every label value is
// zeroed so series exist before the first event. A nil r skips registration.
func New(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		TimersArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers_armed",
			Help:      "Number of job timers currently armed on this instance.",
		}),
		JobFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_fires_total",
			Help:      "Job executions by outcome.",
		}, []string{LabelOutcome}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions persisted by the scheduler, by new status.",
		}, []string{LabelStatus}),
		Leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "1 while this instance holds leadership, else 0.",
		}),
		ExecutionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Time spent executing jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}

	for _, o := range []string{OutcomeSuccess, OutcomeFailure} {
		m.JobFires.With(prometheus.Labels{LabelOutcome: o})
	}
	for _, s := range job.AllStatuses {
		m.Transitions.With(prometheus.Labels{LabelStatus: string(s)})
	}

	if r != nil {
		r.MustRegister(m.TimersArmed, m.JobFires, m.Transitions, m.Leader, m.ExecutionSeconds)
	}
	return m
}

// SetArmed records the number of armed timers
func (m *Metrics) SetArmed(n int) {
	if m == nil {
		return
	}
	m.TimersArmed.Set(float64(n))
}

// ObserveFire records one execution
func (m *Metrics) ObserveFire(success bool, took time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	m.JobFires.With(prometheus.Labels{LabelOutcome: outcome}).Inc()
	m.ExecutionSeconds.Observe(took.Seconds())
}

// Transition counts a persisted status change
func (m *Metrics) Transition(s job.Status) {
	if m == nil {
		return
	}
	m.Transitions.With(prometheus.Labels{LabelStatus: string(s)}).Inc()
}

// SetLeader flips the leader gauge
func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.Leader.Set(1)
	} else {
		m.Leader.Set(0)
	}
}
