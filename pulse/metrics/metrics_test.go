package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsed/pulse/job"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetArmed(3)
		m.ObserveFire(true, time.Second)
		m.Transition(job.StatusExecuted)
		m.SetLeader(true)
	})
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetArmed(4)
	m.ObserveFire(true, 10*time.Millisecond)
	m.ObserveFire(false, 20*time.Millisecond)
	m.ObserveFire(false, 30*time.Millisecond)
	m.Transition(job.StatusRunning)
	m.SetLeader(true)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.TimersArmed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobFires.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobFires.WithLabelValues(OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues(string(job.StatusRunning))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Transitions.WithLabelValues(string(job.StatusError))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Leader))

	m.SetLeader(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Leader))
}

func TestSeriesExistBeforeFirstEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	expected := `
# HELP pulsed_job_fires_total Job executions by outcome.
# TYPE pulsed_job_fires_total counter
pulsed_job_fires_total{outcome="failure"} 0
pulsed_job_fires_total{outcome="success"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pulsed_job_fires_total"))

	count, err := testutil.GatherAndCount(reg, "pulsed_job_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, len(job.AllStatuses), count)
}
