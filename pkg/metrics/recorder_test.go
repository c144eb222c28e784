package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounters(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.IncDelivered("worker:alpha")
	rec.IncDelivered("worker:alpha")
	rec.IncNack("worker:alpha", "transient")
	rec.IncDeadLettered("worker:alpha")
	rec.IncStateChange("narrative", "CLOSED", "OPEN")

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.deliveredOK.WithLabelValues("worker:alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.nacksTotal.WithLabelValues("worker:alpha", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.deadLettered.WithLabelValues("worker:alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.stateChanges.WithLabelValues("narrative", "CLOSED", "OPEN")))
}

func TestRecorderGauges(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.SetQueueLength("worker:alpha", 7)
	rec.SetLastBackoff("worker:alpha", 0.4)
	rec.SetResourceUsage("memory", 81.5)

	assert.Equal(t, 7.0, testutil.ToFloat64(rec.queueLength.WithLabelValues("worker:alpha")))
	assert.Equal(t, 0.4, testutil.ToFloat64(rec.lastBackoff.WithLabelValues("worker:alpha")))
	assert.Equal(t, 81.5, testutil.ToFloat64(rec.resourceUsage.WithLabelValues("memory")))
}

func TestTwoRecordersOnSeparateRegistries(t *testing.T) {
	// Per-registry factories keep test registries independent.
	a := NewRecorder(prometheus.NewRegistry())
	b := NewRecorder(prometheus.NewRegistry())

	a.IncDelivered("worker")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.deliveredOK.WithLabelValues("worker")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.deliveredOK.WithLabelValues("worker")))
}
