// Package metrics provides Prometheus-based metrics recording and querying
// for the coordination core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the core's counters and gauges to an external scraping
// pipeline. One Recorder is constructed at process start and injected into
// each component; there is no package-level registration side effect
// beyond the registry handed in.
type Recorder struct {
	deliveredOK       *prometheus.CounterVec
	queueFull         *prometheus.CounterVec
	nacksTotal        *prometheus.CounterVec
	retriesScheduled  *prometheus.CounterVec
	deadLettered      *prometheus.CounterVec
	recoveredLeases   *prometheus.CounterVec
	queueLength       *prometheus.GaugeVec
	lastBackoff       *prometheus.GaugeVec
	rejectedCalls     *prometheus.CounterVec
	successfulCalls   *prometheus.CounterVec
	failedCalls       *prometheus.CounterVec
	stateChanges      *prometheus.CounterVec
	resourceUsage     *prometheus.GaugeVec
	exhaustionEvents  *prometheus.CounterVec
	workflowRunsTotal *prometheus.CounterVec
}

// NewRecorder creates a Recorder registered on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		deliveredOK: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_delivered_ok_total",
				Help: "Messages acked after successful processing",
			},
			[]string{"recipient"},
		),
		queueFull: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_queue_full_total",
				Help: "Sends rejected by backpressure",
			},
			[]string{"recipient"},
		),
		nacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_nacks_total",
				Help: "Negative acknowledgements by failure kind",
			},
			[]string{"recipient", "kind"},
		),
		retriesScheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_retries_scheduled_total",
				Help: "Messages rescheduled with backoff after a transient nack",
			},
			[]string{"recipient"},
		),
		deadLettered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_dead_lettered_total",
				Help: "Messages moved to the dead-letter list",
			},
			[]string{"recipient"},
		),
		recoveredLeases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_recovered_leases_total",
				Help: "Expired leases made visible again by recovery scans",
			},
			[]string{"recipient"},
		),
		queueLength: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_queue_length",
				Help: "Current queue length per recipient (ready + delayed + leased)",
			},
			[]string{"recipient"},
		),
		lastBackoff: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_last_backoff_seconds",
				Help: "Most recent retry delay applied per recipient",
			},
			[]string{"recipient"},
		),
		rejectedCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_rejected_calls_total",
				Help: "Calls rejected by an open or saturated half-open circuit",
			},
			[]string{"circuit"},
		),
		successfulCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_successful_calls_total",
				Help: "Calls admitted and completed successfully",
			},
			[]string{"circuit"},
		),
		failedCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_failed_calls_total",
				Help: "Calls admitted but failed",
			},
			[]string{"circuit"},
		),
		stateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_state_changes_total",
				Help: "Circuit state transitions",
			},
			[]string{"circuit", "from", "to"},
		),
		resourceUsage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resource_usage_percent",
				Help: "Current resource usage percentage",
			},
			[]string{"resource"},
		),
		exhaustionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resource_exhaustion_events_total",
				Help: "Resource pressure events by resource and severity",
			},
			[]string{"resource", "severity"},
		),
		workflowRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_runs_total",
				Help: "Workflow runs by terminal status",
			},
			[]string{"workflow", "status"},
		),
	}
}

// IncDelivered records a terminal ack for recipient.
func (r *Recorder) IncDelivered(recipient string) {
	r.deliveredOK.WithLabelValues(recipient).Inc()
}

// IncQueueFull records a backpressure rejection for recipient.
func (r *Recorder) IncQueueFull(recipient string) {
	r.queueFull.WithLabelValues(recipient).Inc()
}

// IncNack records a nack with its failure kind ("transient"/"permanent").
func (r *Recorder) IncNack(recipient, kind string) {
	r.nacksTotal.WithLabelValues(recipient, kind).Inc()
}

// IncRetryScheduled records a backoff reschedule.
func (r *Recorder) IncRetryScheduled(recipient string) {
	r.retriesScheduled.WithLabelValues(recipient).Inc()
}

// IncDeadLettered records a message moved to the DLQ.
func (r *Recorder) IncDeadLettered(recipient string) {
	r.deadLettered.WithLabelValues(recipient).Inc()
}

// AddRecoveredLeases records leases recovered for recipient.
func (r *Recorder) AddRecoveredLeases(recipient string, n int) {
	r.recoveredLeases.WithLabelValues(recipient).Add(float64(n))
}

// SetQueueLength updates the queue-length gauge for recipient.
func (r *Recorder) SetQueueLength(recipient string, n int) {
	r.queueLength.WithLabelValues(recipient).Set(float64(n))
}

// SetLastBackoff updates the last-applied backoff gauge for recipient.
func (r *Recorder) SetLastBackoff(recipient string, seconds float64) {
	r.lastBackoff.WithLabelValues(recipient).Set(seconds)
}

// IncRejectedCall records a circuit rejection (not a call failure).
func (r *Recorder) IncRejectedCall(circuit string) {
	r.rejectedCalls.WithLabelValues(circuit).Inc()
}

// IncSuccessfulCall records an admitted call that succeeded.
func (r *Recorder) IncSuccessfulCall(circuit string) {
	r.successfulCalls.WithLabelValues(circuit).Inc()
}

// IncFailedCall records an admitted call that failed.
func (r *Recorder) IncFailedCall(circuit string) {
	r.failedCalls.WithLabelValues(circuit).Inc()
}

// IncStateChange records a circuit transition.
func (r *Recorder) IncStateChange(circuit, from, to string) {
	r.stateChanges.WithLabelValues(circuit, from, to).Inc()
}

// SetResourceUsage updates the usage gauge for a resource.
func (r *Recorder) SetResourceUsage(resource string, percent float64) {
	r.resourceUsage.WithLabelValues(resource).Set(percent)
}

// IncExhaustionEvent records a resource pressure event.
func (r *Recorder) IncExhaustionEvent(resource, severity string) {
	r.exhaustionEvents.WithLabelValues(resource, severity).Inc()
}

// IncWorkflowRun records a workflow run reaching a terminal status.
func (r *Recorder) IncWorkflowRun(workflow, status string) {
	r.workflowRunsTotal.WithLabelValues(workflow, status).Inc()
}
