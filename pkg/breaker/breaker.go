// Package breaker provides a per-named-operation circuit breaker with
// durable state. Records are persisted through the store on every
// transition so a restarted process does not forget an OPEN circuit.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"agentcore/pkg/logx"
	"agentcore/pkg/metrics"
	"agentcore/pkg/store"
)

// State represents the state of a circuit breaker.
type State int

// Circuit breaker states for managing failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Testing if the operation recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ParseState parses a persisted state string.
func ParseState(s string) (State, error) {
	switch s {
	case "CLOSED":
		return Closed, nil
	case "OPEN":
		return Open, nil
	case "HALF_OPEN":
		return HalfOpen, nil
	default:
		return Closed, fmt.Errorf("unknown circuit state: %s", s)
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Failures before opening
	SuccessThreshold int           `json:"success_threshold"` // Half-open successes to close
	Timeout          time.Duration `json:"timeout"`           // OPEN cool-down before half-open probe
	// RecoveryTimeout is the cool-down for force-opened circuits. Zero
	// falls back to Timeout.
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
	StateTTL         time.Duration `json:"state_ttl"`   // Persisted record retention
	MetricsTTL       time.Duration `json:"metrics_ttl"` // Persisted metrics retention (longer)
}

// DefaultConfig provides reasonable defaults.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          30 * time.Second,
	RecoveryTimeout:  60 * time.Second,
	HalfOpenMaxCalls: 3,
	StateTTL:         24 * time.Hour,
	MetricsTTL:       7 * 24 * time.Hour,
}

// RejectedError signals that a call was not admitted. It is distinct from
// an operation failure: the downstream operation was never invoked and the
// caller should back off rather than treat the target as broken.
type RejectedError struct {
	Circuit string
	State   State
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("circuit %s is %s: call rejected", e.Circuit, e.State)
}

// record is the persisted circuit state.
type record struct {
	Name              string    `json:"name"`
	State             string    `json:"state"`
	FailureCount      int       `json:"failure_count"`
	HalfOpenCalls     int       `json:"half_open_calls"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	// ForcedOpen marks an OPEN entered via ForceOpen; it holds for the
	// recovery timeout instead of the ordinary cool-down.
	ForcedOpen     bool      `json:"forced_open,omitempty"`
	StateChangedAt time.Time `json:"state_changed_at"`
}

// Metrics are monotonic counters persisted alongside the record, with a
// longer retention than the state itself.
type Metrics struct {
	TotalCalls      int64     `json:"total_calls"`
	SuccessfulCalls int64     `json:"successful_calls"`
	FailedCalls     int64     `json:"failed_calls"`
	RejectedCalls   int64     `json:"rejected_calls"`
	StateChanges    int64     `json:"state_changes"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
}

// Breaker wraps a single named operation with the CLOSED/OPEN/HALF_OPEN
// state machine. The local record is a read-through cache; the store is
// the source of truth and is rewritten on every change.
type Breaker struct {
	name           string
	config         Config
	store          store.Store
	recorder       *metrics.Recorder
	logger         *logx.Logger
	workflowScoped bool

	mu          sync.Mutex
	initialized bool
	state       State
	rec         record
	metrics     Metrics
}

// Option customizes a breaker at construction.
type Option func(*Breaker)

// WithWorkflowScope tags the breaker as workflow-scoped so the resource
// detector can force it open under sustained exhaustion.
func WithWorkflowScope() Option {
	return func(b *Breaker) { b.workflowScoped = true }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec *metrics.Recorder) Option {
	return func(b *Breaker) { b.recorder = rec }
}

// New creates a breaker for the named operation. Call Initialize before
// first use to load any persisted state.
func New(name string, config Config, st store.Store, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		config: config,
		store:  st,
		logger: logx.NewLogger("breaker"),
		state:  Closed,
		rec: record{
			Name:           name,
			State:          Closed.String(),
			StateChangedAt: time.Now().UTC(),
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the circuit name.
func (b *Breaker) Name() string {
	return b.name
}

// WorkflowScoped reports whether the breaker is tagged workflow-scoped.
func (b *Breaker) WorkflowScoped() bool {
	return b.workflowScoped
}

func (b *Breaker) stateKey() string   { return "circuit:" + b.name }
func (b *Breaker) metricsKey() string { return "circuit_metrics:" + b.name }

// Initialize loads the persisted record and metrics. An absent record
// defaults to CLOSED with zeroed counters. Safe to call more than once.
func (b *Breaker) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	data, ok, err := b.store.Get(ctx, b.stateKey())
	if err != nil {
		return fmt.Errorf("failed to load circuit %s: %w", b.name, err)
	}
	if ok {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode circuit %s record: %w", b.name, err)
		}
		state, err := ParseState(rec.State)
		if err != nil {
			return fmt.Errorf("circuit %s: %w", b.name, err)
		}
		b.rec = rec
		b.state = state
		// In-flight half-open calls from a previous process cannot be
		// outstanding anymore.
		b.rec.HalfOpenCalls = 0
		b.logger.Info("circuit %s restored: state=%s failures=%d", b.name, b.state, b.rec.FailureCount)
	}

	data, ok, err = b.store.Get(ctx, b.metricsKey())
	if err != nil {
		return fmt.Errorf("failed to load circuit %s metrics: %w", b.name, err)
	}
	if ok {
		if err := json.Unmarshal(data, &b.metrics); err != nil {
			return fmt.Errorf("failed to decode circuit %s metrics: %w", b.name, err)
		}
	}

	b.initialized = true
	return nil
}

// Operation is a unit of work guarded by the breaker.
type Operation func(ctx context.Context) error

// Call runs op under the breaker's admission control. It returns a
// *RejectedError without invoking op when the circuit does not admit the
// call; otherwise it returns op's error after bookkeeping.
func (b *Breaker) Call(ctx context.Context, op Operation) error {
	halfOpenAdmit, err := b.allow(ctx)
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.recordResult(ctx, opErr == nil, halfOpenAdmit)
	return opErr
}

// allow performs admission, transitioning OPEN to HALF_OPEN when the
// cool-down has elapsed. The bool reports whether the call was admitted
// under the half-open quota (and must release it on completion).
func (b *Breaker) allow(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil

	case Open:
		if time.Since(b.rec.StateChangedAt) >= b.cooldownLocked() {
			b.transitionLocked(ctx, HalfOpen)
			b.rec.HalfOpenCalls = 1
			b.persistLocked(ctx)
			return true, nil
		}
		b.rejectLocked(ctx)
		return false, &RejectedError{Circuit: b.name, State: Open}

	case HalfOpen:
		if b.rec.HalfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.rejectLocked(ctx)
			return false, &RejectedError{Circuit: b.name, State: HalfOpen}
		}
		b.rec.HalfOpenCalls++
		b.persistLocked(ctx)
		return true, nil

	default:
		return false, &RejectedError{Circuit: b.name, State: b.state}
	}
}

// cooldownLocked returns the OPEN hold time: the recovery timeout for a
// force-opened circuit, the ordinary timeout otherwise.
func (b *Breaker) cooldownLocked() time.Duration {
	if b.rec.ForcedOpen && b.config.RecoveryTimeout > 0 {
		return b.config.RecoveryTimeout
	}
	return b.config.Timeout
}

// recordResult records the outcome of an admitted call.
func (b *Breaker) recordResult(ctx context.Context, success, halfOpenAdmit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if halfOpenAdmit && b.rec.HalfOpenCalls > 0 {
		b.rec.HalfOpenCalls--
	}

	b.metrics.TotalCalls++
	now := time.Now().UTC()
	if success {
		b.metrics.SuccessfulCalls++
		b.metrics.LastSuccessTime = now
		if b.recorder != nil {
			b.recorder.IncSuccessfulCall(b.name)
		}
		b.onSuccessLocked(ctx)
	} else {
		b.metrics.FailedCalls++
		b.metrics.LastFailureTime = now
		if b.recorder != nil {
			b.recorder.IncFailedCall(b.name)
		}
		b.onFailureLocked(ctx)
	}
	b.persistLocked(ctx)
}

func (b *Breaker) onSuccessLocked(ctx context.Context) {
	switch b.state {
	case Closed:
		b.rec.FailureCount = 0

	case HalfOpen:
		b.rec.HalfOpenSuccesses++
		if b.rec.HalfOpenSuccesses >= b.config.SuccessThreshold {
			b.transitionLocked(ctx, Closed)
			b.rec.FailureCount = 0
		}
	}
}

func (b *Breaker) onFailureLocked(ctx context.Context) {
	switch b.state {
	case Closed:
		b.rec.FailureCount++
		if b.rec.FailureCount >= b.config.FailureThreshold {
			b.transitionLocked(ctx, Open)
			b.logger.Warn("circuit %s opened after %d failures", b.name, b.rec.FailureCount)
		}

	case HalfOpen:
		// Any failure in half-open immediately reopens the circuit.
		b.transitionLocked(ctx, Open)
		b.logger.Warn("circuit %s reopened from HALF_OPEN", b.name)
	}
}

// transitionLocked moves to the new state and resets half-open counters.
func (b *Breaker) transitionLocked(_ context.Context, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.rec.State = to.String()
	b.rec.StateChangedAt = time.Now().UTC()
	b.rec.HalfOpenCalls = 0
	b.rec.HalfOpenSuccesses = 0
	b.rec.ForcedOpen = false
	b.metrics.StateChanges++
	if b.recorder != nil {
		b.recorder.IncStateChange(b.name, from.String(), to.String())
	}
	b.logger.Info("circuit %s: %s -> %s", b.name, from, to)
}

func (b *Breaker) rejectLocked(ctx context.Context) {
	b.metrics.RejectedCalls++
	if b.recorder != nil {
		b.recorder.IncRejectedCall(b.name)
	}
	b.persistMetricsLocked(ctx)
}

// persistLocked writes record and metrics back to the store. Persistence
// failures are logged, not surfaced: the in-memory machine stays correct
// and the next successful write converges the store.
func (b *Breaker) persistLocked(ctx context.Context) {
	data, err := json.Marshal(&b.rec)
	if err != nil {
		b.logger.Error("failed to encode circuit %s record: %v", b.name, err)
		return
	}
	if err := b.store.Set(ctx, b.stateKey(), data, b.config.StateTTL); err != nil {
		b.logger.Error("failed to persist circuit %s record: %v", b.name, err)
	}
	b.persistMetricsLocked(ctx)
}

func (b *Breaker) persistMetricsLocked(ctx context.Context) {
	data, err := json.Marshal(&b.metrics)
	if err != nil {
		b.logger.Error("failed to encode circuit %s metrics: %v", b.name, err)
		return
	}
	if err := b.store.Set(ctx, b.metricsKey(), data, b.config.MetricsTTL); err != nil {
		b.logger.Error("failed to persist circuit %s metrics: %v", b.name, err)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetMetrics returns a copy of the circuit's metrics.
func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec.FailureCount
}

// Allow is a side-effect-free probe: it reports whether a call would be
// admitted right now without transitioning state or counting a rejection.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return time.Since(b.rec.StateChangedAt) >= b.cooldownLocked()
	case HalfOpen:
		return b.rec.HalfOpenCalls < b.config.HalfOpenMaxCalls
	default:
		return false
	}
}

// Reset forces the circuit CLOSED with zeroed counters and persists it.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionLocked(ctx, Closed)
	b.rec.FailureCount = 0
	b.persistLocked(ctx)
}

// ForceOpen forces the circuit OPEN. Used by the resource exhaustion
// detector to shed load on sustained pressure.
func (b *Breaker) ForceOpen(ctx context.Context, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		b.transitionLocked(ctx, Open)
		b.logger.Warn("circuit %s forced open: %s", b.name, reason)
	} else {
		// Restart the cool-down window so the forced-open period holds.
		b.rec.StateChangedAt = time.Now().UTC()
	}
	b.rec.ForcedOpen = true
	b.persistLocked(ctx)
}
