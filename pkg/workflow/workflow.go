// Package workflow registers named step sequences and executes them as
// tracked, strictly sequential runs over agent proxies.
//
// The manager performs no retries of its own. Step-level resilience comes
// from whatever the caller composed around the agent proxy, typically a
// circuit breaker via agent.WithBreaker.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcore/pkg/agent"
	"agentcore/pkg/logx"
	"agentcore/pkg/metrics"
	"agentcore/pkg/store"
)

// Status is a run's lifecycle state. COMPLETED, FAILED, and CANCELLED are
// terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ValidationError rejects a registration or execution request before any
// state is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "workflow validation failed: " + e.Reason
}

// Step is one entry in a workflow's agent sequence.
type Step struct {
	Agent string `json:"agent"`
	// Optional per-step payload merged over the request input.
	Params map[string]any `json:"params,omitempty"`
}

// TimeoutConfig bounds step and run durations, in seconds. Zero means
// unbounded.
type TimeoutConfig struct {
	PerStepSeconds float64 `json:"per_step_seconds"`
	TotalSeconds   float64 `json:"total_seconds"`
}

// Definition is an immutable named workflow. Re-registration under the
// same name overwrites. A definition carries an ordered agent sequence,
// an optional parallel step set, or both; at least one must be non-empty.
type Definition struct {
	WorkflowType  string        `json:"workflow_type"`
	AgentSequence []Step        `json:"agent_sequence"`
	ParallelSteps []Step        `json:"parallel_steps,omitempty"`
	Timeouts      TimeoutConfig `json:"timeout_config"`
}

// steps returns the executable step list: the agent sequence when present,
// otherwise the parallel set (executed sequentially in declaration order).
func (d *Definition) steps() []Step {
	if len(d.AgentSequence) > 0 {
		return d.AgentSequence
	}
	return d.ParallelSteps
}

func (d *Definition) validate() error {
	if len(d.AgentSequence) == 0 && len(d.ParallelSteps) == 0 {
		return &ValidationError{Reason: "agent sequence or parallel steps must not be empty"}
	}
	for i, step := range d.AgentSequence {
		if step.Agent == "" {
			return &ValidationError{Reason: fmt.Sprintf("step %d has no agent", i)}
		}
	}
	for i, step := range d.ParallelSteps {
		if step.Agent == "" {
			return &ValidationError{Reason: fmt.Sprintf("parallel step %d has no agent", i)}
		}
	}
	if d.Timeouts.PerStepSeconds < 0 {
		return &ValidationError{Reason: fmt.Sprintf("per_step_seconds must not be negative, got %g", d.Timeouts.PerStepSeconds)}
	}
	if d.Timeouts.TotalSeconds < 0 {
		return &ValidationError{Reason: fmt.Sprintf("total_seconds must not be negative, got %g", d.Timeouts.TotalSeconds)}
	}
	return nil
}

// StepResult records one step invocation, success or failure.
type StepResult struct {
	Agent     string         `json:"agent"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// RunState is the tracked state of one execution. Owned exclusively by
// the manager while non-terminal.
type RunState struct {
	RunID            string         `json:"run_id"`
	WorkflowName     string         `json:"workflow_name"`
	Status           Status         `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	History          []StepResult   `json:"history"`
	Context          map[string]any `json:"context,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Request starts a run. Entrypoint must name the first step's agent; the
// mismatch is rejected before any run is created.
type Request struct {
	Entrypoint string
	Input      map[string]any
}

// Response summarizes a completed run.
type Response struct {
	RunID         string         `json:"run_id"`
	StepsExecuted int            `json:"steps_executed"`
	Duration      time.Duration  `json:"duration"`
	Output        map[string]any `json:"output,omitempty"`
}

// Resolver resolves agent names to proxies. agent.Pool satisfies it.
type Resolver interface {
	Get(name string) (agent.Proxy, bool)
}

// Manager registers definitions and executes runs.
type Manager struct {
	resolver Resolver
	store    store.Store
	recorder *metrics.Recorder
	logger   *logx.Logger

	mu          sync.RWMutex
	definitions map[string]Definition
	runs        map[string]*RunState
}

// NewManager creates a manager. recorder may be nil.
func NewManager(resolver Resolver, st store.Store, recorder *metrics.Recorder) *Manager {
	return &Manager{
		resolver:    resolver,
		store:       st,
		recorder:    recorder,
		logger:      logx.NewLogger("workflow"),
		definitions: make(map[string]Definition),
		runs:        make(map[string]*RunState),
	}
}

// Register validates and stores a definition under name. An invalid
// definition is rejected without storing anything.
func (m *Manager) Register(name string, def Definition) error {
	if name == "" {
		return &ValidationError{Reason: "workflow name must not be empty"}
	}
	if err := def.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.definitions[name] = def
	m.mu.Unlock()
	m.logger.Info("registered workflow %s (%d steps)", name, len(def.steps()))
	return nil
}

// Definitions returns the registered workflow names.
func (m *Manager) Definitions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.definitions))
	for name := range m.definitions {
		names = append(names, name)
	}
	return names
}

// Execute runs the named workflow sequentially. The first step error sets
// the run FAILED and stops execution; later steps never run. The returned
// run ID is empty when the request was rejected before a run existed.
func (m *Manager) Execute(ctx context.Context, name string, req Request) (*Response, string, error) {
	m.mu.RLock()
	def, exists := m.definitions[name]
	m.mu.RUnlock()
	if !exists {
		return nil, "", &ValidationError{Reason: fmt.Sprintf("workflow %s is not registered", name)}
	}
	steps := def.steps()
	if req.Entrypoint != steps[0].Agent {
		return nil, "", &ValidationError{Reason: fmt.Sprintf(
			"entrypoint %q does not match first step agent %q", req.Entrypoint, steps[0].Agent)}
	}

	run := &RunState{
		RunID:        uuid.NewString(),
		WorkflowName: name,
		Status:       StatusRunning,
		StartedAt:    time.Now().UTC(),
		History:      make([]StepResult, 0, len(steps)),
		Context:      req.Input,
		Metadata:     make(map[string]any),
	}
	m.mu.Lock()
	m.runs[run.RunID] = run
	m.mu.Unlock()
	m.persistRun(ctx, run)
	m.logger.Info("run %s started (workflow %s)", run.RunID, name)

	if def.Timeouts.TotalSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, secondsToDuration(def.Timeouts.TotalSeconds))
		defer cancel()
	}

	input := req.Input
	for i, step := range steps {
		output, result, err := m.runStep(ctx, step, def.Timeouts, input)

		m.mu.Lock()
		run.CurrentStepIndex = i
		run.History = append(run.History, result)
		m.mu.Unlock()

		if err != nil {
			m.finishRun(ctx, run, StatusFailed)
			m.logger.Warn("run %s failed at step %d (%s): %v", run.RunID, i, step.Agent, err)
			return nil, run.RunID, fmt.Errorf("step %d (%s) failed: %w", i, step.Agent, err)
		}
		// Each step consumes the previous step's output.
		input = output
		m.persistRun(ctx, run)
	}

	m.finishRun(ctx, run, StatusCompleted)
	resp := &Response{
		RunID:         run.RunID,
		StepsExecuted: len(run.History),
		Duration:      run.EndedAt.Sub(run.StartedAt),
		Output:        input,
	}
	m.logger.Info("run %s completed (%d steps in %s)", run.RunID, resp.StepsExecuted, resp.Duration)
	return resp, run.RunID, nil
}

func (m *Manager) runStep(ctx context.Context, step Step, timeouts TimeoutConfig, input map[string]any) (map[string]any, StepResult, error) {
	result := StepResult{Agent: step.Agent, StartedAt: time.Now().UTC()}

	proxy, ok := m.resolver.Get(step.Agent)
	if !ok {
		result.EndedAt = time.Now().UTC()
		err := fmt.Errorf("agent %s is not available", step.Agent)
		result.Error = err.Error()
		return nil, result, err
	}

	stepCtx := ctx
	if timeouts.PerStepSeconds > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, secondsToDuration(timeouts.PerStepSeconds))
		defer cancel()
	}

	stepInput := input
	if len(step.Params) > 0 {
		stepInput = make(map[string]any, len(input)+len(step.Params))
		for k, v := range input {
			stepInput[k] = v
		}
		for k, v := range step.Params {
			stepInput[k] = v
		}
	}

	output, err := proxy.Process(stepCtx, stepInput)
	result.EndedAt = time.Now().UTC()
	if err != nil {
		result.Error = err.Error()
		return nil, result, err
	}
	result.Output = output
	return output, result, nil
}

func (m *Manager) finishRun(ctx context.Context, run *RunState, status Status) {
	now := time.Now().UTC()
	m.mu.Lock()
	run.Status = status
	run.EndedAt = &now
	m.mu.Unlock()
	m.persistRun(ctx, run)
	if m.recorder != nil {
		m.recorder.IncWorkflowRun(run.WorkflowName, string(status))
	}
}

// GetRunState returns a copy of the run's state, consulting the store for
// runs from earlier process lifetimes.
func (m *Manager) GetRunState(ctx context.Context, runID string) (*RunState, error) {
	m.mu.RLock()
	run, ok := m.runs[runID]
	if ok {
		snapshot := cloneRun(run)
		m.mu.RUnlock()
		return snapshot, nil
	}
	m.mu.RUnlock()

	data, found, err := m.store.Get(ctx, runKey(runID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	var persisted RunState
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &persisted, nil
}

// UpdateRunMetadata merges metadata into the run's existing metadata map.
func (m *Manager) UpdateRunMetadata(ctx context.Context, runID string, metadata map[string]any) error {
	m.mu.Lock()
	run, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("run %s not found", runID)
	}
	if run.Metadata == nil {
		run.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		run.Metadata[k] = v
	}
	m.mu.Unlock()

	m.persistRun(ctx, run)
	return nil
}

func (m *Manager) persistRun(ctx context.Context, run *RunState) {
	m.mu.RLock()
	data, err := json.Marshal(run)
	m.mu.RUnlock()
	if err != nil {
		m.logger.Error("failed to encode run %s: %v", run.RunID, err)
		return
	}
	// Persistence is best-effort; the in-memory state stays authoritative
	// for the run's lifetime.
	if err := m.store.Set(ctx, runKey(run.RunID), data, 0); err != nil {
		m.logger.Error("failed to persist run %s: %v", run.RunID, err)
	}
}

func runKey(runID string) string { return "workflow_run:" + runID }

func cloneRun(run *RunState) *RunState {
	snapshot := *run
	snapshot.History = append([]StepResult(nil), run.History...)
	if run.Metadata != nil {
		snapshot.Metadata = make(map[string]any, len(run.Metadata))
		for k, v := range run.Metadata {
			snapshot.Metadata[k] = v
		}
	}
	return &snapshot
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
