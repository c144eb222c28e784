// Package resource classifies system resource pressure against ascending
// thresholds and gates action on sustained breach. When exhaustion holds
// continuously for the configured duration, the detector force-opens
// every workflow-scoped circuit breaker so new workflow work stops
// competing for a starved machine.
package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentcore/pkg/breaker"
	"agentcore/pkg/config"
	"agentcore/pkg/logx"
	"agentcore/pkg/metrics"
)

// Type names a monitored resource.
type Type string

const (
	Memory Type = "memory"
	CPU    Type = "cpu"
	Disk   Type = "disk"
)

// Severity is the highest threshold a sample crossed.
type Severity string

const (
	SeverityNone       Severity = "none"
	SeverityWarning    Severity = "warning"
	SeverityCritical   Severity = "critical"
	SeverityExhaustion Severity = "exhaustion"
)

// Event is one breach observation.
type Event struct {
	Resource          Type          `json:"resource"`
	Severity          Severity      `json:"severity"`
	UsagePercent      float64       `json:"usage_percent"`
	SustainedDuration time.Duration `json:"sustained_duration"`
	At                time.Time     `json:"at"`
}

// Callback receives breach events. Callbacks run synchronously on the
// sampling goroutine; keep them fast.
type Callback func(Event)

// historySize bounds the per-resource rolling sample window.
const historySize = 100

type sample struct {
	At    time.Time
	Value float64
}

// tracker holds one resource's thresholds, rolling history, and breach
// clock.
type tracker struct {
	thresholds  config.Thresholds
	history     []sample
	firstBreach *time.Time
}

// classify returns the highest threshold crossed by value.
func (t *tracker) classify(value float64) Severity {
	switch {
	case value >= t.thresholds.Exhaustion:
		return SeverityExhaustion
	case value >= t.thresholds.Critical:
		return SeverityCritical
	case value >= t.thresholds.Warning:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

// observe records the sample and returns the severity plus how long the
// breach has been continuous (0 on first breach).
func (t *tracker) observe(now time.Time, value float64) (Severity, time.Duration) {
	t.history = append(t.history, sample{At: now, Value: value})
	if len(t.history) > historySize {
		t.history = t.history[len(t.history)-historySize:]
	}

	severity := t.classify(value)
	if severity == SeverityNone {
		t.firstBreach = nil
		return severity, 0
	}
	if t.firstBreach == nil {
		breachedAt := now
		t.firstBreach = &breachedAt
	}
	return severity, now.Sub(*t.firstBreach)
}

// Status is a point-in-time view of one resource for operators.
type Status struct {
	UsagePercent      float64       `json:"usage_percent"`
	Severity          Severity      `json:"severity"`
	SustainedDuration time.Duration `json:"sustained_duration"`
	Samples           int           `json:"samples"`
}

// Detector samples resources periodically and dispatches breach events.
type Detector struct {
	config   config.DetectorConfig
	sampler  Sampler
	registry *breaker.Registry
	recorder *metrics.Recorder
	logger   *logx.Logger

	mu         sync.Mutex
	trackers   map[Type]*tracker
	warningCBs []Callback
	exhaustCBs []Callback
	cancel     context.CancelFunc
	done       chan struct{}
	running    bool
}

// NewDetector validates thresholds and builds a detector. registry and
// recorder may be nil; sampler must not be.
func NewDetector(cfg config.DetectorConfig, sampler Sampler, registry *breaker.Registry, recorder *metrics.Recorder) (*Detector, error) {
	if sampler == nil {
		return nil, fmt.Errorf("sampler is required")
	}
	if err := cfg.Memory.Validate("memory"); err != nil {
		return nil, err
	}
	if err := cfg.CPU.Validate("cpu"); err != nil {
		return nil, err
	}
	if err := cfg.Disk.Validate("disk"); err != nil {
		return nil, err
	}
	if cfg.SustainedDurationSeconds <= 0 {
		return nil, fmt.Errorf("sustained_duration_seconds must be positive, got %g", cfg.SustainedDurationSeconds)
	}
	if cfg.CheckIntervalSeconds <= 0 {
		return nil, fmt.Errorf("check_interval_seconds must be positive, got %g", cfg.CheckIntervalSeconds)
	}

	return &Detector{
		config:   cfg,
		sampler:  sampler,
		registry: registry,
		recorder: recorder,
		logger:   logx.NewLogger("resource-detector"),
		trackers: map[Type]*tracker{
			Memory: {thresholds: cfg.Memory},
			CPU:    {thresholds: cfg.CPU},
			Disk:   {thresholds: cfg.Disk},
		},
	}, nil
}

// RegisterWarningCallback subscribes to warning and critical events.
func (d *Detector) RegisterWarningCallback(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warningCBs = append(d.warningCBs, cb)
}

// RegisterExhaustionCallback subscribes to sustained exhaustion events.
func (d *Detector) RegisterExhaustionCallback(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exhaustCBs = append(d.exhaustCBs, cb)
}

// StartMonitoring launches the periodic sampling loop.
func (d *Detector) StartMonitoring(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.loop(loopCtx)
	d.logger.Info("resource monitoring started (interval %s)", d.config.CheckInterval())
}

// StopMonitoring cancels the loop and waits for it to exit. The loop
// stops at its next sleep boundary.
func (d *Detector) StopMonitoring() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.running = false
	d.mu.Unlock()

	cancel()
	<-done
	d.logger.Info("resource monitoring stopped")
}

func (d *Detector) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.config.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Check(ctx); err != nil {
				d.logger.Error("resource check failed: %v", err)
			}
		}
	}
}

// Check runs one sampling pass over all resources and returns the breach
// events it produced. A single failed sample is logged and skipped; it
// never aborts the pass.
func (d *Detector) Check(ctx context.Context) ([]Event, error) {
	now := time.Now().UTC()
	var events []Event

	for _, resource := range []Type{Memory, CPU, Disk} {
		value, err := d.sampleOne(ctx, resource)
		if err != nil {
			d.logger.Warn("skipping %s sample: %v", resource, err)
			continue
		}
		if d.recorder != nil {
			d.recorder.SetResourceUsage(string(resource), value)
		}

		event, fire := d.observeLocked(resource, now, value)
		if fire {
			events = append(events, event)
			d.dispatch(ctx, event)
		}
	}
	return events, nil
}

func (d *Detector) sampleOne(ctx context.Context, resource Type) (float64, error) {
	switch resource {
	case Memory:
		return d.sampler.MemoryPercent(ctx)
	case CPU:
		return d.sampler.CPUPercent(ctx)
	case Disk:
		return d.sampler.DiskPercent(ctx, d.config.DiskPath)
	default:
		return 0, fmt.Errorf("unknown resource %s", resource)
	}
}

func (d *Detector) observeLocked(resource Type, now time.Time, value float64) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	severity, sustained := d.trackers[resource].observe(now, value)
	if severity == SeverityNone {
		return Event{}, false
	}
	return Event{
		Resource:          resource,
		Severity:          severity,
		UsagePercent:      value,
		SustainedDuration: sustained,
		At:                now,
	}, true
}

func (d *Detector) dispatch(ctx context.Context, event Event) {
	if d.recorder != nil {
		d.recorder.IncExhaustionEvent(string(event.Resource), string(event.Severity))
	}

	d.mu.Lock()
	warning := append([]Callback(nil), d.warningCBs...)
	exhaustion := append([]Callback(nil), d.exhaustCBs...)
	d.mu.Unlock()

	switch event.Severity {
	case SeverityWarning, SeverityCritical:
		d.logger.Warn("%s pressure %s: %.1f%% (sustained %s)",
			event.Resource, event.Severity, event.UsagePercent, event.SustainedDuration)
		for _, cb := range warning {
			cb(event)
		}
	case SeverityExhaustion:
		// Exhaustion gates on sustained breach; a spike alone only warns.
		if event.SustainedDuration < d.config.SustainedDuration() {
			d.logger.Warn("%s exhaustion %.1f%% not yet sustained (%s of %s)",
				event.Resource, event.UsagePercent, event.SustainedDuration, d.config.SustainedDuration())
			for _, cb := range warning {
				cb(event)
			}
			return
		}
		d.logger.Error("%s exhaustion sustained %s at %.1f%%, gating workflow circuits",
			event.Resource, event.SustainedDuration, event.UsagePercent)
		for _, cb := range exhaustion {
			cb(event)
		}
		if d.registry != nil {
			reason := fmt.Sprintf("%s exhaustion sustained %s (%.1f%%)",
				event.Resource, event.SustainedDuration.Round(time.Second), event.UsagePercent)
			d.registry.ForceOpenWorkflowScoped(ctx, reason)
		}
	}
}

// GetCurrentStatus reports the latest observation per resource.
func (d *Detector) GetCurrentStatus() map[Type]Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	status := make(map[Type]Status, len(d.trackers))
	for resource, tr := range d.trackers {
		s := Status{Samples: len(tr.history)}
		if len(tr.history) > 0 {
			latest := tr.history[len(tr.history)-1]
			s.UsagePercent = latest.Value
			s.Severity = tr.classify(latest.Value)
		} else {
			s.Severity = SeverityNone
		}
		if tr.firstBreach != nil {
			s.SustainedDuration = now.Sub(*tr.firstBreach)
		}
		status[resource] = s
	}
	return status
}
