package breaker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"agentcore/pkg/logx"
	"agentcore/pkg/metrics"
	"agentcore/pkg/store"
)

// Registry tracks the process's circuit breakers by name. Breakers are
// created lazily on first Get and initialized from the store, so a
// restarted process resumes with whatever state the circuits had.
type Registry struct {
	config   Config
	store    store.Store
	recorder *metrics.Recorder
	logger   *logx.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share config and store.
// recorder may be nil.
func NewRegistry(config Config, st store.Store, recorder *metrics.Recorder) *Registry {
	return &Registry{
		config:   config,
		store:    st,
		recorder: recorder,
		logger:   logx.NewLogger("breaker-registry"),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating and initializing it on first
// use. Options apply only on creation.
func (r *Registry) Get(ctx context.Context, name string, opts ...Option) (*Breaker, error) {
	r.mu.RLock()
	b, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return b, nil
	}

	r.mu.Lock()
	// Re-check under the write lock.
	if b, exists = r.breakers[name]; exists {
		r.mu.Unlock()
		return b, nil
	}
	if r.recorder != nil {
		opts = append(opts, WithRecorder(r.recorder))
	}
	b = New(name, r.config, r.store, opts...)
	r.breakers[name] = b
	r.mu.Unlock()

	if err := b.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize circuit %s: %w", name, err)
	}
	return b, nil
}

// Lookup returns the breaker for name if it already exists.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, exists := r.breakers[name]
	return b, exists
}

// Names returns the registered circuit names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForceOpenWorkflowScoped forces every workflow-scoped breaker open and
// returns how many were affected. Called by the resource exhaustion
// detector on sustained exhaustion.
func (r *Registry) ForceOpenWorkflowScoped(ctx context.Context, reason string) int {
	r.mu.RLock()
	scoped := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		if b.WorkflowScoped() {
			scoped = append(scoped, b)
		}
	}
	r.mu.RUnlock()

	for _, b := range scoped {
		b.ForceOpen(ctx, reason)
	}
	if len(scoped) > 0 {
		r.logger.Warn("forced open %d workflow-scoped circuits: %s", len(scoped), reason)
	}
	return len(scoped)
}

// ResetAll forces every registered breaker CLOSED.
func (r *Registry) ResetAll(ctx context.Context) {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	for _, b := range all {
		b.Reset(ctx)
	}
}
