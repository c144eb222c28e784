// Package agent defines the proxy interface every invocable unit exposes
// to the coordination core, plus middleware for composing resilience
// around invocations.
package agent

import (
	"context"
	"fmt"
	"sync"

	"agentcore/pkg/breaker"
	"agentcore/pkg/logx"
)

// HealthStatus reports an agent's liveness.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Proxy is the uniform surface the core invokes. Concrete agent kinds
// (in-process handlers, subprocess wrappers, remote services) all sit
// behind this interface.
type Proxy interface {
	// Name is the stable identity used for routing and circuit naming.
	Name() string

	// Start prepares the agent for processing.
	Start(ctx context.Context) error

	// Stop releases the agent's resources. Safe to call when not started.
	Stop(ctx context.Context) error

	// HealthCheck reports current liveness.
	HealthCheck(ctx context.Context) HealthStatus

	// Process handles one input and returns the output or an error.
	Process(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Func adapts a plain function into a Proxy. Start and Stop are no-ops
// and HealthCheck always reports healthy.
type Func struct {
	ProxyName string
	Fn        func(ctx context.Context, input map[string]any) (map[string]any, error)
}

func (f *Func) Name() string                                 { return f.ProxyName }
func (f *Func) Start(ctx context.Context) error              { return nil }
func (f *Func) Stop(ctx context.Context) error               { return nil }
func (f *Func) HealthCheck(ctx context.Context) HealthStatus { return HealthHealthy }

func (f *Func) Process(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f.Fn(ctx, input)
}

// guarded wraps a Proxy so every Process call runs through a circuit
// breaker. Rejections surface as *breaker.RejectedError; the wrapped
// agent is never invoked while its circuit is open.
type guarded struct {
	Proxy
	breaker *breaker.Breaker
	logger  *logx.Logger
}

// WithBreaker returns proxy guarded by b. Start, Stop, and HealthCheck
// pass through unguarded so operators can still probe an agent whose
// circuit is open.
func WithBreaker(proxy Proxy, b *breaker.Breaker) Proxy {
	return &guarded{
		Proxy:   proxy,
		breaker: b,
		logger:  logx.NewLogger("agent-" + proxy.Name()),
	}
}

func (g *guarded) Process(ctx context.Context, input map[string]any) (map[string]any, error) {
	var output map[string]any
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var procErr error
		output, procErr = g.Proxy.Process(ctx, input)
		return procErr
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}

// Pool tracks started proxies by name, so a process can start, resolve,
// and stop its agents as a unit.
type Pool struct {
	logger *logx.Logger

	mu      sync.RWMutex
	proxies map[string]Proxy
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		logger:  logx.NewLogger("agent-pool"),
		proxies: make(map[string]Proxy),
	}
}

// Register starts the proxy and adds it to the pool. A name collision is
// an error; the colliding proxy is not started.
func (p *Pool) Register(ctx context.Context, proxy Proxy) error {
	p.mu.Lock()
	if _, exists := p.proxies[proxy.Name()]; exists {
		p.mu.Unlock()
		return fmt.Errorf("agent %s already registered", proxy.Name())
	}
	p.proxies[proxy.Name()] = proxy
	p.mu.Unlock()

	if err := proxy.Start(ctx); err != nil {
		p.mu.Lock()
		delete(p.proxies, proxy.Name())
		p.mu.Unlock()
		return fmt.Errorf("failed to start agent %s: %w", proxy.Name(), err)
	}
	p.logger.Info("registered agent %s", proxy.Name())
	return nil
}

// Get resolves a proxy by name.
func (p *Pool) Get(name string) (Proxy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	proxy, ok := p.proxies[name]
	return proxy, ok
}

// Health returns the health of every registered agent.
func (p *Pool) Health(ctx context.Context) map[string]HealthStatus {
	p.mu.RLock()
	proxies := make([]Proxy, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		proxies = append(proxies, proxy)
	}
	p.mu.RUnlock()

	health := make(map[string]HealthStatus, len(proxies))
	for _, proxy := range proxies {
		health[proxy.Name()] = proxy.HealthCheck(ctx)
	}
	return health
}

// StopAll stops every registered agent and empties the pool. Stop errors
// are logged, not surfaced; shutdown proceeds through the whole pool.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.Lock()
	proxies := p.proxies
	p.proxies = make(map[string]Proxy)
	p.mu.Unlock()

	for name, proxy := range proxies {
		if err := proxy.Stop(ctx); err != nil {
			p.logger.Error("failed to stop agent %s: %v", name, err)
		}
	}
}
