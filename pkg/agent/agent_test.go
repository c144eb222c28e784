package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/breaker"
	"agentcore/pkg/store"
)

func echoProxy(name string) *Func {
	return &Func{
		ProxyName: name,
		Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return input, nil
		},
	}
}

func testBreaker(t *testing.T, name string) *breaker.Breaker {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := breaker.New(name, breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
		StateTTL:         time.Hour,
		MetricsTTL:       time.Hour,
	}, st)
	require.NoError(t, b.Initialize(context.Background()))
	return b
}

func TestGuardedProcessPassesThrough(t *testing.T) {
	proxy := WithBreaker(echoProxy("narrative"), testBreaker(t, "narrative"))

	out, err := proxy.Process(context.Background(), map[string]any{"scene": "tavern"})
	require.NoError(t, err)
	assert.Equal(t, "tavern", out["scene"])
	assert.Equal(t, "narrative", proxy.Name())
}

func TestGuardedProcessRejectsWhenOpen(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("model unavailable")
	calls := 0
	failing := &Func{
		ProxyName: "world_builder",
		Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			calls++
			return nil, boom
		},
	}
	proxy := WithBreaker(failing, testBreaker(t, "world_builder"))

	_, err := proxy.Process(ctx, nil)
	require.ErrorIs(t, err, boom)
	_, err = proxy.Process(ctx, nil)
	require.ErrorIs(t, err, boom)

	// Circuit open: the agent must not see the third call.
	_, err = proxy.Process(ctx, nil)
	var rejected *breaker.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 2, calls)

	// Health probes bypass the circuit.
	assert.Equal(t, HealthHealthy, proxy.HealthCheck(ctx))
}

func TestPoolRegisterAndResolve(t *testing.T) {
	ctx := context.Background()
	pool := NewPool()

	require.NoError(t, pool.Register(ctx, echoProxy("input_processor")))
	require.NoError(t, pool.Register(ctx, echoProxy("narrative")))

	err := pool.Register(ctx, echoProxy("narrative"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	proxy, ok := pool.Get("input_processor")
	require.True(t, ok)
	assert.Equal(t, "input_processor", proxy.Name())

	_, ok = pool.Get("absent")
	assert.False(t, ok)

	health := pool.Health(ctx)
	assert.Equal(t, HealthHealthy, health["input_processor"])
	assert.Equal(t, HealthHealthy, health["narrative"])

	pool.StopAll(ctx)
	_, ok = pool.Get("input_processor")
	assert.False(t, ok)
}

func TestPoolRegisterFailedStart(t *testing.T) {
	pool := NewPool()
	failStart := &failingStarter{}

	err := pool.Register(context.Background(), failStart)
	require.Error(t, err)
	_, ok := pool.Get("broken")
	assert.False(t, ok, "failed start must not leave the agent registered")
}

type failingStarter struct{ Func }

func (f *failingStarter) Name() string { return "broken" }
func (f *failingStarter) Start(ctx context.Context) error {
	return errors.New("binary missing")
}
