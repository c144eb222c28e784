package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/agent"
	"agentcore/pkg/store"
)

func testStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// scriptedResolver serves canned proxies and records invocation order.
type scriptedResolver struct {
	proxies map[string]agent.Proxy
	invoked []string
}

func (r *scriptedResolver) Get(name string) (agent.Proxy, bool) {
	p, ok := r.proxies[name]
	return p, ok
}

func (r *scriptedResolver) add(name string, fn func(input map[string]any) (map[string]any, error)) {
	r.proxies[name] = &agent.Func{
		ProxyName: name,
		Fn: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			r.invoked = append(r.invoked, name)
			return fn(input)
		},
	}
}

func newScriptedResolver() *scriptedResolver {
	return &scriptedResolver{proxies: make(map[string]agent.Proxy)}
}

func threeStepDef() Definition {
	return Definition{
		WorkflowType: "story_turn",
		AgentSequence: []Step{
			{Agent: "input_processor"},
			{Agent: "world_builder"},
			{Agent: "narrative"},
		},
		Timeouts: TimeoutConfig{PerStepSeconds: 5, TotalSeconds: 30},
	}
}

func TestRegisterValidation(t *testing.T) {
	m := NewManager(newScriptedResolver(), testStore(t), nil)

	var verr *ValidationError
	require.ErrorAs(t, m.Register("", threeStepDef()), &verr)
	require.ErrorAs(t, m.Register("bad", Definition{}), &verr)
	require.ErrorAs(t, m.Register("bad", Definition{
		AgentSequence: []Step{{Agent: ""}},
	}), &verr)
	require.ErrorAs(t, m.Register("bad", Definition{
		AgentSequence: []Step{{Agent: "narrative"}},
		Timeouts:      TimeoutConfig{PerStepSeconds: -1},
	}), &verr)

	require.NoError(t, m.Register("story_turn", threeStepDef()))
	assert.Contains(t, m.Definitions(), "story_turn")

	// Invalid registrations stored nothing.
	assert.Len(t, m.Definitions(), 1)
}

func TestRegisterParallelStepsOnly(t *testing.T) {
	m := NewManager(newScriptedResolver(), testStore(t), nil)

	// A definition expressed only as parallel steps is valid.
	require.NoError(t, m.Register("fanout", Definition{
		ParallelSteps: []Step{{Agent: "world_builder"}, {Agent: "narrative"}},
	}))
	assert.Contains(t, m.Definitions(), "fanout")

	var verr *ValidationError
	require.ErrorAs(t, m.Register("bad", Definition{
		ParallelSteps: []Step{{Agent: ""}},
	}), &verr)
}

func TestRegisterZeroTimeoutsMeansUnbounded(t *testing.T) {
	m := NewManager(newScriptedResolver(), testStore(t), nil)
	def := threeStepDef()
	def.Timeouts = TimeoutConfig{}
	require.NoError(t, m.Register("unbounded", def))
}

func TestExecuteParallelOnlyDefinition(t *testing.T) {
	resolver := newScriptedResolver()
	resolver.add("world_builder", func(input map[string]any) (map[string]any, error) {
		return map[string]any{"world": "ready"}, nil
	})
	resolver.add("narrative", func(input map[string]any) (map[string]any, error) {
		return map[string]any{"text": "dawn breaks"}, nil
	})

	m := NewManager(resolver, testStore(t), nil)
	require.NoError(t, m.Register("fanout", Definition{
		ParallelSteps: []Step{{Agent: "world_builder"}, {Agent: "narrative"}},
	}))

	// Entrypoint checks against the first parallel step.
	_, runID, err := m.Execute(context.Background(), "fanout", Request{Entrypoint: "narrative"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, runID)

	resp, runID, err := m.Execute(context.Background(), "fanout", Request{Entrypoint: "world_builder"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.StepsExecuted)
	assert.Equal(t, []string{"world_builder", "narrative"}, resolver.invoked)

	run, err := m.GetRunState(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
}

func TestReRegisterOverwrites(t *testing.T) {
	m := NewManager(newScriptedResolver(), testStore(t), nil)

	require.NoError(t, m.Register("story_turn", threeStepDef()))
	short := Definition{AgentSequence: []Step{{Agent: "narrative"}}}
	require.NoError(t, m.Register("story_turn", short))
	assert.Len(t, m.Definitions(), 1)
}

func TestExecuteSequentialSuccess(t *testing.T) {
	resolver := newScriptedResolver()
	resolver.add("input_processor", func(input map[string]any) (map[string]any, error) {
		return map[string]any{"parsed": input["raw"]}, nil
	})
	resolver.add("world_builder", func(input map[string]any) (map[string]any, error) {
		// Output chaining: this step sees the previous step's output.
		return map[string]any{"world": "updated", "parsed": input["parsed"]}, nil
	})
	resolver.add("narrative", func(input map[string]any) (map[string]any, error) {
		return map[string]any{"text": "the door creaks open"}, nil
	})

	m := NewManager(resolver, testStore(t), nil)
	require.NoError(t, m.Register("story_turn", threeStepDef()))

	resp, runID, err := m.Execute(context.Background(), "story_turn", Request{
		Entrypoint: "input_processor",
		Input:      map[string]any{"raw": "open the door"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, runID, resp.RunID)
	assert.Equal(t, 3, resp.StepsExecuted)
	assert.Equal(t, "the door creaks open", resp.Output["text"])
	assert.Equal(t, []string{"input_processor", "world_builder", "narrative"}, resolver.invoked)

	run, err := m.GetRunState(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	require.Len(t, run.History, 3)
	assert.NotNil(t, run.EndedAt)
	for _, result := range run.History {
		assert.Empty(t, result.Error)
		assert.False(t, result.EndedAt.Before(result.StartedAt))
	}
}

func TestExecuteHaltsAtFirstError(t *testing.T) {
	boom := errors.New("world model crashed")
	resolver := newScriptedResolver()
	resolver.add("input_processor", func(input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	resolver.add("world_builder", func(input map[string]any) (map[string]any, error) {
		return nil, boom
	})
	resolver.add("narrative", func(input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	m := NewManager(resolver, testStore(t), nil)
	require.NoError(t, m.Register("story_turn", threeStepDef()))

	resp, runID, err := m.Execute(context.Background(), "story_turn", Request{
		Entrypoint: "input_processor",
	})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, resp)
	require.NotEmpty(t, runID)

	// Exactly two history entries: A's success and B's failure. C never ran.
	run, err := m.GetRunState(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	require.Len(t, run.History, 2)
	assert.Empty(t, run.History[0].Error)
	assert.Equal(t, boom.Error(), run.History[1].Error)
	assert.Equal(t, []string{"input_processor", "world_builder"}, resolver.invoked)
}

func TestExecuteEntrypointMismatchCreatesNoRun(t *testing.T) {
	m := NewManager(newScriptedResolver(), testStore(t), nil)
	require.NoError(t, m.Register("story_turn", threeStepDef()))

	_, runID, err := m.Execute(context.Background(), "story_turn", Request{
		Entrypoint: "narrative",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, runID)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	m := NewManager(newScriptedResolver(), testStore(t), nil)
	_, runID, err := m.Execute(context.Background(), "absent", Request{Entrypoint: "x"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, runID)
}

func TestExecuteUnavailableAgentFailsRun(t *testing.T) {
	resolver := newScriptedResolver()
	resolver.add("input_processor", func(input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	// world_builder is deliberately absent.

	m := NewManager(resolver, testStore(t), nil)
	require.NoError(t, m.Register("story_turn", threeStepDef()))

	_, runID, err := m.Execute(context.Background(), "story_turn", Request{
		Entrypoint: "input_processor",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "world_builder")

	run, err := m.GetRunState(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
}

func TestUpdateRunMetadataMerges(t *testing.T) {
	resolver := newScriptedResolver()
	resolver.add("narrative", func(input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	m := NewManager(resolver, testStore(t), nil)
	require.NoError(t, m.Register("solo", Definition{AgentSequence: []Step{{Agent: "narrative"}}}))

	_, runID, err := m.Execute(context.Background(), "solo", Request{Entrypoint: "narrative"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.UpdateRunMetadata(ctx, runID, map[string]any{"player": "kira", "turn": 1}))
	require.NoError(t, m.UpdateRunMetadata(ctx, runID, map[string]any{"turn": 2}))

	run, err := m.GetRunState(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "kira", run.Metadata["player"])
	assert.Equal(t, 2, run.Metadata["turn"])

	require.Error(t, m.UpdateRunMetadata(ctx, "absent", nil))
}

func TestRunStatePersistsToStore(t *testing.T) {
	st := testStore(t)
	resolver := newScriptedResolver()
	resolver.add("narrative", func(input map[string]any) (map[string]any, error) {
		return map[string]any{"text": "done"}, nil
	})

	m := NewManager(resolver, st, nil)
	require.NoError(t, m.Register("solo", Definition{AgentSequence: []Step{{Agent: "narrative"}}}))
	_, runID, err := m.Execute(context.Background(), "solo", Request{Entrypoint: "narrative"})
	require.NoError(t, err)

	// A fresh manager over the same store can still resolve the run.
	m2 := NewManager(resolver, st, nil)
	run, err := m2.GetRunState(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Len(t, run.History, 1)

	_, err = m2.GetRunState(context.Background(), "absent")
	require.Error(t, err)
}
