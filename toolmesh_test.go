package toolmesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/toolmesh/chain"
	"github.com/toolmesh/toolmesh/resilience"
	"github.com/toolmesh/toolmesh/router"
	"github.com/toolmesh/toolmesh/schedule"
	"github.com/toolmesh/toolmesh/tool"
	"github.com/toolmesh/toolmesh/trigger"
)

func newMesh(t *testing.T) *ToolMesh {
	t.Helper()
	m := New()

	double := tool.NewFuncTool(tool.Descriptor{Name: "double", Idempotent: true}, func(_ context.Context, args map[string]any) (any, error) {
		n, _ := args["n"].(float64)
		return n * 2, nil
	})
	require.NoError(t, m.RegisterTool(double))
	require.NoError(t, m.RegisterChain(chain.Definition{
		Name: "quadruple",
		Steps: []chain.Step{
			{Tool: "double", Bind: map[string]chain.Binding{"n": chain.FromRef("init.n")}},
			{Tool: "double", Bind: map[string]chain.Binding{"n": chain.FromRef("step[0]")}},
		},
	}))
	return m
}

func TestNew_AppliesResilienceDefaults(t *testing.T) {
	m := New()

	assert.Equal(t, resilience.DefaultBreakerConfig(), m.opts.Breaker)
	assert.Equal(t, resilience.DefaultLimiterConfig(), m.opts.Limiter)
	assert.Equal(t, resilience.DefaultRetryPolicy(), m.opts.Retry)
	assert.Positive(t, m.opts.Breaker.FailureThreshold)
	assert.Positive(t, m.opts.Retry.MaxAttempts)
}

func TestMesh_InvokeTool(t *testing.T) {
	m := newMesh(t)

	result, rec, err := m.Invoke(context.Background(), "double", map[string]any{"n": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 6.0, result)
	assert.Equal(t, "double", rec.Tool)
}

func TestMesh_RunChain(t *testing.T) {
	m := newMesh(t)

	run, err := m.RunChain(context.Background(), "quadruple", map[string]any{"n": 3.0})
	require.NoError(t, err)
	assert.Equal(t, chain.StatusCompleted, run.Status)
	assert.Equal(t, 12.0, run.Context["step[1]"])
}

func TestMesh_RoutePlan(t *testing.T) {
	m := newMesh(t)

	result := m.Route(context.Background(), router.Caller{ID: "cli"}, router.Plan{
		Tool: "double",
		Args: map[string]any{"n": 5.0},
	})
	require.True(t, result.Success)
	assert.Equal(t, 10.0, result.Value)
}

func TestMesh_TriggerFires(t *testing.T) {
	m := newMesh(t)
	require.NoError(t, m.RegisterRule(trigger.Rule{
		ID:        "doubler",
		Predicate: trigger.FieldEquals("metric", "kind", "number"),
		Action:    schedule.Action{Tool: "double", Args: map[string]any{"n": 2.0}},
		Enabled:   true,
	}))

	fired := m.SubmitEvent(context.Background(), trigger.Event{
		Type:    "metric",
		Payload: map[string]any{"kind": "number"},
	})
	assert.Equal(t, 1, fired)
	m.Stop()
}

func TestMesh_HealthView(t *testing.T) {
	m := newMesh(t)
	_, _, err := m.Invoke(context.Background(), "double", map[string]any{"n": 1.0})
	require.NoError(t, err)

	sys := m.Health().SystemHealth()
	assert.Equal(t, 1, sys.Tools[0].SampleCount)

	info := m.Health().UptimeInfo()
	assert.Equal(t, 1, info.RegisteredTools)
	assert.Equal(t, 1, info.RegisteredChains)
}
