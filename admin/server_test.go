package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/toolmesh/chain"
	"github.com/toolmesh/toolmesh/engine"
	"github.com/toolmesh/toolmesh/health"
	"github.com/toolmesh/toolmesh/resilience"
	"github.com/toolmesh/toolmesh/schedule"
	"github.com/toolmesh/toolmesh/tool"
	"github.com/toolmesh/toolmesh/trigger"
)

type fixture struct {
	server *Server
	eng    *engine.Engine
	runner *chain.Runner
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := tool.NewRegistry()

	echo := tool.NewFuncTool(tool.Descriptor{Name: "echo", Idempotent: true}, func(_ context.Context, args map[string]any) (any, error) {
		return args["value"], nil
	})
	broken := tool.NewFuncTool(tool.Descriptor{Name: "broken", Idempotent: true}, func(_ context.Context, _ map[string]any) (any, error) {
		return nil, errors.New("always down")
	})
	require.NoError(t, reg.Register(echo))
	require.NoError(t, reg.Register(broken))

	eng := engine.New(reg, func(o *engine.Options) {
		o.Retry = resilience.RetryPolicy{MaxAttempts: 1}
		o.Limiter = resilience.LimiterConfig{Capacity: 1000, RefillRate: 1000}
		o.Breaker = resilience.BreakerConfig{FailureThreshold: 2, BaseCooldown: time.Hour, MaxCooldown: time.Hour}
	})

	chains := chain.NewRegistry()
	require.NoError(t, chains.Register(chain.Definition{
		Name:  "relay",
		Steps: []chain.Step{{Tool: "echo", Bind: map[string]chain.Binding{"value": chain.FromRef("init.value")}}},
	}))
	runner := chain.NewRunner(chains, eng)

	sched := schedule.New(schedule.NewMemoryJobStore(), eng, runner)
	triggers := trigger.New(eng, runner)
	require.NoError(t, triggers.Register(trigger.Rule{
		ID:        "low-stock",
		Name:      "low stock alert",
		Predicate: trigger.FieldEquals("inventory", "kind", "stock"),
		Action:    schedule.Action{Tool: "echo"},
		Enabled:   true,
	}))

	agg := health.New(eng, chains, runner, sched, triggers)
	srv := New(agg, reg, chains, triggers)
	return fixture{server: srv, eng: eng, runner: runner}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestListTools(t *testing.T) {
	fx := newFixture(t)
	w, body := get(t, fx.server.Handler(), "/v1/tools")

	assert.Equal(t, http.StatusOK, w.Code)
	tools := body["tools"].([]any)
	require.Len(t, tools, 2)
	assert.Equal(t, "broken", tools[0].(map[string]any)["name"])
	assert.Equal(t, "echo", tools[1].(map[string]any)["name"])
}

func TestToolHealthEndpoint(t *testing.T) {
	fx := newFixture(t)
	_, _, err := fx.eng.Invoke(context.Background(), "echo", map[string]any{"value": "hi"})
	require.NoError(t, err)

	w, body := get(t, fx.server.Handler(), "/v1/tools/echo/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "echo", body["tool"])
	assert.Equal(t, "closed", body["circuit_state"])
	assert.Equal(t, 1.0, body["success_rate"])

	w, _ = get(t, fx.server.Handler(), "/v1/tools/nope/health")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListChainsAndRuns(t *testing.T) {
	fx := newFixture(t)

	w, body := get(t, fx.server.Handler(), "/v1/chains")
	assert.Equal(t, http.StatusOK, w.Code)
	chains := body["chains"].([]any)
	require.Len(t, chains, 1)
	assert.Equal(t, "relay", chains[0].(map[string]any)["name"])

	run, err := fx.runner.Run(context.Background(), "relay", map[string]any{"value": "hi"})
	require.NoError(t, err)

	w, body = get(t, fx.server.Handler(), "/v1/runs")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["runs"].([]any), 1)

	w, body = get(t, fx.server.Handler(), "/v1/runs/"+run.ID)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["status"])

	w, _ = get(t, fx.server.Handler(), "/v1/runs/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTriggers(t *testing.T) {
	fx := newFixture(t)
	w, body := get(t, fx.server.Handler(), "/v1/triggers")

	assert.Equal(t, http.StatusOK, w.Code)
	rules := body["rules"].([]any)
	require.Len(t, rules, 1)
	assert.Equal(t, "low-stock", rules[0].(map[string]any)["id"])
}

func TestSystemHealthReflectsOpenCircuit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	w, body := get(t, fx.server.Handler(), "/v1/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	_, _, _ = fx.eng.Invoke(ctx, "broken", nil)
	_, _, _ = fx.eng.Invoke(ctx, "broken", nil)

	w, body = get(t, fx.server.Handler(), "/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, 1.0, body["open_circuits"])
}

func TestUptime(t *testing.T) {
	fx := newFixture(t)
	w, body := get(t, fx.server.Handler(), "/v1/uptime")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, body["registered_tools"])
	assert.Equal(t, 1.0, body["registered_chains"])
	assert.Equal(t, 1.0, body["trigger_rules"])
}
