package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/toolmesh/chain"
	"github.com/toolmesh/toolmesh/engine"
	"github.com/toolmesh/toolmesh/schedule"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (f *fakeInvoker) Invoke(_ context.Context, _ string, args map[string]any) (any, engine.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	return "ok", engine.Record{}, nil
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeChainRunner struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeChainRunner) Run(_ context.Context, chainName string, _ map[string]any) (chain.Run, error) {
	f.mu.Lock()
	f.runs = append(f.runs, chainName)
	f.mu.Unlock()
	return chain.Run{Chain: chainName, Status: chain.StatusCompleted}, nil
}

func overdueEvent() Event {
	return Event{
		Type:       "order.status",
		Payload:    map[string]any{"status": "overdue", "order_id": "A-17"},
		OccurredAt: time.Now(),
	}
}

func newTestEngine() (*Engine, *fakeInvoker, *fakeChainRunner) {
	inv := &fakeInvoker{}
	chains := &fakeChainRunner{}
	return New(inv, chains), inv, chains
}

func TestSubmit_FiresMatchingRule(t *testing.T) {
	e, inv, _ := newTestEngine()
	require.NoError(t, e.Register(Rule{
		ID:        "overdue-alert",
		Predicate: FieldEquals("order.status", "status", "overdue"),
		Action:    schedule.Action{Tool: "notify", Args: map[string]any{"channel": "ops"}},
		Enabled:   true,
	}))

	fired := e.Submit(context.Background(), overdueEvent())
	e.Wait()

	assert.Equal(t, 1, fired)
	require.Equal(t, 1, inv.count())
	// The triggering event rides along with the configured args.
	args := inv.calls[0]
	assert.Equal(t, "ops", args["channel"])
	assert.Equal(t, "order.status", args["event_type"])
}

func TestSubmit_NonMatchingEventDoesNotFire(t *testing.T) {
	e, inv, _ := newTestEngine()
	require.NoError(t, e.Register(Rule{
		ID:        "overdue-alert",
		Predicate: FieldEquals("order.status", "status", "overdue"),
		Action:    schedule.Action{Tool: "notify"},
		Enabled:   true,
	}))

	fired := e.Submit(context.Background(), Event{Type: "stock.level", OccurredAt: time.Now()})
	e.Wait()

	assert.Equal(t, 0, fired)
	assert.Equal(t, 0, inv.count())
}

func TestSubmit_CooldownSuppressesRefire(t *testing.T) {
	e, inv, _ := newTestEngine()
	require.NoError(t, e.Register(Rule{
		ID:        "overdue-alert",
		Predicate: FieldEquals("order.status", "status", "overdue"),
		Action:    schedule.Action{Tool: "notify"},
		Cooldown:  time.Hour,
		Enabled:   true,
	}))

	assert.Equal(t, 1, e.Submit(context.Background(), overdueEvent()))
	// Still within cooldown: evaluated but not re-fired.
	assert.Equal(t, 0, e.Submit(context.Background(), overdueEvent()))
	e.Wait()
	assert.Equal(t, 1, inv.count())

	// After the cooldown the rule fires again.
	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, e.Submit(context.Background(), overdueEvent()))
	e.Wait()
	assert.Equal(t, 2, inv.count())

	status := e.Rules()
	require.Len(t, status, 1)
	assert.Equal(t, uint64(2), status[0].FireCount)
}

func TestSubmit_PredicateErrorIsolatedPerRule(t *testing.T) {
	e, inv, _ := newTestEngine()
	require.NoError(t, e.Register(Rule{
		ID:        "broken",
		Predicate: func(Event) (bool, error) { return false, errors.New("bad predicate") },
		Action:    schedule.Action{Tool: "notify"},
		Enabled:   true,
	}))
	require.NoError(t, e.Register(Rule{
		ID:        "panicky",
		Predicate: func(Event) (bool, error) { panic("boom") },
		Action:    schedule.Action{Tool: "notify"},
		Enabled:   true,
	}))
	require.NoError(t, e.Register(Rule{
		ID:        "healthy",
		Predicate: FieldEquals("order.status", "status", "overdue"),
		Action:    schedule.Action{Tool: "notify"},
		Enabled:   true,
	}))

	fired := e.Submit(context.Background(), overdueEvent())
	e.Wait()

	// The broken rules are skipped; the healthy one still fires.
	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, inv.count())
}

func TestSubmit_DispatchesChains(t *testing.T) {
	e, _, chains := newTestEngine()
	require.NoError(t, e.Register(Rule{
		ID:        "restock",
		Predicate: ThresholdBelow("stock.level", "quantity", 10),
		Action:    schedule.Action{Chain: "reorder"},
		Enabled:   true,
	}))

	fired := e.Submit(context.Background(), Event{
		Type:       "stock.level",
		Payload:    map[string]any{"quantity": 3},
		OccurredAt: time.Now(),
	})
	e.Wait()

	assert.Equal(t, 1, fired)
	chains.mu.Lock()
	assert.Equal(t, []string{"reorder"}, chains.runs)
	chains.mu.Unlock()
}

func TestRegister_Validation(t *testing.T) {
	e, _, _ := newTestEngine()

	assert.Error(t, e.Register(Rule{Predicate: FieldEquals("x", "y", "z"), Action: schedule.Action{Tool: "t"}}))
	assert.Error(t, e.Register(Rule{ID: "no-predicate", Action: schedule.Action{Tool: "t"}}))
	assert.Error(t, e.Register(Rule{ID: "no-action", Predicate: FieldEquals("x", "y", "z")}))

	ok := Rule{ID: "ok", Predicate: FieldEquals("x", "y", "z"), Action: schedule.Action{Tool: "t"}, Enabled: true}
	assert.NoError(t, e.Register(ok))
	assert.ErrorIs(t, e.Register(ok), ErrDuplicateRule)
}

func TestDisabledRuleSkipped(t *testing.T) {
	e, inv, _ := newTestEngine()
	require.NoError(t, e.Register(Rule{
		ID:        "off",
		Predicate: FieldEquals("order.status", "status", "overdue"),
		Action:    schedule.Action{Tool: "notify"},
	}))

	assert.Equal(t, 0, e.Submit(context.Background(), overdueEvent()))

	require.NoError(t, e.SetEnabled("off", true))
	assert.Equal(t, 1, e.Submit(context.Background(), overdueEvent()))
	e.Wait()
	assert.Equal(t, 1, inv.count())
}

type recordingRuleStore struct {
	mu      sync.Mutex
	touched []string
	at      []time.Time
	err     error
}

func (s *recordingRuleStore) TouchFired(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, id)
	s.at = append(s.at, at)
	return s.err
}

func TestSubmit_PersistsFiringToStore(t *testing.T) {
	inv := &fakeInvoker{}
	st := &recordingRuleStore{}
	e := New(inv, &fakeChainRunner{}, func(o *Options) { o.Store = st })
	require.NoError(t, e.Register(Rule{
		ID:        "overdue-alert",
		Predicate: FieldEquals("order.status", "status", "overdue"),
		Action:    schedule.Action{Tool: "notify"},
		Cooldown:  time.Hour,
		Enabled:   true,
	}))

	assert.Equal(t, 1, e.Submit(context.Background(), overdueEvent()))
	// Cooled-down evaluations must not touch the store again.
	assert.Equal(t, 0, e.Submit(context.Background(), overdueEvent()))
	e.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Equal(t, []string{"overdue-alert"}, st.touched)
	assert.False(t, st.at[0].IsZero())
}

func TestSubmit_StoreErrorDoesNotBlockFiring(t *testing.T) {
	inv := &fakeInvoker{}
	st := &recordingRuleStore{err: errors.New("disk full")}
	e := New(inv, &fakeChainRunner{}, func(o *Options) { o.Store = st })
	require.NoError(t, e.Register(Rule{
		ID:        "overdue-alert",
		Predicate: FieldEquals("order.status", "status", "overdue"),
		Action:    schedule.Action{Tool: "notify"},
		Enabled:   true,
	}))

	assert.Equal(t, 1, e.Submit(context.Background(), overdueEvent()))
	e.Wait()
	assert.Equal(t, 1, inv.count())
}

func TestRegister_SeededLastFiredKeepsCooldown(t *testing.T) {
	e, inv, _ := newTestEngine()
	require.NoError(t, e.Register(Rule{
		ID:          "overdue-alert",
		Predicate:   FieldEquals("order.status", "status", "overdue"),
		Action:      schedule.Action{Tool: "notify"},
		Cooldown:    time.Hour,
		Enabled:     true,
		LastFiredAt: time.Now().Add(-10 * time.Minute),
	}))

	// Fired 10 minutes ago with an hour cooldown: still cooling down.
	assert.Equal(t, 0, e.Submit(context.Background(), overdueEvent()))
	e.Wait()
	assert.Equal(t, 0, inv.count())

	// Past the seeded window the rule fires normally.
	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, e.Submit(context.Background(), overdueEvent()))
	e.Wait()
	assert.Equal(t, 1, inv.count())
}

func TestThresholdBelow_NonNumericField(t *testing.T) {
	p := ThresholdBelow("stock.level", "quantity", 10)
	_, err := p(Event{Type: "stock.level", Payload: map[string]any{"quantity": "many"}})
	assert.Error(t, err)
}
