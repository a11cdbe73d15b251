// Package trigger implements the event trigger engine: rules with condition
// predicates evaluated against an incoming event stream, firing bound actions
// through the same execution path the scheduler and router use, rate-limited
// per rule by a cooldown window.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toolmesh/toolmesh/logging"
	"github.com/toolmesh/toolmesh/schedule"
)

// ErrDuplicateRule is returned when registering a rule ID that already exists.
var ErrDuplicateRule = errors.New("rule already registered")

// ErrRuleNotFound is returned for unknown rule IDs.
var ErrRuleNotFound = errors.New("rule not found")

// Event is a record submitted by any event source: order-status changes,
// stock-level updates, calendar ticks.
type Event struct {
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Predicate decides whether an event should fire a rule. Predicates must be
// side-effect free; an error or panic is logged and skips only this rule for
// this event.
type Predicate func(ev Event) (bool, error)

// Rule binds a predicate to an action. A rule fires at most once per Cooldown
// window; events arriving during the cooldown are still evaluated but do not
// re-trigger the action.
type Rule struct {
	ID        string
	Name      string
	Predicate Predicate
	Action    schedule.Action
	Cooldown  time.Duration
	Enabled   bool
	// LastFiredAt seeds the cooldown window, typically from persisted state,
	// so a recently fired rule stays cool across a restart.
	LastFiredAt time.Time
}

// RuleStatus is the introspection view of a rule.
type RuleStatus struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Cooldown    string    `json:"cooldown"`
	Enabled     bool      `json:"enabled"`
	LastFiredAt time.Time `json:"last_fired_at,omitempty"`
	FireCount   uint64    `json:"fire_count"`
}

// ruleState pairs the immutable rule with its mutable firing state.
type ruleState struct {
	rule        Rule
	lastFiredAt time.Time
	fireCount   uint64
}

// RuleStore persists rule firing times so cooldowns survive a process
// restart. Implementations must tolerate concurrent calls.
type RuleStore interface {
	TouchFired(id string, at time.Time) error
}

// Options configures an Engine.
type Options struct {
	// Logger receives rule evaluation events. Defaults to NoOpLogger.
	Logger logging.Logger
	// DispatchTimeout bounds a single fired action.
	DispatchTimeout time.Duration
	// Store, when set, records each rule firing.
	Store RuleStore
}

// Engine evaluates every enabled rule against each submitted event. Rules are
// isolated: one predicate's failure never affects the others.
type Engine struct {
	invoker schedule.Invoker
	chains  schedule.ChainRunner
	logger  logging.Logger
	opts    Options

	mu    sync.Mutex
	rules map[string]*ruleState
	order []string

	now func() time.Time
	wg  sync.WaitGroup
}

// New creates a trigger Engine dispatching through the given surfaces.
func New(invoker schedule.Invoker, chains schedule.ChainRunner, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger:          logging.NewNoOpLogger(),
		DispatchTimeout: 5 * time.Minute,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		invoker: invoker,
		chains:  chains,
		logger:  opts.Logger,
		opts:    opts,
		rules:   make(map[string]*ruleState),
		now:     time.Now,
	}
}

// Register adds a rule. Duplicate IDs are rejected.
func (e *Engine) Register(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule has empty id")
	}
	if rule.Predicate == nil {
		return fmt.Errorf("rule %s has nil predicate", rule.ID)
	}
	if err := rule.Action.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[rule.ID]; exists {
		return fmt.Errorf("register %s: %w", rule.ID, ErrDuplicateRule)
	}
	e.rules[rule.ID] = &ruleState{rule: rule, lastFiredAt: rule.LastFiredAt}
	e.order = append(e.order, rule.ID)
	return nil
}

// Remove deletes a rule.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[id]; !exists {
		return fmt.Errorf("remove %s: %w", id, ErrRuleNotFound)
	}
	delete(e.rules, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetEnabled toggles a rule.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, exists := e.rules[id]
	if !exists {
		return fmt.Errorf("enable %s: %w", id, ErrRuleNotFound)
	}
	state.rule.Enabled = enabled
	return nil
}

// Rules returns the status of every rule in registration order.
func (e *Engine) Rules() []RuleStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RuleStatus, 0, len(e.order))
	for _, id := range e.order {
		state := e.rules[id]
		out = append(out, RuleStatus{
			ID:          state.rule.ID,
			Name:        state.rule.Name,
			Cooldown:    state.rule.Cooldown.String(),
			Enabled:     state.rule.Enabled,
			LastFiredAt: state.lastFiredAt,
			FireCount:   state.fireCount,
		})
	}
	return out
}

// Submit evaluates every enabled rule against the event. Firing rules
// dispatch their actions asynchronously; Submit returns the number of rules
// that fired.
func (e *Engine) Submit(ctx context.Context, ev Event) int {
	e.mu.Lock()
	ids := make([]string, len(e.order))
	copy(ids, e.order)
	e.mu.Unlock()

	fired := 0
	for _, id := range ids {
		if e.evaluate(ctx, id, ev) {
			fired++
		}
	}
	return fired
}

// evaluate runs one rule against one event. Predicate errors and panics are
// contained here so other rules are unaffected.
func (e *Engine) evaluate(ctx context.Context, id string, ev Event) (fired bool) {
	e.mu.Lock()
	state, exists := e.rules[id]
	if !exists || !state.rule.Enabled {
		e.mu.Unlock()
		return false
	}
	rule := state.rule
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("predicate panicked, rule skipped for this event",
				"rule_id", rule.ID, "event_type", ev.Type, "panic", fmt.Sprint(r))
			fired = false
		}
	}()

	match, err := rule.Predicate(ev)
	if err != nil {
		e.logger.Warn("predicate failed, rule skipped for this event",
			"rule_id", rule.ID, "event_type", ev.Type, "error", err)
		return false
	}
	if !match {
		return false
	}

	// Claim the cooldown window under the lock so concurrent submits cannot
	// double-fire.
	now := e.now()
	e.mu.Lock()
	state, exists = e.rules[id]
	if !exists {
		e.mu.Unlock()
		return false
	}
	if rule.Cooldown > 0 && !state.lastFiredAt.IsZero() && now.Sub(state.lastFiredAt) < rule.Cooldown {
		e.mu.Unlock()
		e.logger.Debug("rule matched but is cooling down", "rule_id", rule.ID)
		return false
	}
	state.lastFiredAt = now
	state.fireCount++
	e.mu.Unlock()

	if e.opts.Store != nil {
		if err := e.opts.Store.TouchFired(rule.ID, now); err != nil {
			e.logger.Warn("failed to persist rule firing", "rule_id", rule.ID, "error", err)
		}
	}

	e.logger.Info("rule fired", "rule_id", rule.ID, "event_type", ev.Type)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(ctx, rule, ev)
	}()
	return true
}

// dispatch runs the rule's bound action through the shared execution path.
func (e *Engine) dispatch(ctx context.Context, rule Rule, ev Event) {
	runCtx := ctx
	if e.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.DispatchTimeout)
		defer cancel()
	}

	args := make(map[string]any, len(rule.Action.Args)+2)
	for k, v := range rule.Action.Args {
		args[k] = v
	}
	// The triggering event rides along so actions can reference it.
	args["event_type"] = ev.Type
	args["event_payload"] = ev.Payload

	var err error
	if rule.Action.Chain != "" {
		_, err = e.chains.Run(runCtx, rule.Action.Chain, args)
	} else {
		_, _, err = e.invoker.Invoke(runCtx, rule.Action.Tool, args)
	}
	if err != nil {
		e.logger.Warn("rule action failed", "rule_id", rule.ID, "error", err)
	}
}

// Wait blocks until all in-flight rule actions finish. Intended for shutdown
// and tests.
func (e *Engine) Wait() { e.wg.Wait() }

// FieldEquals is a convenience predicate matching an event type and one
// payload field.
func FieldEquals(eventType, field string, want any) Predicate {
	return func(ev Event) (bool, error) {
		if ev.Type != eventType {
			return false, nil
		}
		got, ok := ev.Payload[field]
		return ok && got == want, nil
	}
}

// ThresholdBelow matches events of a type whose numeric payload field is
// below the threshold, e.g. stock level checks.
func ThresholdBelow(eventType, field string, threshold float64) Predicate {
	return func(ev Event) (bool, error) {
		if ev.Type != eventType {
			return false, nil
		}
		v, ok := ev.Payload[field]
		if !ok {
			return false, nil
		}
		n, ok := toFloat(v)
		if !ok {
			return false, fmt.Errorf("field %q is not numeric: %T", field, v)
		}
		return n < threshold, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
