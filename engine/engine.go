// Package engine implements the execution engine: every tool call passes
// through argument validation, a per-tool circuit breaker, a per-tool token
// bucket, a timeout, and a retry policy for transient failures, in that order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toolmesh/toolmesh/logging"
	"github.com/toolmesh/toolmesh/resilience"
	"github.com/toolmesh/toolmesh/tool"
)

// ErrToolTimeout is the sentinel matched by errors.Is when a call exceeded
// its deadline.
var ErrToolTimeout = errors.New("tool timed out")

// ExecutionError wraps the last underlying failure after retries are
// exhausted.
type ExecutionError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// BreakerStore persists circuit snapshots so open-circuit cooldowns survive a
// process restart. Implementations must tolerate concurrent calls.
type BreakerStore interface {
	SaveBreaker(snap resilience.Snapshot) error
	LoadBreakers() ([]resilience.Snapshot, error)
}

// Options configures an Engine.
type Options struct {
	// Logger receives structured execution events. Defaults to NoOpLogger.
	Logger logging.Logger
	// DefaultTimeout applies to tools whose descriptor sets no timeout.
	DefaultTimeout time.Duration
	// MaxConcurrent bounds the number of tool executions in flight at once.
	MaxConcurrent int
	// HistorySize bounds the trailing execution record window.
	HistorySize int
	// Breaker, Limiter and Retry are the per-tool resilience tunables.
	Breaker resilience.BreakerConfig
	Limiter resilience.LimiterConfig
	Retry   resilience.RetryPolicy
	// BreakerStore, when set, receives breaker snapshots on every state
	// transition and seeds breakers at construction time.
	BreakerStore BreakerStore
}

// Engine invokes tools registered in a tool.Registry with resilience
// guarantees. Breaker and limiter state is created lazily per tool on first
// invocation and lives for the process lifetime.
type Engine struct {
	registry *tool.Registry
	opts     Options
	logger   logging.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
	limiters map[string]*resilience.TokenBucket
	restored map[string]resilience.Snapshot

	sem     chan struct{}
	history *History
}

// New creates an Engine over the given registry.
func New(registry *tool.Registry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger:         logging.NewNoOpLogger(),
		DefaultTimeout: 30 * time.Second,
		MaxConcurrent:  16,
		HistorySize:    256,
		Breaker:        resilience.DefaultBreakerConfig(),
		Limiter:        resilience.DefaultLimiterConfig(),
		Retry:          resilience.DefaultRetryPolicy(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}

	e := &Engine{
		registry: registry,
		opts:     opts,
		logger:   opts.Logger,
		breakers: make(map[string]*resilience.Breaker),
		limiters: make(map[string]*resilience.TokenBucket),
		restored: make(map[string]resilience.Snapshot),
		sem:      make(chan struct{}, opts.MaxConcurrent),
		history:  NewHistory(opts.HistorySize),
	}

	if opts.BreakerStore != nil {
		snaps, err := opts.BreakerStore.LoadBreakers()
		if err != nil {
			e.logger.Warn("failed to load persisted breaker state", "error", err)
		}
		for _, snap := range snaps {
			e.restored[snap.Tool] = snap
		}
	}

	return e
}

// Registry returns the underlying tool registry.
func (e *Engine) Registry() *tool.Registry { return e.registry }

// History returns the trailing execution record window.
func (e *Engine) History() *History { return e.history }

// breakerFor returns the breaker for a tool, creating it lazily and seeding
// it from any persisted snapshot.
func (e *Engine) breakerFor(name string) *resilience.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[name]
	if !ok {
		b = resilience.NewBreaker(name, e.opts.Breaker)
		if snap, restored := e.restored[name]; restored {
			b.Restore(snap)
			delete(e.restored, name)
		}
		e.breakers[name] = b
	}
	return b
}

func (e *Engine) limiterFor(name string) *resilience.TokenBucket {
	e.mu.Lock()
	defer e.mu.Unlock()

	tb, ok := e.limiters[name]
	if !ok {
		tb = resilience.NewTokenBucket(name, e.opts.Limiter)
		e.limiters[name] = tb
	}
	return tb
}

// Invoke executes a single tool call.
//
// Order of checks: resolve and validate first (fast fail, breaker and limiter
// untouched), then the circuit breaker, then the token bucket, then the call
// itself under the effective timeout. Transient failures are retried per the
// retry policy; non-idempotent tools are retried at most once. The returned
// Record describes the final attempt.
func (e *Engine) Invoke(ctx context.Context, toolName string, args map[string]any) (any, Record, error) {
	t, err := e.registry.Resolve(toolName)
	if err != nil {
		return nil, Record{}, err
	}
	desc := t.Descriptor()
	if err := tool.ValidateArgs(args, desc.Input); err != nil {
		return nil, Record{}, err
	}

	breaker := e.breakerFor(toolName)
	limiter := e.limiterFor(toolName)

	attempts := e.opts.Retry.Attempts(desc.Idempotent)
	start := time.Now()

	var lastErr error
	var rec Record

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.opts.Retry.Delay(attempt)):
			case <-ctx.Done():
				wrapped := &ExecutionError{Tool: toolName, Attempts: attempt, Err: ctx.Err()}
				return nil, rec, wrapped
			}
		}

		attemptStart := time.Now()

		if err := breaker.Allow(); err != nil {
			rec = e.record(toolName, args, attemptStart, attempt, OutcomeCircuitOpen, err)
			e.logger.Warn("call rejected, circuit open", "tool", toolName)
			return nil, rec, err
		}
		if !limiter.TryTake() {
			limitErr := &resilience.RateLimitError{Tool: toolName}
			rec = e.record(toolName, args, attemptStart, attempt, OutcomeRateLimited, limitErr)
			e.logger.Warn("call rejected, rate limited", "tool", toolName)
			return nil, rec, limitErr
		}

		result, execErr := e.execute(ctx, t, desc, args)
		if execErr == nil {
			breaker.OnSuccess()
			e.persistBreaker(breaker)
			rec = e.record(toolName, args, attemptStart, attempt, OutcomeSuccess, nil)
			e.logToolCall(toolName, time.Since(start), attempt, nil)
			return result, rec, nil
		}

		breaker.OnFailure()
		e.persistBreaker(breaker)
		lastErr = execErr
		outcome := OutcomeFailure
		if errors.Is(execErr, ErrToolTimeout) {
			outcome = OutcomeTimeout
		}
		rec = e.record(toolName, args, attemptStart, attempt, outcome, execErr)

		if !transient(execErr) {
			break
		}
	}

	wrapped := &ExecutionError{Tool: toolName, Attempts: rec.RetryCount + 1, Err: lastErr}
	e.logToolCall(toolName, time.Since(start), rec.RetryCount, lastErr)
	return nil, rec, wrapped
}

// toolCallLogger is satisfied by logging.MeshLogger; plain Loggers fall back
// to the generic methods.
type toolCallLogger interface {
	LogToolCall(tool string, dur time.Duration, retries int, success bool, err error)
}

func (e *Engine) logToolCall(toolName string, dur time.Duration, retries int, err error) {
	if tcl, ok := e.logger.(toolCallLogger); ok {
		tcl.LogToolCall(toolName, dur, retries, err == nil, err)
		return
	}
	if err != nil {
		e.logger.Error("tool execution failed", "tool", toolName, "duration", dur, "retries", retries, "error", err)
		return
	}
	e.logger.Debug("tool executed", "tool", toolName, "duration", dur, "retries", retries)
}

// execute runs one attempt under the concurrency semaphore and the effective
// timeout: the lesser of the tool's own timeout and any deadline already on
// ctx. Panics inside the tool are recovered and reported as failures.
func (e *Engine) execute(ctx context.Context, t tool.Tool, desc tool.Descriptor, args map[string]any) (any, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrToolTimeout, ctx.Err())
	}

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type callResult struct {
		value any
		err   error
	}
	done := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: &tool.ToolError{
					Tool:    desc.Name,
					Message: fmt.Sprintf("panic: %v", r),
					Code:    "PANIC",
				}}
			}
		}()
		value, err := t.Execute(callCtx, args)
		done <- callResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		// The goroutine is abandoned; cleanup is the tool's responsibility.
		return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, desc.Name, timeout)
	}
}

func (e *Engine) record(toolName string, args map[string]any, startedAt time.Time, attempt int, outcome Outcome, err error) Record {
	rec := NewRecord(toolName, args, startedAt, attempt, outcome, err)
	e.history.Append(rec)
	return rec
}

func (e *Engine) persistBreaker(b *resilience.Breaker) {
	if e.opts.BreakerStore == nil {
		return
	}
	if err := e.opts.BreakerStore.SaveBreaker(b.Snapshot()); err != nil {
		e.logger.Warn("failed to persist breaker snapshot", "error", err)
	}
}

// transient reports whether err should be retried: explicit transient markers
// and timeouts qualify; everything else surfaces immediately.
func transient(err error) bool {
	if err == nil {
		return false
	}
	return tool.IsTransient(err) || errors.Is(err, ErrToolTimeout)
}

// BreakerSnapshots returns the current breaker state for every tool invoked so
// far. Read-only; used by the health aggregator.
func (e *Engine) BreakerSnapshots() map[string]resilience.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]resilience.Snapshot, len(e.breakers))
	for name, b := range e.breakers {
		out[name] = b.Snapshot()
	}
	return out
}

// BreakerSnapshot returns the breaker state for one tool, if it has been
// invoked.
func (e *Engine) BreakerSnapshot(name string) (resilience.Snapshot, bool) {
	e.mu.Lock()
	b, ok := e.breakers[name]
	e.mu.Unlock()

	if !ok {
		return resilience.Snapshot{}, false
	}
	return b.Snapshot(), true
}

// LimiterSnapshot returns the token bucket state for one tool, if it has been
// invoked.
func (e *Engine) LimiterSnapshot(name string) (resilience.LimiterSnapshot, bool) {
	e.mu.Lock()
	tb, ok := e.limiters[name]
	e.mu.Unlock()

	if !ok {
		return resilience.LimiterSnapshot{}, false
	}
	return tb.Snapshot(), true
}
