package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolmesh/toolmesh/engine"
	"github.com/toolmesh/toolmesh/logging"
)

// ErrMissingBinding is the sentinel matched by errors.Is when a step binding
// references an absent prior output.
var ErrMissingBinding = errors.New("missing binding")

// ErrRunNotFound is returned by Status and Cancel for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// BindingError reports an unresolvable binding reference.
type BindingError struct {
	Chain string
	Step  int
	Field string
	Ref   string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("chain %s step %d: field %q references %q which is absent", e.Chain, e.Step, e.Field, e.Ref)
}

func (e *BindingError) Unwrap() error { return ErrMissingBinding }

// StepError reports a step failure under the halt policy. It carries the
// failing step index and the partial context accumulated so far.
type StepError struct {
	Chain   string
	Index   int
	Partial map[string]any
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("chain %s failed at step %d: %v", e.Chain, e.Index, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Status is the lifecycle state of a chain run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is a snapshot of one chain execution. CurrentStep is monotonic
// non-decreasing and never exceeds the step count.
type Run struct {
	ID          string         `json:"id"`
	Chain       string         `json:"chain"`
	Status      Status         `json:"status"`
	CurrentStep int            `json:"current_step"`
	Context     map[string]any `json:"context"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     time.Time      `json:"ended_at,omitempty"`
}

// Invoker is the execution surface the runner dispatches steps through.
// *engine.Engine satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) (any, engine.Record, error)
}

// runState is the mutable record behind a Run snapshot.
type runState struct {
	mu        sync.Mutex
	run       Run
	cancelled bool
}

func (s *runState) snapshot() Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.run
	out.Context = make(map[string]any, len(s.run.Context))
	for k, v := range s.run.Context {
		out.Context[k] = v
	}
	return out
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Logger receives chain lifecycle events. Defaults to NoOpLogger.
	Logger logging.Logger
	// HistorySize bounds how many finished runs are retained for Status
	// queries.
	HistorySize int
}

// Runner executes chain definitions strictly sequentially: step i+1 never
// starts before step i completed. Concurrent runs of the same definition are
// independent and share nothing beyond the common execution engine.
type Runner struct {
	chains  *Registry
	invoker Invoker
	logger  logging.Logger

	mu       sync.Mutex
	runs     map[string]*runState
	order    []string
	maxRuns  int
}

// NewRunner creates a Runner dispatching through the given invoker.
func NewRunner(chains *Registry, invoker Invoker, optFns ...func(o *RunnerOptions)) *Runner {
	opts := RunnerOptions{
		Logger:      logging.NewNoOpLogger(),
		HistorySize: 128,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1
	}
	return &Runner{
		chains:  chains,
		invoker: invoker,
		logger:  opts.Logger,
		runs:    make(map[string]*runState),
		maxRuns: opts.HistorySize,
	}
}

// Run executes the named chain to completion and returns the final run
// snapshot. The returned error is nil for completed runs, a *StepError for
// halted runs, a *BindingError for unresolvable references, and
// context.Canceled semantics do not apply: cancellation via Cancel yields a
// run with StatusCancelled and a nil error.
func (r *Runner) Run(ctx context.Context, chainName string, initialArgs map[string]any) (Run, error) {
	def, err := r.chains.Resolve(chainName)
	if err != nil {
		return Run{}, err
	}

	state := &runState{run: Run{
		ID:        uuid.New().String(),
		Chain:     chainName,
		Status:    StatusRunning,
		Context:   make(map[string]any),
		StartedAt: time.Now(),
	}}
	r.track(state)

	logger := r.runLogger(state.run.ID)
	logger.Debug("chain run started", "chain", chainName, "run_id", state.run.ID)

	start := time.Now()
	runErr := r.execute(ctx, def, initialArgs, state)

	state.mu.Lock()
	state.run.EndedAt = time.Now()
	final := state.run
	state.mu.Unlock()

	logChainRun(logger, chainName, final, time.Since(start), runErr)
	return state.snapshot(), runErr
}

// chainRunLogger and runScopedLogger are satisfied by logging.MeshLogger;
// plain Loggers fall back to the generic methods.
type chainRunLogger interface {
	LogChainRun(chain string, steps int, dur time.Duration, success bool, err error)
}

type runScopedLogger interface {
	WithRun(runID string) *logging.MeshLogger
}

// runLogger scopes the runner's logger to one run when the implementation
// supports it.
func (r *Runner) runLogger(runID string) logging.Logger {
	if rs, ok := r.logger.(runScopedLogger); ok {
		return rs.WithRun(runID)
	}
	return r.logger
}

func logChainRun(logger logging.Logger, chainName string, final Run, dur time.Duration, runErr error) {
	if crl, ok := logger.(chainRunLogger); ok {
		crl.LogChainRun(chainName, final.CurrentStep, dur, runErr == nil, runErr)
		return
	}
	logger.Info("chain run finished",
		"chain", chainName,
		"run_id", final.ID,
		"status", final.Status,
		"steps", final.CurrentStep,
		"duration", dur,
	)
}

func (r *Runner) execute(ctx context.Context, def Definition, initialArgs map[string]any, state *runState) error {
	fail := func(err error) error {
		state.mu.Lock()
		state.run.Status = StatusFailed
		state.run.Error = err.Error()
		state.mu.Unlock()
		return err
	}

	for i, step := range def.Steps {
		// Cancellation halts before the next dispatch; an in-flight step is
		// never forcibly killed.
		state.mu.Lock()
		cancelled := state.cancelled
		state.mu.Unlock()
		if cancelled || ctx.Err() != nil {
			state.mu.Lock()
			state.run.Status = StatusCancelled
			state.mu.Unlock()
			return nil
		}

		args, err := r.resolveArgs(def, i, step, initialArgs, state)
		if err != nil {
			return fail(err)
		}

		result, _, invokeErr := r.invoker.Invoke(ctx, step.Tool, args)
		if invokeErr != nil {
			policy := step.OnError
			if policy == "" {
				policy = Halt
			}
			switch policy {
			case ContinueWithDefault:
				r.storeOutput(state, i, step, step.Default)
			case Skip:
				r.advance(state, i)
			default:
				return fail(&StepError{
					Chain:   def.Name,
					Index:   i,
					Partial: state.snapshot().Context,
					Err:     invokeErr,
				})
			}
			continue
		}

		r.storeOutput(state, i, step, result)
	}

	state.mu.Lock()
	state.run.Status = StatusCompleted
	state.mu.Unlock()
	return nil
}

// storeOutput records step output under both the index key and, when the step
// is named, the name key, then advances the step cursor.
func (r *Runner) storeOutput(state *runState, index int, step Step, output any) {
	state.mu.Lock()
	state.run.Context[stepKey(index)] = output
	if step.Name != "" {
		state.run.Context["step."+step.Name] = output
	}
	state.mu.Unlock()
	r.advance(state, index)
}

func (r *Runner) advance(state *runState, index int) {
	state.mu.Lock()
	if index+1 > state.run.CurrentStep {
		state.run.CurrentStep = index + 1
	}
	state.mu.Unlock()
}

func stepKey(index int) string { return "step[" + strconv.Itoa(index) + "]" }

// resolveArgs materializes a step's argument map from its bindings.
func (r *Runner) resolveArgs(def Definition, index int, step Step, initialArgs map[string]any, state *runState) (map[string]any, error) {
	args := make(map[string]any, len(step.Bind))
	for field, binding := range step.Bind {
		if binding.From == "" {
			args[field] = binding.Value
			continue
		}
		value, ok := r.lookup(binding.From, initialArgs, state)
		if !ok {
			return nil, &BindingError{Chain: def.Name, Step: index, Field: field, Ref: binding.From}
		}
		args[field] = value
	}
	return args, nil
}

// lookup resolves a binding reference against the initial args and the
// accumulated run context.
func (r *Runner) lookup(ref string, initialArgs map[string]any, state *runState) (any, bool) {
	if name, ok := strings.CutPrefix(ref, "init."); ok {
		v, exists := initialArgs[name]
		return v, exists
	}

	base, field := ref, ""
	// step[i].field and step.name.field split on the dot after the step part.
	if strings.HasPrefix(ref, "step[") {
		if end := strings.Index(ref, "]"); end >= 0 {
			base = ref[:end+1]
			if len(ref) > end+1 && ref[end+1] == '.' {
				field = ref[end+2:]
			}
		}
	} else if rest, ok := strings.CutPrefix(ref, "step."); ok {
		parts := strings.SplitN(rest, ".", 2)
		base = "step." + parts[0]
		if len(parts) == 2 {
			field = parts[1]
		}
	} else {
		return nil, false
	}

	state.mu.Lock()
	output, exists := state.run.Context[base]
	state.mu.Unlock()
	if !exists {
		return nil, false
	}
	if field == "" {
		return output, true
	}
	m, ok := output.(map[string]any)
	if !ok {
		return nil, false
	}
	v, exists := m[field]
	return v, exists
}

// track registers a run for Status/Cancel queries, evicting the oldest
// finished runs beyond the retention window. Runs still in flight are never
// evicted, so the retained set can temporarily exceed the window while many
// chains run concurrently.
func (r *Runner) track(state *runState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs[state.run.ID] = state
	r.order = append(r.order, state.run.ID)
	for len(r.order) > r.maxRuns {
		evicted := false
		for i, id := range r.order {
			s, ok := r.runs[id]
			if ok {
				s.mu.Lock()
				running := s.run.Status == StatusRunning
				s.mu.Unlock()
				if running {
					continue
				}
			}
			r.order = append(r.order[:i], r.order[i+1:]...)
			delete(r.runs, id)
			evicted = true
			break
		}
		if !evicted {
			break
		}
	}
}

// Status returns a snapshot of the run with the given ID.
func (r *Runner) Status(runID string) (Run, error) {
	r.mu.Lock()
	state, ok := r.runs[runID]
	r.mu.Unlock()

	if !ok {
		return Run{}, fmt.Errorf("status %s: %w", runID, ErrRunNotFound)
	}
	return state.snapshot(), nil
}

// Cancel marks the run cancelled. The run halts before its next step
// dispatch; an in-flight step finishes or times out naturally.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	state, ok := r.runs[runID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("cancel %s: %w", runID, ErrRunNotFound)
	}
	state.mu.Lock()
	state.cancelled = true
	state.mu.Unlock()
	return nil
}

// Runs returns snapshots of all retained runs, newest first.
func (r *Runner) Runs() []Run {
	r.mu.Lock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	states := make([]*runState, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if s, ok := r.runs[ids[i]]; ok {
			states = append(states, s)
		}
	}
	r.mu.Unlock()

	out := make([]Run, 0, len(states))
	for _, s := range states {
		out = append(out, s.snapshot())
	}
	return out
}
