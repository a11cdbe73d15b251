// Package router is the single entry point the conversational front end
// calls with an already-resolved invocation plan. It validates the plan
// shape, runs the capability check for the request-scoped caller, dispatches
// to the execution engine or chain runner, and translates their outcomes into
// a uniform result. It performs no natural-language understanding.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/toolmesh/toolmesh/chain"
	"github.com/toolmesh/toolmesh/engine"
	"github.com/toolmesh/toolmesh/logging"
	"github.com/toolmesh/toolmesh/resilience"
	"github.com/toolmesh/toolmesh/tool"
)

// ErrInvalidPlan rejects plans that set zero or both targets.
var ErrInvalidPlan = errors.New("invalid invocation plan")

// ErrPermissionDenied is returned when the capability check rejects a caller.
var ErrPermissionDenied = errors.New("permission denied")

// Plan is a resolved invocation: exactly one of Tool and Chain is set.
type Plan struct {
	Tool  string         `json:"tool,omitempty"`
	Chain string         `json:"chain,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
}

// Validate checks the plan shape.
func (p Plan) Validate() error {
	if (p.Tool == "") == (p.Chain == "") {
		return fmt.Errorf("%w: exactly one of tool, chain must be set", ErrInvalidPlan)
	}
	return nil
}

// Caller is the request-scoped identity of whoever submitted the plan. It is
// passed explicitly on every call; the router keeps no ambient session state.
type Caller struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Can reports whether the caller holds a capability tag. An empty tag always
// passes.
func (c Caller) Can(capability string) bool {
	if capability == "" {
		return true
	}
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// CapabilityChecker decides whether a caller may run a plan. It runs before
// any dispatch. A nil checker allows everything.
type CapabilityChecker func(caller Caller, plan Plan) error

// ErrorKind classifies a failed result for the front end.
type ErrorKind string

const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindToolNotFound     ErrorKind = "tool_not_found"
	ErrorKindChainNotFound    ErrorKind = "chain_not_found"
	ErrorKindInvalidArguments ErrorKind = "invalid_arguments"
	ErrorKindInvalidPlan      ErrorKind = "invalid_plan"
	ErrorKindPermissionDenied ErrorKind = "permission_denied"
	ErrorKindCircuitOpen      ErrorKind = "circuit_open"
	ErrorKindRateLimited      ErrorKind = "rate_limited"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindChainStepFailed  ErrorKind = "chain_step_failed"
	ErrorKindMissingBinding   ErrorKind = "missing_binding"
	ErrorKindExecution        ErrorKind = "execution_error"
)

// Result is the uniform outcome handed back to the front end, which owns
// translating it into user-facing text.
type Result struct {
	Success     bool      `json:"success"`
	Value       any       `json:"value,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	// Run carries the chain run snapshot for chain plans, failed or not.
	Run *chain.Run `json:"run,omitempty"`
}

// Options configures a Router.
type Options struct {
	// Logger receives routing events. Defaults to NoOpLogger.
	Logger logging.Logger
	// Checker runs before dispatch. Nil allows everything.
	Checker CapabilityChecker
}

// Router dispatches invocation plans.
type Router struct {
	engine *engine.Engine
	chains *chain.Runner
	logger logging.Logger
	check  CapabilityChecker
}

// New creates a Router over the engine and chain runner.
func New(eng *engine.Engine, chains *chain.Runner, optFns ...func(o *Options)) *Router {
	opts := Options{Logger: logging.NewNoOpLogger()}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{
		engine: eng,
		chains: chains,
		logger: opts.Logger,
		check:  opts.Checker,
	}
}

// Route validates and dispatches a plan, translating all structured outcomes
// into a Result. It never panics on malformed plans and never retries:
// resilience is the engine's concern.
func (r *Router) Route(ctx context.Context, caller Caller, plan Plan) Result {
	if err := plan.Validate(); err != nil {
		return failure(err)
	}
	if r.check != nil {
		if err := r.check(caller, plan); err != nil {
			r.logger.Warn("plan rejected by capability check",
				"caller", caller.ID, "tool", plan.Tool, "chain", plan.Chain)
			return failure(fmt.Errorf("%w: %v", ErrPermissionDenied, err))
		}
	}

	if plan.Tool != "" {
		value, _, err := r.engine.Invoke(ctx, plan.Tool, plan.Args)
		if err != nil {
			return failure(err)
		}
		return Result{Success: true, Value: value}
	}

	run, err := r.chains.Run(ctx, plan.Chain, plan.Args)
	if err != nil {
		res := failure(err)
		res.Run = &run
		return res
	}
	return Result{Success: true, Value: run.Context, Run: &run}
}

// failure maps the error taxonomy onto an ErrorKind via errors.Is/As.
func failure(err error) Result {
	return Result{
		Success:     false,
		ErrorKind:   Classify(err),
		ErrorDetail: err.Error(),
	}
}

// Classify maps an error from the execution stack to its ErrorKind.
func Classify(err error) ErrorKind {
	var vErr *tool.ValidationError
	var stepErr *chain.StepError

	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrInvalidPlan):
		return ErrorKindInvalidPlan
	case errors.Is(err, ErrPermissionDenied):
		return ErrorKindPermissionDenied
	case errors.Is(err, tool.ErrToolNotFound):
		return ErrorKindToolNotFound
	case errors.Is(err, chain.ErrChainNotFound):
		return ErrorKindChainNotFound
	case errors.As(err, &vErr):
		return ErrorKindInvalidArguments
	case errors.Is(err, resilience.ErrCircuitOpen):
		return ErrorKindCircuitOpen
	case errors.Is(err, resilience.ErrRateLimited):
		return ErrorKindRateLimited
	case errors.Is(err, chain.ErrMissingBinding):
		return ErrorKindMissingBinding
	case errors.As(err, &stepErr):
		return ErrorKindChainStepFailed
	case errors.Is(err, engine.ErrToolTimeout):
		return ErrorKindTimeout
	default:
		return ErrorKindExecution
	}
}
