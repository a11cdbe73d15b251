// Package toolmesh provides a high-level façade over the tool registry,
// execution engine and the orchestration services built on top of it
// (chains, scheduler, trigger rules, intent routing & health). Most
// applications interact with this package by:
//  1. Creating a ToolMesh via New() (optionally overriding stores and tunables)
//  2. Registering tools and chain definitions
//  3. Invoking tools directly, running chains, or routing structured plans
//
// The façade delegates execution to engine.Engine while keeping setup
// ergonomics concise. All defaults are in-memory and safe for local
// development and testing; production deployments supply the SQLite-backed
// stores and a structured logger.
package toolmesh

import (
	"context"
	"time"

	"github.com/toolmesh/toolmesh/chain"
	"github.com/toolmesh/toolmesh/engine"
	"github.com/toolmesh/toolmesh/health"
	"github.com/toolmesh/toolmesh/logging"
	"github.com/toolmesh/toolmesh/resilience"
	"github.com/toolmesh/toolmesh/router"
	"github.com/toolmesh/toolmesh/schedule"
	"github.com/toolmesh/toolmesh/tool"
	"github.com/toolmesh/toolmesh/trigger"
)

// Options configures the ToolMesh instance.
type Options struct {
	// DefaultTimeout applies to tools whose descriptor sets no timeout.
	DefaultTimeout time.Duration
	// MaxConcurrent bounds tool executions in flight at once.
	MaxConcurrent int
	// HistorySize bounds the trailing execution record window.
	HistorySize int

	// Scheduler tunables. Zero values keep the schedule package defaults.
	TickInterval    time.Duration
	GraceWindow     time.Duration
	DispatchTimeout time.Duration

	// Resilience tunables applied per tool.
	Breaker resilience.BreakerConfig
	Limiter resilience.LimiterConfig
	Retry   resilience.RetryPolicy

	// JobStore persists scheduled jobs. Defaults to in-memory.
	JobStore schedule.JobStore
	// BreakerStore persists circuit state across restarts. Nil disables
	// persistence.
	BreakerStore engine.BreakerStore
	// RuleStore records trigger rule firings so cooldowns survive restarts.
	// Nil disables persistence.
	RuleStore trigger.RuleStore

	// Checker gates routed plans by caller capability. Nil allows everything.
	Checker router.CapabilityChecker

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// ToolMesh is the high-level façade aggregating the engine and the services
// built on it.
type ToolMesh struct {
	opts      Options
	tools     *tool.Registry
	engine    *engine.Engine
	chains    *chain.Registry
	runner    *chain.Runner
	scheduler *schedule.Scheduler
	triggers  *trigger.Engine
	router    *router.Router
	health    *health.Aggregator
}

// New creates a ToolMesh with optional overrides. Any unset store is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *ToolMesh {
	opts := Options{
		Breaker:  resilience.DefaultBreakerConfig(),
		Limiter:  resilience.DefaultLimiterConfig(),
		Retry:    resilience.DefaultRetryPolicy(),
		JobStore: schedule.NewMemoryJobStore(),
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	tools := tool.NewRegistry()
	eng := engine.New(tools, func(o *engine.Options) {
		o.Logger = opts.Logger
		if opts.DefaultTimeout > 0 {
			o.DefaultTimeout = opts.DefaultTimeout
		}
		if opts.MaxConcurrent > 0 {
			o.MaxConcurrent = opts.MaxConcurrent
		}
		if opts.HistorySize > 0 {
			o.HistorySize = opts.HistorySize
		}
		o.Breaker = opts.Breaker
		o.Limiter = opts.Limiter
		o.Retry = opts.Retry
		o.BreakerStore = opts.BreakerStore
	})

	chains := chain.NewRegistry()
	runner := chain.NewRunner(chains, eng, func(o *chain.RunnerOptions) {
		o.Logger = opts.Logger
	})
	scheduler := schedule.New(opts.JobStore, eng, runner, func(o *schedule.Options) {
		o.Logger = opts.Logger
		if opts.TickInterval > 0 {
			o.TickInterval = opts.TickInterval
		}
		if opts.GraceWindow > 0 {
			o.GraceWindow = opts.GraceWindow
		}
		if opts.DispatchTimeout > 0 {
			o.DispatchTimeout = opts.DispatchTimeout
		}
	})
	triggers := trigger.New(eng, runner, func(o *trigger.Options) {
		o.Logger = opts.Logger
		o.Store = opts.RuleStore
	})
	rt := router.New(eng, runner, func(o *router.Options) {
		o.Logger = opts.Logger
		o.Checker = opts.Checker
	})

	return &ToolMesh{
		opts:      opts,
		tools:     tools,
		engine:    eng,
		chains:    chains,
		runner:    runner,
		scheduler: scheduler,
		triggers:  triggers,
		router:    rt,
		health:    health.New(eng, chains, runner, scheduler, triggers),
	}
}

// RegisterTool adds a tool to the registry.
func (m *ToolMesh) RegisterTool(t tool.Tool) error { return m.tools.Register(t) }

// RegisterChain adds a chain definition.
func (m *ToolMesh) RegisterChain(def chain.Definition) error { return m.chains.Register(def) }

// RegisterRule adds an event trigger rule.
func (m *ToolMesh) RegisterRule(rule trigger.Rule) error { return m.triggers.Register(rule) }

// AddJob schedules a job.
func (m *ToolMesh) AddJob(job schedule.Job) error { return m.scheduler.Add(job) }

// Invoke executes a single tool through the engine's resilience pipeline.
func (m *ToolMesh) Invoke(ctx context.Context, toolName string, args map[string]any) (any, engine.Record, error) {
	return m.engine.Invoke(ctx, toolName, args)
}

// RunChain executes a registered chain synchronously and returns its final
// run snapshot.
func (m *ToolMesh) RunChain(ctx context.Context, chainName string, initialArgs map[string]any) (chain.Run, error) {
	return m.runner.Run(ctx, chainName, initialArgs)
}

// Route validates and dispatches a structured invocation plan.
func (m *ToolMesh) Route(ctx context.Context, caller router.Caller, plan router.Plan) router.Result {
	return m.router.Route(ctx, caller, plan)
}

// SubmitEvent feeds an event to the trigger engine and returns how many rules
// fired.
func (m *ToolMesh) SubmitEvent(ctx context.Context, ev trigger.Event) int {
	return m.triggers.Submit(ctx, ev)
}

// Start launches the scheduler loop. Stop with Stop.
func (m *ToolMesh) Start(ctx context.Context) error { return m.scheduler.Start(ctx) }

// Stop halts the scheduler and waits for in-flight trigger dispatches.
func (m *ToolMesh) Stop() {
	m.scheduler.Stop()
	m.triggers.Wait()
}

// Tools returns the underlying tool registry.
func (m *ToolMesh) Tools() *tool.Registry { return m.tools }

// Engine returns the underlying execution engine.
func (m *ToolMesh) Engine() *engine.Engine { return m.engine }

// Chains returns the chain definition registry.
func (m *ToolMesh) Chains() *chain.Registry { return m.chains }

// Runner returns the chain runner.
func (m *ToolMesh) Runner() *chain.Runner { return m.runner }

// Scheduler returns the job scheduler.
func (m *ToolMesh) Scheduler() *schedule.Scheduler { return m.scheduler }

// Triggers returns the event trigger engine.
func (m *ToolMesh) Triggers() *trigger.Engine { return m.triggers }

// Health returns the read-only health aggregator.
func (m *ToolMesh) Health() *health.Aggregator { return m.health }
