// Package health aggregates read-only introspection across the execution
// engine, chain runner, scheduler and trigger engine. It observes shared
// state and never mutates it.
package health

import (
	"time"

	"github.com/toolmesh/toolmesh/chain"
	"github.com/toolmesh/toolmesh/engine"
	"github.com/toolmesh/toolmesh/resilience"
	"github.com/toolmesh/toolmesh/schedule"
	"github.com/toolmesh/toolmesh/trigger"
)

// ToolHealth is the per-tool view: breaker state plus the recent success rate
// over the engine's trailing record window.
type ToolHealth struct {
	Tool          string               `json:"tool"`
	Registered    bool                 `json:"registered"`
	CircuitState  resilience.State     `json:"circuit_state"`
	Breaker       *resilience.Snapshot `json:"breaker,omitempty"`
	SuccessRate   float64              `json:"success_rate"`
	SampleCount   int                  `json:"sample_count"`
	RecentRecords []engine.Record      `json:"recent_records,omitempty"`
}

// Status is the coarse system condition.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// SystemHealth aggregates every registered tool.
type SystemHealth struct {
	Status       Status       `json:"status"`
	Tools        []ToolHealth `json:"tools"`
	OpenCircuits int          `json:"open_circuits"`
}

// UptimeInfo is the process-level summary.
type UptimeInfo struct {
	StartedAt        time.Time      `json:"started_at"`
	Uptime           string         `json:"uptime"`
	RegisteredTools  int            `json:"registered_tools"`
	RegisteredChains int            `json:"registered_chains"`
	ScheduledJobs    int            `json:"scheduled_jobs"`
	TriggerRules     int            `json:"trigger_rules"`
	Scheduler        schedule.Stats `json:"scheduler"`
}

// Aggregator reads state from the other components. All fields except the
// engine may be nil; the corresponding sections are then zero.
type Aggregator struct {
	engine    *engine.Engine
	chains    *chain.Registry
	runner    *chain.Runner
	scheduler *schedule.Scheduler
	triggers  *trigger.Engine
	startedAt time.Time
}

// New creates an Aggregator. startedAt anchors the uptime report.
func New(eng *engine.Engine, chains *chain.Registry, runner *chain.Runner, sched *schedule.Scheduler, triggers *trigger.Engine) *Aggregator {
	return &Aggregator{
		engine:    eng,
		chains:    chains,
		runner:    runner,
		scheduler: sched,
		triggers:  triggers,
		startedAt: time.Now(),
	}
}

// ToolHealth reports on one tool. Tools never invoked report a closed circuit
// and a perfect success rate over zero samples.
func (a *Aggregator) ToolHealth(name string) ToolHealth {
	h := ToolHealth{Tool: name, CircuitState: resilience.StateClosed, SuccessRate: 1.0}

	if _, err := a.engine.Registry().Resolve(name); err == nil {
		h.Registered = true
	}
	if snap, ok := a.engine.BreakerSnapshot(name); ok {
		h.CircuitState = snap.State
		h.Breaker = &snap
	}
	h.SuccessRate, h.SampleCount = a.engine.History().SuccessRate(name)
	h.RecentRecords = a.engine.History().ForTool(name)
	return h
}

// SystemHealth aggregates across all registered tools. Any open circuit marks
// the system degraded.
func (a *Aggregator) SystemHealth() SystemHealth {
	var out SystemHealth
	out.Status = StatusHealthy

	for _, name := range a.engine.Registry().Names() {
		h := a.ToolHealth(name)
		h.RecentRecords = nil // keep the aggregate view compact
		out.Tools = append(out.Tools, h)
		if h.CircuitState == resilience.StateOpen {
			out.OpenCircuits++
		}
	}
	if out.OpenCircuits > 0 {
		out.Status = StatusDegraded
	}
	return out
}

// ChainStatus returns the run snapshot for a chain run ID.
func (a *Aggregator) ChainStatus(runID string) (chain.Run, error) {
	return a.runner.Status(runID)
}

// ChainRuns returns retained chain runs, newest first.
func (a *Aggregator) ChainRuns() []chain.Run {
	return a.runner.Runs()
}

// UptimeInfo summarizes the process.
func (a *Aggregator) UptimeInfo() UptimeInfo {
	info := UptimeInfo{
		StartedAt:       a.startedAt,
		Uptime:          time.Since(a.startedAt).Round(time.Second).String(),
		RegisteredTools: a.engine.Registry().Len(),
	}
	if a.chains != nil {
		info.RegisteredChains = len(a.chains.Names())
	}
	if a.scheduler != nil {
		if jobs, err := a.scheduler.Jobs(); err == nil {
			info.ScheduledJobs = len(jobs)
		}
		info.Scheduler = a.scheduler.Stats()
	}
	if a.triggers != nil {
		info.TriggerRules = len(a.triggers.Rules())
	}
	return info
}
