// Package schedule implements the time-based job subsystem: durable jobs with
// one-shot, interval, or calendar trigger specs, a store that claims due jobs
// atomically, and a tick-loop scheduler that dispatches without blocking.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec rejects trigger specs that set zero or multiple modes.
var ErrInvalidSpec = errors.New("invalid trigger spec")

// cronParser accepts standard 5-field cron expressions plus the @-descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TriggerSpec describes when a job fires. Exactly one of At, Every and Cron
// must be set.
type TriggerSpec struct {
	// At fires once at the given time, then the job disables itself.
	At *time.Time `json:"at,omitempty"`
	// Every fires repeatedly at a fixed interval.
	Every time.Duration `json:"every,omitempty"`
	// Cron fires on a standard 5-field cron expression (minute granularity).
	Cron string `json:"cron,omitempty"`
}

// Validate checks that exactly one trigger mode is set and the cron
// expression, if any, parses.
func (s TriggerSpec) Validate() error {
	set := 0
	if s.At != nil {
		set++
	}
	if s.Every > 0 {
		set++
	}
	if s.Cron != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one of at, every, cron must be set", ErrInvalidSpec)
	}
	if s.Cron != "" {
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("%w: bad cron expression %q: %v", ErrInvalidSpec, s.Cron, err)
		}
	}
	return nil
}

// OneShot reports whether the spec fires only once.
func (s TriggerSpec) OneShot() bool { return s.At != nil }

// NextAfter computes the next run time strictly after t. For one-shot specs
// it returns the At time itself; callers disable the job after it fires.
func (s TriggerSpec) NextAfter(t time.Time) (time.Time, error) {
	switch {
	case s.At != nil:
		return *s.At, nil
	case s.Every > 0:
		return t.Add(s.Every), nil
	case s.Cron != "":
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		return sched.Next(t), nil
	}
	return time.Time{}, ErrInvalidSpec
}

// Action is what a job does when it fires: invoke a single tool or run a
// chain. Exactly one of Tool and Chain is set.
type Action struct {
	Tool  string         `json:"tool,omitempty"`
	Chain string         `json:"chain,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
}

// Validate checks that exactly one action target is set.
func (a Action) Validate() error {
	if (a.Tool == "") == (a.Chain == "") {
		return fmt.Errorf("action must set exactly one of tool, chain")
	}
	return nil
}

// Job is a durable scheduled unit of work. Running guards against overlap: a
// job with Running true is never dispatched again until it completes or is
// forcibly reset.
type Job struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Spec    TriggerSpec `json:"spec"`
	Action  Action      `json:"action"`
	NextRun time.Time   `json:"next_run"`
	LastRun time.Time   `json:"last_run,omitempty"`
	Enabled bool        `json:"enabled"`
	Running bool        `json:"running"`
}

// Validate checks the job's spec and action.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job has empty id")
	}
	if err := j.Spec.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	if err := j.Action.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	return nil
}
