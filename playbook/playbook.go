// Package playbook loads declarative chain, trigger-rule and job definitions
// from a TOML file so operators can describe workflows without recompiling.
package playbook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/toolmesh/toolmesh/chain"
	"github.com/toolmesh/toolmesh/schedule"
	"github.com/toolmesh/toolmesh/trigger"
)

// Playbook is the parsed definition file.
type Playbook struct {
	Chains []chain.Definition `toml:"chain"`
	Rules  []RuleSpec         `toml:"rule"`
	Jobs   []JobSpec          `toml:"job"`
}

// RuleSpec is the declarative form of a trigger rule. The predicate is one of
// two shapes: an equality match or a numeric lower bound.
type RuleSpec struct {
	ID        string     `toml:"id" json:"id"`
	Name      string     `toml:"name" json:"name"`
	EventType string     `toml:"event_type" json:"event_type"`
	Cooldown  string     `toml:"cooldown" json:"cooldown,omitempty"`
	Enabled   bool       `toml:"enabled" json:"enabled"`
	When      WhenClause `toml:"when" json:"when"`
	Action    ActionSpec `toml:"action" json:"action"`
}

// WhenClause selects the predicate. Field is required; exactly one of Equals
// and Below decides the comparison.
type WhenClause struct {
	Field  string   `toml:"field" json:"field"`
	Equals any      `toml:"equals" json:"equals,omitempty"`
	Below  *float64 `toml:"below" json:"below,omitempty"`
}

// ActionSpec is the bound action of a rule or job.
type ActionSpec struct {
	Tool  string         `toml:"tool" json:"tool,omitempty"`
	Chain string         `toml:"chain" json:"chain,omitempty"`
	Args  map[string]any `toml:"args" json:"args,omitempty"`
}

func (a ActionSpec) action() schedule.Action {
	return schedule.Action{Tool: a.Tool, Chain: a.Chain, Args: a.Args}
}

// JobSpec is the declarative form of a scheduled job. Exactly one of At,
// Every and Cron selects the trigger mode.
type JobSpec struct {
	ID      string     `toml:"id"`
	Name    string     `toml:"name"`
	At      string     `toml:"at"`    // RFC 3339 timestamp, one-shot
	Every   string     `toml:"every"` // Go duration string
	Cron    string     `toml:"cron"`  // 5-field cron expression
	Enabled bool       `toml:"enabled"`
	Action  ActionSpec `toml:"action"`
}

// Load reads and validates a playbook file.
func Load(path string) (*Playbook, error) {
	var pb Playbook
	if _, err := toml.DecodeFile(path, &pb); err != nil {
		return nil, fmt.Errorf("parsing playbook: %w", err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Validate checks every definition in the playbook.
func (pb *Playbook) Validate() error {
	for _, def := range pb.Chains {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("playbook: %w", err)
		}
	}
	for _, rule := range pb.Rules {
		if _, err := rule.Compile(); err != nil {
			return fmt.Errorf("playbook: %w", err)
		}
	}
	for _, job := range pb.Jobs {
		if _, err := job.Job(); err != nil {
			return fmt.Errorf("playbook: %w", err)
		}
	}
	return nil
}

// Compile turns a RuleSpec into an executable trigger rule.
func (r RuleSpec) Compile() (trigger.Rule, error) {
	if r.ID == "" {
		return trigger.Rule{}, fmt.Errorf("rule has empty id")
	}
	if r.EventType == "" {
		return trigger.Rule{}, fmt.Errorf("rule %s: event_type is required", r.ID)
	}
	if r.When.Field == "" {
		return trigger.Rule{}, fmt.Errorf("rule %s: when.field is required", r.ID)
	}
	if (r.When.Equals == nil) == (r.When.Below == nil) {
		return trigger.Rule{}, fmt.Errorf("rule %s: exactly one of when.equals, when.below must be set", r.ID)
	}

	var cooldown time.Duration
	if r.Cooldown != "" {
		d, err := time.ParseDuration(r.Cooldown)
		if err != nil {
			return trigger.Rule{}, fmt.Errorf("rule %s: bad cooldown %q: %w", r.ID, r.Cooldown, err)
		}
		cooldown = d
	}

	var predicate trigger.Predicate
	if r.When.Equals != nil {
		predicate = trigger.FieldEquals(r.EventType, r.When.Field, r.When.Equals)
	} else {
		predicate = trigger.ThresholdBelow(r.EventType, r.When.Field, *r.When.Below)
	}

	rule := trigger.Rule{
		ID:        r.ID,
		Name:      r.Name,
		Predicate: predicate,
		Action:    r.Action.action(),
		Cooldown:  cooldown,
		Enabled:   r.Enabled,
	}
	if err := rule.Action.Validate(); err != nil {
		return trigger.Rule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return rule, nil
}

// SpecJSON returns the canonical JSON form of the rule spec for persistence.
func (r RuleSpec) SpecJSON() (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling rule %s: %w", r.ID, err)
	}
	return data, nil
}

// Job turns a JobSpec into a schedule.Job. NextRun is left zero; the
// scheduler computes the first occurrence when the job is added.
func (j JobSpec) Job() (schedule.Job, error) {
	if j.ID == "" {
		return schedule.Job{}, fmt.Errorf("job has empty id")
	}

	var spec schedule.TriggerSpec
	if j.At != "" {
		at, err := time.Parse(time.RFC3339, j.At)
		if err != nil {
			return schedule.Job{}, fmt.Errorf("job %s: bad at %q: %w", j.ID, j.At, err)
		}
		spec.At = &at
	}
	if j.Every != "" {
		every, err := time.ParseDuration(j.Every)
		if err != nil {
			return schedule.Job{}, fmt.Errorf("job %s: bad every %q: %w", j.ID, j.Every, err)
		}
		spec.Every = every
	}
	spec.Cron = j.Cron

	job := schedule.Job{
		ID:      j.ID,
		Name:    j.Name,
		Spec:    spec,
		Action:  j.Action.action(),
		Enabled: j.Enabled,
	}
	if j.At != "" {
		job.NextRun = *spec.At
	}
	if err := job.Validate(); err != nil {
		return schedule.Job{}, err
	}
	return job, nil
}
