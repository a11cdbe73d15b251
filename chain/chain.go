// Package chain implements the workflow engine: named, ordered sequences of
// tool invocations with data flowing from earlier steps into later steps'
// arguments, a per-step failure policy, and cancellable runs.
package chain

import (
	"errors"
	"fmt"
	"sync"
)

// OnError is the per-step failure policy.
type OnError string

const (
	// Halt stops the chain and marks the run failed.
	Halt OnError = "halt"
	// ContinueWithDefault substitutes the step's declared default and proceeds.
	ContinueWithDefault OnError = "continueWithDefault"
	// Skip leaves the step's output absent and proceeds. Later bindings that
	// reference the skipped output fail fast.
	Skip OnError = "skip"
)

// Registry errors.
var (
	// ErrDuplicateChain is returned when registering a name that already exists.
	ErrDuplicateChain = errors.New("chain already registered")
	// ErrChainNotFound is returned when resolving an unknown chain name.
	ErrChainNotFound = errors.New("chain not found")
	// ErrEmptyChain rejects definitions with zero steps at registration time.
	ErrEmptyChain = errors.New("chain has no steps")
)

// Binding maps one input field of a step from a prior output or a static
// value. Exactly one of From and Value is meaningful: a non-empty From wins.
//
// From grammar:
//
//	init.<field>      field of the run's initial arguments
//	step[i]           entire output of step i
//	step[i].<field>   field of step i's output (output must be a map)
//	step.<name>       entire output of the named step
//	step.<name>.<field>
type Binding struct {
	From  string `json:"from,omitempty" toml:"from"`
	Value any    `json:"value,omitempty" toml:"value"`
}

// Static returns a Binding carrying a fixed value.
func Static(v any) Binding { return Binding{Value: v} }

// FromRef returns a Binding resolved from a prior output at run time.
func FromRef(ref string) Binding { return Binding{From: ref} }

// Step is one position in a chain definition.
type Step struct {
	// Tool is the registered tool name this step invokes.
	Tool string `json:"tool" toml:"tool"`
	// Name optionally labels the step so later bindings can reference its
	// output by name instead of index.
	Name string `json:"name,omitempty" toml:"name"`
	// Bind maps the step's input fields to bindings.
	Bind map[string]Binding `json:"bind,omitempty" toml:"bind"`
	// OnError selects the failure policy. Empty defaults to Halt.
	OnError OnError `json:"on_error,omitempty" toml:"on_error"`
	// Default is the value substituted under ContinueWithDefault.
	Default any `json:"default,omitempty" toml:"default"`
}

// Definition is an immutable, named chain of steps.
type Definition struct {
	Name  string `json:"name" toml:"name"`
	Steps []Step `json:"steps" toml:"steps"`
}

// Validate checks a definition for structural problems.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("chain definition has empty name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("chain %s: %w", d.Name, ErrEmptyChain)
	}
	for i, step := range d.Steps {
		if step.Tool == "" {
			return fmt.Errorf("chain %s step %d: empty tool name", d.Name, i)
		}
		switch step.OnError {
		case "", Halt, ContinueWithDefault, Skip:
		default:
			return fmt.Errorf("chain %s step %d: unknown on_error %q", d.Name, i, step.OnError)
		}
	}
	return nil
}

// Registry holds chain definitions keyed by unique name. Definitions are
// registered at process start and immutable afterwards.
type Registry struct {
	mu     sync.RWMutex
	chains map[string]Definition
}

// NewRegistry creates an empty chain registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[string]Definition)}
}

// Register adds a definition. Zero-step definitions and duplicate names are
// rejected.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.chains[def.Name]; exists {
		return fmt.Errorf("register %s: %w", def.Name, ErrDuplicateChain)
	}
	r.chains[def.Name] = def
	return nil
}

// Resolve returns the definition registered under name.
func (r *Registry) Resolve(name string) (Definition, error) {
	r.mu.RLock()
	def, ok := r.chains[name]
	r.mu.RUnlock()

	if !ok {
		return Definition{}, fmt.Errorf("resolve %s: %w", name, ErrChainNotFound)
	}
	return def, nil
}

// Names returns the registered chain names in arbitrary order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	return names
}

// Definitions returns all registered definitions.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.chains))
	for _, def := range r.chains {
		defs = append(defs, def)
	}
	return defs
}
