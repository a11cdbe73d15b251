package tool

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the set of registered tools keyed by unique name.
//
// Registration normally happens once at process start; afterwards the
// registry is read-heavy and safe for concurrent lookups. Descriptors are
// treated as immutable once registered; re-registration under the same name
// is rejected rather than replacing the existing tool.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under its descriptor name. It fails with
// ErrDuplicateTool if the name is already taken and rejects empty names.
func (r *Registry) Register(t Tool) error {
	desc := t.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("tool descriptor has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("register %s: %w", desc.Name, ErrDuplicateTool)
	}
	r.tools[desc.Name] = t

	return nil
}

// Resolve returns the tool registered under name, or ErrToolNotFound.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", name, ErrToolNotFound)
	}
	return t, nil
}

// Validate checks args against the named tool's input schema before dispatch.
// It returns ErrToolNotFound for unknown tools and a *ValidationError on
// schema mismatch (missing required field, wrong type).
func (r *Registry) Validate(name string, args map[string]any) error {
	t, err := r.Resolve(name)
	if err != nil {
		return err
	}
	return ValidateArgs(args, t.Descriptor().Input)
}

// Names returns the sorted names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Descriptors returns the descriptors of all registered tools, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]Descriptor, 0, len(names))
	for _, name := range names {
		descs = append(descs, r.tools[name].Descriptor())
	}
	return descs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
