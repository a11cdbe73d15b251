// Package tool implements the capability subsystem: a uniform contract for
// business-logic tools (logistics, finance, calendar, CRM, file and browser
// actions) invoked with schema validated arguments and a deadline, plus the
// registry that keys them by unique name.
package tool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tool is the single contract every capability must satisfy.
//
// A tool is an opaque unit of business logic behind a uniform interface: it
// receives already-validated arguments and a context carrying the call
// deadline, and returns a JSON-serializable result or an error. Tools must be
// safe to call from multiple concurrent invocations; any shared mutable state
// is the tool's own responsibility.
type Tool interface {
	// Descriptor returns the immutable metadata for this tool.
	Descriptor() Descriptor

	// Execute runs the tool. The context carries the effective deadline
	// (the lesser of the tool's own timeout and any caller-supplied one);
	// implementations should abandon work when ctx is done.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Descriptor holds the immutable metadata a tool registers under.
type Descriptor struct {
	// Name uniquely identifies the tool within a registry (snake_case recommended).
	Name string `json:"name"`
	// Description is a short human-readable summary of what the tool does.
	Description string `json:"description"`
	// Tags are free-form capability tags (e.g. "finance", "crm", "browser").
	Tags []string `json:"tags,omitempty"`
	// Input is a minimal JSON-Schema-like map describing accepted arguments
	// (type, properties, required). Nil means the tool accepts anything.
	Input map[string]any `json:"input,omitempty"`
	// Timeout bounds a single execution. Zero means the engine default applies.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Idempotent marks the tool safe for multiple retry attempts. Tools that
	// are not idempotent are retried at most once.
	Idempotent bool `json:"idempotent"`
}

// Registry errors.
var (
	// ErrDuplicateTool is returned when registering a name that already exists.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrToolNotFound is returned when resolving an unknown tool name.
	ErrToolNotFound = errors.New("tool not found")
)

// ToolError represents a structured failure produced by a tool implementation.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// transientErr marks an error as transient so the execution engine retries it.
type transientErr struct{ err error }

func (t *transientErr) Error() string   { return t.err.Error() }
func (t *transientErr) Unwrap() error   { return t.err }
func (t *transientErr) Transient() bool { return true }

// Transient wraps err so the execution engine classifies it as retryable
// (transient I/O, flaky upstream). A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientErr{err: err}
}

// IsTransient reports whether err (or anything it wraps) is marked transient,
// either via Transient or by implementing `Transient() bool` itself.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}
