package tool

import (
	"context"
	"fmt"
)

// FuncTool is a generic adapter that exposes a plain Go function as a tool.
//
// Responsibilities:
//   - Carries the Descriptor (name, tags, input schema, timeout, idempotency)
//   - Invokes the wrapped function with the call context and arguments
//   - Normalizes error handling so callers receive *ToolError with consistent
//     codes (custom codes are preserved if the function returns *ToolError
//     directly; anything else becomes EXECUTION_ERROR)
//
// A FuncTool has no internal mutable state after construction and is safe for
// concurrent use by multiple goroutines. Argument validation happens in the
// registry/engine before Execute is called, so the function receives
// schema-conforming arguments.
type FuncTool struct {
	desc Descriptor
	fn   func(ctx context.Context, args map[string]any) (any, error)
}

// NewFuncTool constructs a FuncTool from a descriptor and implementation.
//
// Example:
//
//	sum := tool.NewFuncTool(
//	  tool.Descriptor{
//	    Name:        "calculate_sum",
//	    Description: "Calculate the sum of two numbers",
//	    Input: map[string]any{
//	      "type": "object",
//	      "properties": map[string]any{
//	        "a": map[string]any{"type": "number"},
//	        "b": map[string]any{"type": "number"},
//	      },
//	      "required": []string{"a", "b"},
//	    },
//	    Idempotent: true,
//	  },
//	  func(_ context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFuncTool(desc Descriptor, fn func(ctx context.Context, args map[string]any) (any, error)) *FuncTool {
	return &FuncTool{desc: desc, fn: fn}
}

// Descriptor returns the tool metadata.
func (t *FuncTool) Descriptor() Descriptor { return t.desc }

// Execute invokes the underlying function. Errors that are not already a
// *ToolError are wrapped for uniform downstream handling; transient markers
// are preserved so the engine can still classify retryability.
func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	result, err := t.fn(ctx, args)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			return nil, toolErr
		}
		if IsTransient(err) {
			return nil, err
		}
		return nil, &ToolError{
			Tool:    t.desc.Name,
			Message: err.Error(),
			Code:    "EXECUTION_ERROR",
		}
	}
	return result, nil
}

// String implements fmt.Stringer for debugging.
func (t *FuncTool) String() string {
	return fmt.Sprintf("FuncTool(%s)", t.desc.Name)
}
