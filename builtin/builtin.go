// Package builtin ships a small set of ready-made capability tools: a ping
// probe, an HTTP fetcher, a notification sender, a sleep tool for timeout
// testing, and LLM completion adapters for Anthropic and OpenAI.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/toolmesh/toolmesh/tool"
)

// Ping returns a trivial liveness tool. It echoes an optional message and
// reports the call time.
func Ping() tool.Tool {
	return tool.NewFuncTool(
		tool.Descriptor{
			Name:        "ping",
			Description: "Liveness probe that echoes its input",
			Tags:        []string{"diagnostics"},
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string", "description": "Optional message to echo"},
				},
			},
			Timeout:    5 * time.Second,
			Idempotent: true,
		},
		func(_ context.Context, args map[string]any) (any, error) {
			msg, _ := args["message"].(string)
			if msg == "" {
				msg = "pong"
			}
			return map[string]any{"message": msg, "at": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	)
}

// Sleep returns a tool that blocks for the requested number of milliseconds
// or until the call deadline. Useful for exercising timeout handling.
func Sleep() tool.Tool {
	return tool.NewFuncTool(
		tool.Descriptor{
			Name:        "sleep",
			Description: "Sleep for the given number of milliseconds",
			Tags:        []string{"diagnostics"},
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ms": map[string]any{"type": "integer", "description": "Milliseconds to sleep"},
				},
				"required": []string{"ms"},
			},
			Idempotent: true,
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			ms, ok := toInt(args["ms"])
			if !ok || ms < 0 {
				return nil, tool.NewToolError("sleep", fmt.Sprintf("invalid ms value: %v", args["ms"]), "BAD_ARGUMENT")
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return map[string]any{"slept_ms": ms}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	)
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
