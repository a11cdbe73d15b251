package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/toolmesh/toolmesh/tool"
)

// AnthropicOptions configures the llm_anthropic tool.
type AnthropicOptions struct {
	Model     anthropic.Model
	MaxTokens int64
	APIKey    string
}

// AnthropicCompletion returns a tool that sends a prompt to the Anthropic
// Messages API and returns the completion text. LLM endpoints are classic
// flaky upstreams, so API errors are marked transient for the retry policy.
func AnthropicCompletion(optFns ...func(o *AnthropicOptions)) tool.Tool {
	opts := AnthropicOptions{
		Model:     anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens: 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return tool.NewFuncTool(
		tool.Descriptor{
			Name:        "llm_anthropic",
			Description: "Generate a text completion with the Anthropic Messages API",
			Tags:        []string{"llm"},
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{"type": "string", "description": "Prompt text"},
					"system": map[string]any{"type": "string", "description": "Optional system prompt"},
				},
				"required": []string{"prompt"},
			},
			Timeout:    60 * time.Second,
			Idempotent: true,
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			prompt, _ := args["prompt"].(string)

			params := anthropic.MessageNewParams{
				Model:     opts.Model,
				MaxTokens: opts.MaxTokens,
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
				},
			}
			if system, _ := args["system"].(string); system != "" {
				params.System = []anthropic.TextBlockParam{{Text: system}}
			}

			resp, err := client.Messages.New(ctx, params)
			if err != nil {
				return nil, tool.Transient(fmt.Errorf("anthropic api error: %w", err))
			}

			var text strings.Builder
			for _, block := range resp.Content {
				if block.Type == "text" {
					text.WriteString(block.AsText().Text)
				}
			}
			return map[string]any{
				"text":  text.String(),
				"model": string(resp.Model),
			}, nil
		},
	)
}
