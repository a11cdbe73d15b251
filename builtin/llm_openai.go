package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/toolmesh/toolmesh/tool"
)

// OpenAIOptions configures the llm_openai tool.
type OpenAIOptions struct {
	Model     openai.ChatModel
	MaxTokens int64
	APIKey    string
}

// OpenAICompletion returns a tool that sends a prompt to the OpenAI chat
// completions API and returns the reply text. API errors are transient so
// the engine's retry and breaker policies apply.
func OpenAICompletion(optFns ...func(o *OpenAIOptions)) tool.Tool {
	opts := OpenAIOptions{
		Model:     openai.ChatModelGPT4oMini,
		MaxTokens: 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return tool.NewFuncTool(
		tool.Descriptor{
			Name:        "llm_openai",
			Description: "Generate a text completion with the OpenAI chat API",
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

			messages := []openai.ChatCompletionMessageParamUnion{}
			if system, _ := args["system"].(string); system != "" {
				messages = append(messages, openai.SystemMessage(system))
			}
			messages = append(messages, openai.UserMessage(prompt))

			resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
				Model:               opts.Model,
				Messages:            messages,
				MaxCompletionTokens: openai.Int(opts.MaxTokens),
			})
			if err != nil {
				return nil, tool.Transient(fmt.Errorf("openai api error: %w", err))
			}
			if len(resp.Choices) == 0 {
				return nil, tool.Transient(fmt.Errorf("openai returned no choices"))
			}

			return map[string]any{
				"text":  resp.Choices[0].Message.Content,
				"model": resp.Model,
			}, nil
		},
	)
}
