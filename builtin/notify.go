package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/toolmesh/toolmesh/logging"
	"github.com/toolmesh/toolmesh/tool"
)

// Sender delivers a notification to a channel. Implementations wrap concrete
// messengers (Telegram, WhatsApp, email); the tool stays transport-agnostic.
type Sender interface {
	Send(ctx context.Context, channel, text string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, channel, text string) error

// Send calls the function.
func (f SenderFunc) Send(ctx context.Context, channel, text string) error {
	return f(ctx, channel, text)
}

// LogSender writes notifications to the logger. It is the default when no
// real messenger is wired.
func LogSender(logger logging.Logger) Sender {
	return SenderFunc(func(_ context.Context, channel, text string) error {
		logger.Info("notification", "channel", channel, "text", text)
		return nil
	})
}

// Notify returns a tool that sends a text notification through the given
// sender. Delivery failures are transient: messengers flap, retries help.
func Notify(sender Sender) tool.Tool {
	return tool.NewFuncTool(
		tool.Descriptor{
			Name:        "notify",
			Description: "Send a text notification to a channel",
			Tags:        []string{"messaging"},
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"channel": map[string]any{"type": "string", "description": "Destination channel"},
					"text":    map[string]any{"type": "string", "description": "Message body"},
				},
				"required": []string{"channel", "text"},
			},
			Timeout: 10 * time.Second,
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			channel, _ := args["channel"].(string)
			text, _ := args["text"].(string)

			if err := sender.Send(ctx, channel, text); err != nil {
				return nil, tool.Transient(fmt.Errorf("notify: %w", err))
			}
			return map[string]any{"delivered": true, "channel": channel}, nil
		},
	)
}
