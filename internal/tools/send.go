package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyq-lin/claw0/internal/queue"
)

// Enqueuer is the slice of the delivery queue send_message needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, channel, recipient, content string, opts *queue.EnqueueOptions) (string, error)
}

// SendMessageTool queues an outbound message for delivery.
type SendMessageTool struct {
	queue Enqueuer
}

// NewSendMessageTool creates the send_message tool backed by q.
func NewSendMessageTool(q Enqueuer) *SendMessageTool {
	return &SendMessageTool{queue: q}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Queue a message for delivery over a channel. Delivery is asynchronous with retries; this returns as soon as the message is queued."
}

func (t *SendMessageTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channel": map[string]any{
				"type":        "string",
				"description": "Channel to deliver on, e.g. telegram, discord, file.",
			},
			"recipient": map[string]any{
				"type":        "string",
				"description": "Channel-specific recipient identifier.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Message text to deliver.",
			},
		},
		"required": []string{"channel", "recipient", "content"},
	})
}

func (t *SendMessageTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Channel   string `json:"channel"`
		Recipient string `json:"recipient"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	id, err := t.queue.Enqueue(ctx, input.Channel, input.Recipient, input.Content, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Message queued for delivery (id: %s)", id), nil
}
