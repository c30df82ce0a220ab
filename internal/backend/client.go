// Package backend implements the OpenAI-compatible chat-completions client
// the agent loop talks to.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lyq-lin/claw0/internal/backoff"
	"github.com/lyq-lin/claw0/pkg/models"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "deepseek-chat"

	// DefaultBaseURL is the OpenAI-compatible endpoint used by default.
	DefaultBaseURL = "https://api.deepseek.com/v1"

	defaultMaxTokens = 4096
	maxAttempts      = 3
)

// Stop reasons surfaced from choices[0].finish_reason.
const (
	StopEndTurn   = "stop"
	StopToolCalls = "tool_calls"
)

// ToolDef describes one callable tool on the wire.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ChatRequest is one completion round.
type ChatRequest struct {
	System   string
	Messages []models.Message
	Tools    []ToolDef
}

// ChatResponse is the assistant's reply. Message holds content blocks
// when the model requested tools, plain text otherwise.
type ChatResponse struct {
	Message    models.Message
	StopReason string
}

// MetricsRecorder observes completed backend requests.
type MetricsRecorder interface {
	RecordBackendRequest(model, status string, elapsed time.Duration)
}

// Config holds the backend connection settings.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Logger    *slog.Logger
	Metrics   MetricsRecorder
}

// Client is a chat-completions client. It is safe for concurrent use.
type Client struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *slog.Logger
	metrics   MetricsRecorder
	policy    backoff.Policy
}

// New creates a backend client from config, applying defaults.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("backend: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger.With("component", "backend"),
		metrics:   cfg.Metrics,
		policy:    backoff.BackendPolicy(),
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Chat runs one non-streaming completion, retrying transient failures.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  convertMessages(req.System, req.Messages),
		MaxTokens: c.maxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
		chatReq.ToolChoice = "auto"
	}

	start := time.Now()
	resp, err := backoff.Retry(ctx, c.policy, maxAttempts, isRetryable, func() (openai.ChatCompletionResponse, error) {
		return c.client.CreateChatCompletion(ctx, chatReq)
	})
	elapsed := time.Since(start)
	if err != nil {
		c.record("error", elapsed)
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		c.record("error", elapsed)
		return nil, fmt.Errorf("chat completion: response has no choices")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{StopReason: string(choice.FinishReason)}
	if len(choice.Message.ToolCalls) > 0 {
		var blocks []models.ContentBlock
		if choice.Message.Content != "" {
			blocks = append(blocks, models.NewTextBlock(choice.Message.Content))
		}
		for _, tc := range choice.Message.ToolCalls {
			blocks = append(blocks, models.NewToolUseBlock(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
		}
		out.Message = models.NewBlocksMessage(models.RoleAssistant, blocks)
	} else {
		out.Message = models.NewTextMessage(models.RoleAssistant, choice.Message.Content)
	}

	c.record("ok", elapsed)
	c.logger.Debug("chat completion",
		"model", c.model,
		"stop", out.StopReason,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"elapsed_ms", elapsed.Milliseconds())
	return out, nil
}

func (c *Client) record(status string, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordBackendRequest(c.model, status, elapsed)
	}
}

// convertMessages maps the internal history onto the wire format. The
// system prompt goes first; string content passes through; block lists
// become an assistant message carrying tool_calls plus one role=tool
// message per tool_result.
func convertMessages(system string, history []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range history {
		if !msg.Content.IsBlocks() {
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content.Text,
			})
			continue
		}

		var text strings.Builder
		var toolCalls []openai.ToolCall
		var results []models.ContentBlock
		for _, blk := range msg.Content.Blocks {
			switch blk.Type {
			case models.BlockText:
				text.WriteString(blk.Text)
			case models.BlockToolUse:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   blk.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      blk.Name,
						Arguments: string(blk.Input),
					},
				})
			case models.BlockToolResult:
				results = append(results, blk)
			}
		}
		if len(toolCalls) > 0 || text.Len() > 0 {
			out = append(out, openai.ChatCompletionMessage{
				Role:      string(msg.Role),
				Content:   text.String(),
				ToolCalls: toolCalls,
			})
		}
		for _, blk := range results {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    blk.Content,
				ToolCallID: blk.ToolUseID,
			})
		}
	}
	return out
}

func convertTools(tools []ToolDef) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Schema, &schema); err != nil || schema == nil {
			// A bad schema must not break the other tools.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

// isRetryable classifies transient failures: rate limits, 5xx, and
// transport-level timeouts.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection refused", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
