// Package agent drives the model-tool fixed point for one conversation
// turn: call the backend, run the tools it asks for, feed the results
// back, and stop when it answers in plain text.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lyq-lin/claw0/internal/backend"
	"github.com/lyq-lin/claw0/internal/memory"
	"github.com/lyq-lin/claw0/internal/sessions"
	"github.com/lyq-lin/claw0/internal/soul"
	"github.com/lyq-lin/claw0/internal/tools"
	"github.com/lyq-lin/claw0/pkg/models"
)

// maxIterations bounds one turn. A model that keeps requesting tools past
// this is broken; the turn fails and nothing is persisted.
const maxIterations = 32

// memoryTopK is how many retrieved memories augment the user text.
const memoryTopK = 3

// Backend is the slice of the chat backend the loop needs.
type Backend interface {
	Chat(ctx context.Context, req backend.ChatRequest) (*backend.ChatResponse, error)
}

// Tools is the slice of the tool registry the loop needs.
type Tools interface {
	Execute(ctx context.Context, name string, args json.RawMessage) string
	Describe() []tools.Descriptor
}

// MetricsRecorder records turn and tool outcomes.
type MetricsRecorder interface {
	RecordAgentTurn(agent, status string, elapsed time.Duration)
	RecordToolExecution(tool, status string)
}

// Loop runs agent turns. Turns on the same session key are serialized;
// turns on different keys run concurrently.
type Loop struct {
	backend  Backend
	tools    Tools
	sessions *sessions.Store
	memory   *memory.Store
	logger   *slog.Logger
	metrics  MetricsRecorder

	locksMu sync.Mutex
	locks   map[string]*turnLock
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop creates an agent loop over the given backend, tool registry,
// session store, and memory store.
func NewLoop(b Backend, t Tools, sess *sessions.Store, mem *memory.Store, opts ...Option) *Loop {
	l := &Loop{
		backend:  b,
		tools:    t,
		sessions: sess,
		memory:   mem,
		logger:   slog.Default().With("component", "agent"),
		locks:    map[string]*turnLock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes one turn for sessionKey and returns the final text. On
// error the turn leaves no trace in the transcript: save_turn only runs
// on success.
func (l *Loop) Run(ctx context.Context, userText, sessionKey string, persona *soul.Soul) (string, error) {
	unlock := l.lockTurn(sessionKey)
	defer unlock()

	start := time.Now()
	text, err := l.runTurn(ctx, userText, sessionKey, persona)
	if l.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		l.metrics.RecordAgentTurn(agentFromKey(sessionKey), status, time.Since(start))
	}
	return text, err
}

func (l *Loop) runTurn(ctx context.Context, userText, sessionKey string, persona *soul.Soul) (string, error) {
	_, history, err := l.sessions.Load(sessionKey)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}

	augmented := l.augmentWithMemories(userText)
	history = append(history, models.NewTextMessage(models.RoleUser, augmented))

	req := backend.ChatRequest{
		System: persona.SystemPrompt(),
		Tools:  l.toolDefs(),
	}

	var assistantBlocks []models.ContentBlock
	for iteration := 0; iteration < maxIterations; iteration++ {
		req.Messages = history
		resp, err := l.backend.Chat(ctx, req)
		if err != nil {
			l.abortTurn(sessionKey)
			return "", fmt.Errorf("backend: %w", err)
		}

		blocks := resp.Message.Content.Blocks
		if !resp.Message.Content.IsBlocks() {
			blocks = []models.ContentBlock{models.NewTextBlock(resp.Message.TextContent())}
		}
		assistantBlocks = append(assistantBlocks, blocks...)

		uses := resp.Message.ToolUses()
		if resp.StopReason == backend.StopToolCalls && len(uses) > 0 {
			history = append(history, resp.Message)
			results, err := l.executeTools(ctx, sessionKey, uses)
			if err != nil {
				l.abortTurn(sessionKey)
				return "", err
			}
			history = append(history, models.NewBlocksMessage(models.RoleUser, results))
			continue
		}

		finalText := resp.Message.TextContent()
		l.recordMemory(userText, finalText, sessionKey)
		// The augmented text is what the model saw; saving it keeps the
		// replayed history identical to the in-memory one.
		if err := l.sessions.SaveTurn(sessionKey, augmented, assistantBlocks); err != nil {
			return "", fmt.Errorf("save turn: %w", err)
		}
		l.logger.Debug("turn complete", "session", sessionKey, "iterations", iteration+1)
		return finalText, nil
	}

	l.abortTurn(sessionKey)
	return "", fmt.Errorf("turn exceeded %d iterations", maxIterations)
}

// executeTools runs each requested tool in order and returns the
// tool_result blocks. Tool failures come back as result strings, so the
// only errors here are persistence ones.
func (l *Loop) executeTools(ctx context.Context, sessionKey string, uses []models.ContentBlock) ([]models.ContentBlock, error) {
	results := make([]models.ContentBlock, 0, len(uses))
	for _, use := range uses {
		output := l.tools.Execute(ctx, use.Name, use.Input)
		if l.metrics != nil {
			status := "ok"
			if strings.HasPrefix(output, "Error:") {
				status = "error"
			}
			l.metrics.RecordToolExecution(use.Name, status)
		}
		if err := l.sessions.SaveToolResult(sessionKey, use.ID, output); err != nil {
			return nil, fmt.Errorf("save tool result: %w", err)
		}
		results = append(results, models.NewToolResultBlock(use.ID, output))
	}
	return results, nil
}

// augmentWithMemories appends the top retrieved memories to the user
// text so the model sees prior context without replaying every session.
func (l *Loop) augmentWithMemories(userText string) string {
	if l.memory == nil {
		return userText
	}
	scored := l.memory.Retrieve(userText, memoryTopK)
	if len(scored) == 0 {
		return userText
	}
	var b strings.Builder
	b.WriteString(userText)
	b.WriteString("\n\nRelevant memories:\n")
	for _, sm := range scored {
		fmt.Fprintf(&b, "- %s\n", sm.Memory.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (l *Loop) recordMemory(userText, finalText, sessionKey string) {
	if l.memory == nil {
		return
	}
	content := fmt.Sprintf("User: %s\nAssistant: %s", userText, finalText)
	if _, err := l.memory.Record(content, sessionKey, nil, 0.5); err != nil {
		l.logger.Warn("memory record failed", "session", sessionKey, "error", err)
	}
}

// abortTurn drops buffered tool results so a failed turn cannot leak
// partial state into the next one.
func (l *Loop) abortTurn(sessionKey string) {
	l.sessions.DiscardPending(sessionKey)
}

func (l *Loop) toolDefs() []backend.ToolDef {
	if l.tools == nil {
		return nil
	}
	descs := l.tools.Describe()
	defs := make([]backend.ToolDef, 0, len(descs))
	for _, d := range descs {
		defs = append(defs, backend.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			Schema:      d.Schema,
		})
	}
	return defs
}

type turnLock struct {
	mu   sync.Mutex
	refs int
}

// lockTurn serializes turns per session key. Locks are refcounted and
// removed when the last waiter releases, so idle keys cost nothing.
func (l *Loop) lockTurn(sessionKey string) func() {
	if strings.TrimSpace(sessionKey) == "" {
		return func() {}
	}

	l.locksMu.Lock()
	lock := l.locks[sessionKey]
	if lock == nil {
		lock = &turnLock{}
		l.locks[sessionKey] = lock
	}
	lock.refs++
	l.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, sessionKey)
		}
		l.locksMu.Unlock()
	}
}

// agentFromKey extracts the agent segment of "agent:channel:peer".
func agentFromKey(sessionKey string) string {
	agent, _, ok := strings.Cut(sessionKey, ":")
	if !ok {
		return sessionKey
	}
	return agent
}
