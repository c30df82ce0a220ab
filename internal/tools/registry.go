// Package tools implements the tool registry and the built-in tools
// exposed to the model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// DefaultTimeout bounds one tool execution.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResultChars caps a tool result before truncation.
	DefaultMaxResultChars = 50000
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Descriptor is the wire-facing description of one registered tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Registry dispatches tool calls by name. Execute never raises: every
// failure comes back as a string with the "Error: " prefix.
type Registry struct {
	logger  *slog.Logger
	timeout time.Duration
	maxLen  int

	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	schemas map[string]*jsonschema.Schema
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTimeout overrides the per-call execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxResultChars overrides the result truncation cap.
func WithMaxResultChars(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxLen = n
		}
	}
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:  slog.Default().With("component", "tools"),
		timeout: DefaultTimeout,
		maxLen:  DefaultMaxResultChars,
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool, replacing any previous one with the same name.
// The tool's schema is compiled once here; a schema that does not
// compile disables validation for that tool but not the tool itself.
func (r *Registry) Register(t Tool) {
	name := t.Name()

	var compiled *jsonschema.Schema
	if raw := t.Schema(); len(raw) > 0 {
		c, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			r.logger.Warn("tool schema does not compile, skipping validation", "tool", name, "error", err)
		} else {
			compiled = c
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
	r.schemas[name] = compiled
}

// Describe returns the registered tools in registration order.
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, Descriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return out
}

// Execute runs one tool call and returns its result string. Unknown
// names, invalid arguments, handler failures, panics, and timeouts all
// come back as "Error: ..." strings.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) string {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Error: Unknown tool '%s'", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if schema != nil {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return fmt.Sprintf("Error: %s failed: invalid parameters: %v", name, err)
		}
		if err := schema.Validate(decoded); err != nil {
			return fmt.Sprintf("Error: %s failed: invalid parameters: %v", name, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	result, err := runTool(ctx, tool, args)
	if errors.Is(err, context.DeadlineExceeded) {
		r.logger.Warn("tool timed out", "tool", name, "timeout", r.timeout)
		return fmt.Sprintf("Error: Command timed out after %ds", int(r.timeout.Seconds()))
	}
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return fmt.Sprintf("Error: %s failed: %v", name, err)
	}
	r.logger.Debug("tool executed", "tool", name, "elapsed_ms", time.Since(start).Milliseconds())
	return r.truncate(result)
}

func (r *Registry) truncate(s string) string {
	if len(s) <= r.maxLen {
		return s
	}
	return s[:r.maxLen] + fmt.Sprintf("... [truncated, %d total chars]", len(s))
}

type outcome struct {
	result string
	err    error
}

// runTool isolates one execution so a hung handler cannot block the
// loop past the timeout and a panicking handler cannot crash it.
func runTool(ctx context.Context, tool Tool, args json.RawMessage) (string, error) {
	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				out <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		result, err := tool.Execute(ctx, args)
		out <- outcome{result: result, err: err}
	}()
	select {
	case o := <-out:
		return o.result, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
