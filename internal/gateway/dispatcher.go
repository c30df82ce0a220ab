// Package gateway exposes the control surface: a named-method dispatcher
// served over websocket, plus health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSON-RPC style error codes.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Error is a dispatch failure visible to the caller.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// NewError builds a dispatch error.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Handler is one gateway method.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

type method struct {
	handler Handler
	schema  *jsonschema.Schema
}

// Dispatcher routes method calls by name. Handler failures never
// propagate as panics; every outcome is a result or an *Error.
type Dispatcher struct {
	logger *slog.Logger

	mu      sync.RWMutex
	methods map[string]method
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:  slog.Default().With("component", "gateway"),
		methods: make(map[string]method),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a method without parameter validation.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[name] = method{handler: h}
}

// RegisterValidated adds a method whose params are checked against
// schemaJSON before the handler runs. A schema that does not compile is
// a wiring bug, reported immediately.
func (d *Dispatcher) RegisterValidated(name, schemaJSON string, h Handler) error {
	compiled, err := jsonschema.CompileString(name+".schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[name] = method{handler: h, schema: compiled}
	return nil
}

// Methods returns the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one method call. Unknown methods, invalid parameters,
// and handler failures come back as *Error values.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params json.RawMessage) (any, error) {
	d.mu.RLock()
	m, ok := d.methods[name]
	d.mu.RUnlock()
	if !ok {
		return nil, NewError(CodeMethodNotFound, "method not found: %s", name)
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if m.schema != nil {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return nil, NewError(CodeInvalidParams, "invalid params: %v", err)
		}
		if err := m.schema.Validate(decoded); err != nil {
			return nil, NewError(CodeInvalidParams, "invalid params: %v", err)
		}
	}

	result, err := m.handler(ctx, params)
	if err != nil {
		var dispatchErr *Error
		if errors.As(err, &dispatchErr) {
			return nil, dispatchErr
		}
		d.logger.Warn("method failed", "method", name, "error", err)
		return nil, NewError(CodeInternal, "%v", err)
	}
	return result, nil
}
