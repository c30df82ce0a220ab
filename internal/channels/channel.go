// Package channels provides the inbound/outbound transports the gateway
// routes messages through.
package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lyq-lin/claw0/pkg/models"
)

// Channel is one messaging transport.
type Channel interface {
	// ID returns the channel name used in session keys and bindings.
	ID() string

	// MaxTextLength returns the outbound text limit in characters.
	MaxTextLength() int

	// Start begins receiving inbound messages.
	Start(ctx context.Context) error

	// Stop shuts the channel down and releases its resources.
	Stop(ctx context.Context) error

	// Receive pops one pending inbound message. It never blocks: when
	// nothing is pending it returns (nil, nil).
	Receive(ctx context.Context) (*models.InboundMessage, error)

	// Send delivers one chunk of text to a recipient. threadID is
	// channel-specific and may be empty.
	Send(ctx context.Context, recipient, text, threadID string) error
}

// Registry holds the configured channels by id.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel, replacing any previous one with the same id.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID()] = ch
}

// Get returns a channel by id.
func (r *Registry) Get(id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// All returns the registered channels sorted by id.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// StartAll starts every registered channel, stopping the ones already
// started if one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]Channel, 0)
	for _, ch := range r.All() {
		if err := ch.Start(ctx); err != nil {
			for _, prev := range started {
				_ = prev.Stop(ctx)
			}
			return fmt.Errorf("start channel %s: %w", ch.ID(), err)
		}
		started = append(started, ch)
	}
	return nil
}

// StopAll stops every registered channel, returning the last error.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, ch := range r.All() {
		if err := ch.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
