// Package routing resolves (channel, peer) pairs to agents through
// persistent priority bindings.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyq-lin/claw0/pkg/models"
)

// WildcardPeer matches any peer on a channel.
const WildcardPeer = "*"

// ErrNotFound is returned when a binding id does not exist.
var ErrNotFound = errors.New("binding not found")

// Binding routes one (channel, peer) pair to an agent. Smaller priority
// wins.
type Binding struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Channel   string    `json:"channel"`
	Peer      string    `json:"peer"`
	Priority  int       `json:"priority"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolution is the outcome of routing one inbound message.
type Resolution struct {
	AgentID    string   `json:"agent_id"`
	SessionKey string   `json:"session_key"`
	Binding    *Binding `json:"binding,omitempty"`
}

// Router owns the binding table. Safe for concurrent use.
type Router struct {
	path         string
	defaultAgent string
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.RWMutex
	bindings []*Binding
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter opens the binding table at path (the bindings.json file),
// loading it if present. defaultAgent answers when no binding matches.
func NewRouter(path, defaultAgent string, opts ...Option) (*Router, error) {
	r := &Router{
		path:         path,
		defaultAgent: defaultAgent,
		logger:       slog.Default().With("component", "routing"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read bindings: %w", err)
	}
	if err := json.Unmarshal(data, &r.bindings); err != nil {
		return fmt.Errorf("parse bindings: %w", err)
	}
	return nil
}

// saveLocked rewrites the full binding file. Callers hold r.mu.
func (r *Router) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create routing dir: %w", err)
	}
	data, err := json.MarshalIndent(r.bindings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bindings: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write bindings: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace bindings: %w", err)
	}
	return nil
}

// CreateBinding adds a binding, or updates the priority in place when an
// identical (agent, channel, peer) binding already exists.
func (r *Router) CreateBinding(agentID, channel, peer string, priority int) (*Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bindings {
		if b.AgentID == agentID && b.Channel == channel && b.Peer == peer {
			b.Priority = priority
			if err := r.saveLocked(); err != nil {
				return nil, err
			}
			return cloneBinding(b), nil
		}
	}

	b := &Binding{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Channel:   channel,
		Peer:      peer,
		Priority:  priority,
		Enabled:   true,
		CreatedAt: r.now().UTC(),
	}
	r.bindings = append(r.bindings, b)
	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	r.logger.Info("binding created", "agent", agentID, "channel", channel, "peer", peer, "priority", priority)
	return cloneBinding(b), nil
}

// RemoveBinding deletes a binding by id.
func (r *Router) RemoveBinding(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, b := range r.bindings {
		if b.ID == id {
			r.bindings = append(r.bindings[:i], r.bindings[i+1:]...)
			return r.saveLocked()
		}
	}
	return ErrNotFound
}

// SetEnabled toggles a binding by id.
func (r *Router) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bindings {
		if b.ID == id {
			b.Enabled = enabled
			return r.saveLocked()
		}
	}
	return ErrNotFound
}

// Resolve maps (channel, peer) to an agent. Lookup is three-phase: exact
// match, then wildcard peer, then the default agent. Within a phase the
// lowest priority wins; equal priorities keep insertion order. The session
// key always carries the real peer.
func (r *Router) Resolve(channel, peer string) Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b := r.bestLocked(channel, peer); b != nil {
		return Resolution{
			AgentID:    b.AgentID,
			SessionKey: models.SessionKey(b.AgentID, channel, peer),
			Binding:    cloneBinding(b),
		}
	}
	if b := r.bestLocked(channel, WildcardPeer); b != nil {
		return Resolution{
			AgentID:    b.AgentID,
			SessionKey: models.SessionKey(b.AgentID, channel, peer),
			Binding:    cloneBinding(b),
		}
	}
	return Resolution{
		AgentID:    r.defaultAgent,
		SessionKey: models.SessionKey(r.defaultAgent, channel, peer),
	}
}

// bestLocked returns the lowest-priority enabled binding matching exactly,
// keeping the earliest-registered on ties. Callers hold r.mu.
func (r *Router) bestLocked(channel, peer string) *Binding {
	var best *Binding
	for _, b := range r.bindings {
		if !b.Enabled || b.Channel != channel || b.Peer != peer {
			continue
		}
		if best == nil || b.Priority < best.Priority {
			best = b
		}
	}
	return best
}

// List returns all bindings in insertion order.
func (r *Router) List() []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, cloneBinding(b))
	}
	return out
}

// ListForAgent returns the bindings targeting one agent, in insertion order.
func (r *Router) ListForAgent(agentID string) []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Binding
	for _, b := range r.bindings {
		if b.AgentID == agentID {
			out = append(out, cloneBinding(b))
		}
	}
	return out
}

// DefaultAgent returns the fallback agent id.
func (r *Router) DefaultAgent() string {
	return r.defaultAgent
}

func cloneBinding(b *Binding) *Binding {
	clone := *b
	return &clone
}
