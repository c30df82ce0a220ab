package soul

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store reads and writes soul files under a single directory, one file per
// agent id.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a soul store rooted at dir. The directory is created on
// first save.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		logger: slog.Default().With("component", "soul"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the file path for an agent's soul.
func (s *Store) Path(agentID string) string {
	return filepath.Join(s.dir, agentID+".md")
}

// Load reads an agent's soul, falling back to the default persona when the
// file does not exist.
func (s *Store) Load(agentID string) (*Soul, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(agentID))
	if os.IsNotExist(err) {
		return Default(agentID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read soul %s: %w", agentID, err)
	}
	parsed := Parse(string(data))
	if parsed.Name == "" {
		parsed.Name = agentID
	}
	return parsed, nil
}

// Save rewrites an agent's soul file in canonical form.
func (s *Store) Save(agentID string, soul *Soul) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create soul dir: %w", err)
	}
	if soul.Name == "" {
		soul.Name = agentID
	}
	if err := os.WriteFile(s.Path(agentID), []byte(soul.Render()), 0o644); err != nil {
		return fmt.Errorf("write soul %s: %w", agentID, err)
	}
	s.logger.Debug("soul saved", "agent", agentID)
	return nil
}
