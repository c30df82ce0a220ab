// Package memory provides keyword-scored agent memory. Records live in an
// append-only JSONL file mirrored in memory, capped with FIFO eviction.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyq-lin/claw0/pkg/models"
)

// MaxEntries bounds the store; the oldest record is evicted past this.
const MaxEntries = 1000

var wordPattern = regexp.MustCompile(`\w+`)

// stopWords are query tokens that carry no retrieval signal.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "her": {}, "was": {}, "one": {},
	"our": {}, "out": {}, "day": {}, "get": {}, "has": {}, "him": {},
	"his": {}, "how": {}, "its": {}, "may": {}, "new": {}, "now": {},
	"old": {}, "see": {}, "two": {}, "way": {}, "who": {}, "did": {},
	"yes": {}, "she": {}, "that": {}, "this": {}, "with": {}, "have": {},
	"from": {}, "they": {}, "will": {}, "what": {}, "about": {}, "which": {},
	"when": {}, "were": {}, "there": {}, "been": {}, "their": {}, "your": {},
}

// Store is the memory store. Safe for concurrent use.
type Store struct {
	path    string
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.RWMutex
	entries []models.Memory
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens the store at path, loading any existing records. Corrupt
// lines are skipped.
func NewStore(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: slog.Default().With("component", "memory"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m models.Memory
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		s.entries = append(s.entries, m)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan memory file: %w", err)
	}
	if len(s.entries) > MaxEntries {
		s.entries = s.entries[len(s.entries)-MaxEntries:]
	}
	return nil
}

// Record appends a memory. When the cap is reached the oldest record is
// evicted and the file rewritten; otherwise the write is a pure append.
func (s *Store) Record(content, sessionKey string, tags []string, importance float64) (*models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := models.Memory{
		ID:         uuid.NewString(),
		Content:    content,
		SessionKey: sessionKey,
		CreatedAt:  s.now().UTC(),
		Tags:       tags,
		Importance: importance,
	}

	if len(s.entries) >= MaxEntries {
		s.entries = append(s.entries[len(s.entries)-MaxEntries+1:], m)
		if err := s.rewrite(); err != nil {
			return nil, err
		}
		return &m, nil
	}

	s.entries = append(s.entries, m)
	if err := s.appendLine(m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) appendLine(m models.Memory) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

func (s *Store) rewrite() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create memory temp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, m := range s.entries {
		data, err := json.Marshal(m)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal memory: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush memory temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close memory temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace memory file: %w", err)
	}
	return nil
}

// Count returns the number of stored memories.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Retrieve returns up to k memories scoring positive against the query,
// highest score first.
func (s *Store) Retrieve(query string, k int) []models.ScoredMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil
	}
	queryLower := strings.ToLower(query)

	var scored []models.ScoredMemory
	for _, m := range s.entries {
		score := scoreMemory(m, tokens, queryLower)
		if score > 0 {
			scored = append(scored, models.ScoredMemory{Memory: m, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// queryTokens lowercases, splits on word boundaries, and drops short and
// stop-word tokens.
func queryTokens(query string) []string {
	var tokens []string
	for _, tok := range wordPattern.FindAllString(strings.ToLower(query), -1) {
		if len(tok) < 3 {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

func scoreMemory(m models.Memory, tokens []string, queryLower string) float64 {
	contentLower := strings.ToLower(m.Content)
	var score float64
	for _, tok := range tokens {
		if strings.Contains(contentLower, tok) {
			score++
		}
	}
	for _, tag := range m.Tags {
		if tag != "" && strings.Contains(queryLower, strings.ToLower(tag)) {
			score += 0.5
		}
	}
	if m.Importance > 0 {
		score *= 1 + m.Importance
	}
	return score
}
