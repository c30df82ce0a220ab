// Package sessions persists conversations as an index file plus per-session
// append-only JSONL transcripts, and rebuilds history by replaying them.
package sessions

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lyq-lin/claw0/pkg/models"
)

// ErrNotFound is returned for operations on a session key that has no entry.
var ErrNotFound = errors.New("session not found")

const (
	indexFile     = "sessions.json"
	transcriptDir = "transcripts"
)

// Store owns the session index and transcript files. Safe for concurrent
// use; all file writes are serialized.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	index   map[string]*models.Session
	pending map[string][]pendingResult
}

type pendingResult struct {
	toolUseID string
	output    string
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

// NewStore opens the session store rooted at dir (the .sessions directory),
// loading the index if present.
func NewStore(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		root:    dir,
		logger:  slog.Default().With("component", "sessions"),
		now:     time.Now,
		index:   map[string]*models.Session{},
		pending: map[string][]pendingResult{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Join(dir, transcriptDir), 0o755); err != nil {
		return nil, fmt.Errorf("create session dirs: %w", err)
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return fmt.Errorf("parse session index: %w", err)
	}
	if s.index == nil {
		s.index = map[string]*models.Session{}
	}
	return nil
}

// saveIndexLocked rewrites the index atomically. Callers hold s.mu.
func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	path := filepath.Join(s.root, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace session index: %w", err)
	}
	return nil
}

func (s *Store) transcriptPath(sess *models.Session) string {
	return filepath.Join(s.root, transcriptDir, sess.TranscriptFile)
}

// newSessionID returns a 12-hex-char nonce.
func newSessionID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%012x", time.Now().UnixNano()&0xffffffffffff)
	}
	return hex.EncodeToString(b)
}

// ensureLocked returns the session for key, creating it on first reference.
func (s *Store) ensureLocked(key string) (*models.Session, error) {
	if sess, ok := s.index[key]; ok {
		return sess, nil
	}

	id := newSessionID()
	now := s.now().UTC()
	sess := &models.Session{
		ID:             id,
		Key:            key,
		CreatedAt:      now,
		UpdatedAt:      now,
		TranscriptFile: fmt.Sprintf("%s_%s.jsonl", models.SanitizeKey(key), id),
	}

	header := transcriptEntry{
		Type:    entrySession,
		TS:      now.Format(time.RFC3339),
		ID:      id,
		Key:     key,
		Created: now.Format(time.RFC3339),
	}
	if err := s.appendEntriesLocked(sess, header); err != nil {
		return nil, err
	}

	s.index[key] = sess
	if err := s.saveIndexLocked(); err != nil {
		return nil, err
	}
	s.logger.Debug("session created", "key", key, "id", id)
	return sess, nil
}

// appendEntriesLocked appends entries to the transcript in one write.
func (s *Store) appendEntriesLocked(sess *models.Session, entries ...transcriptEntry) error {
	var buf strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal transcript entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(s.transcriptPath(sess), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(buf.String()); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Create returns the session for key, creating it if needed.
func (s *Store) Create(key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.ensureLocked(key)
	if err != nil {
		return nil, err
	}
	return cloneSession(sess), nil
}

// Load returns the session metadata and its replayed history, creating the
// session on first reference.
func (s *Store) Load(key string) (*models.Session, []models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.ensureLocked(key)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(s.transcriptPath(sess))
	if err != nil {
		if os.IsNotExist(err) {
			return cloneSession(sess), nil, nil
		}
		return nil, nil, fmt.Errorf("read transcript: %w", err)
	}
	history := replayHistory(parseTranscript(data))
	return cloneSession(sess), history, nil
}

// SaveTurn appends a completed turn: the user entry, then each assistant
// block in order, with every tool_use entry immediately followed by the
// tool results recorded for it during the turn. Unmatched buffered results
// for the key are discarded at the turn boundary.
func (s *Store) SaveTurn(key, userText string, assistantBlocks []models.ContentBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.ensureLocked(key)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	ts := now.Format(time.RFC3339)

	userContent, err := json.Marshal(userText)
	if err != nil {
		return fmt.Errorf("marshal user content: %w", err)
	}
	entries := []transcriptEntry{{Type: entryUser, TS: ts, Content: userContent}}

	results := s.pending[key]
	for _, blk := range assistantBlocks {
		switch blk.Type {
		case models.BlockText:
			content, err := json.Marshal(blk.Text)
			if err != nil {
				return fmt.Errorf("marshal assistant content: %w", err)
			}
			entries = append(entries, transcriptEntry{Type: entryAssistant, TS: ts, Content: content})
		case models.BlockToolUse:
			entries = append(entries, transcriptEntry{
				Type:      entryToolUse,
				TS:        ts,
				Name:      blk.Name,
				ToolUseID: blk.ID,
				Input:     blk.Input,
			})
			for _, r := range results {
				if r.toolUseID == blk.ID {
					entries = append(entries, transcriptEntry{
						Type:      entryToolResult,
						TS:        ts,
						ToolUseID: r.toolUseID,
						Output:    r.output,
					})
				}
			}
		}
	}
	delete(s.pending, key)

	if err := s.appendEntriesLocked(sess, entries...); err != nil {
		return err
	}

	sess.UpdatedAt = now
	sess.MessageCount++
	return s.saveIndexLocked()
}

// SaveToolResult records one tool result for the in-flight turn on key. The
// result reaches the transcript when SaveTurn writes the completed turn.
func (s *Store) SaveToolResult(key, toolUseID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureLocked(key); err != nil {
		return err
	}
	s.pending[key] = append(s.pending[key], pendingResult{toolUseID: toolUseID, output: output})
	return nil
}

// DiscardPending drops buffered tool results for key, used when a turn
// aborts.
func (s *Store) DiscardPending(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

// List returns all sessions, most recently updated first.
func (s *Store) List() []*models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Session, 0, len(s.index))
	for _, sess := range s.index {
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Exists reports whether key has a session.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok
}

// Delete removes a session and its transcript.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.index[key]
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(s.transcriptPath(sess)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transcript: %w", err)
	}
	delete(s.index, key)
	delete(s.pending, key)
	return s.saveIndexLocked()
}

// RebuildIndex reconstructs the index by scanning transcript files. The
// index is a cache; the transcripts are the source of truth. Returns the
// number of sessions indexed.
func (s *Store) RebuildIndex() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, transcriptDir)
	names, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read transcript dir: %w", err)
	}

	rebuilt := map[string]*models.Session{}
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable transcript", "file", de.Name(), "error", err)
			continue
		}
		entries := parseTranscript(data)
		if len(entries) == 0 || entries[0].Type != entrySession || entries[0].Key == "" {
			continue
		}
		header := entries[0]
		created, err := time.Parse(time.RFC3339, header.Created)
		if err != nil {
			created = s.now().UTC()
		}
		updated := created
		if last := entries[len(entries)-1]; last.TS != "" {
			if ts, err := time.Parse(time.RFC3339, last.TS); err == nil {
				updated = ts
			}
		}
		rebuilt[header.Key] = &models.Session{
			ID:             header.ID,
			Key:            header.Key,
			CreatedAt:      created,
			UpdatedAt:      updated,
			MessageCount:   countUserEntries(entries),
			TranscriptFile: de.Name(),
		}
	}

	s.index = rebuilt
	if err := s.saveIndexLocked(); err != nil {
		return 0, err
	}
	s.logger.Info("session index rebuilt", "sessions", len(rebuilt))
	return len(rebuilt), nil
}

func cloneSession(sess *models.Session) *models.Session {
	clone := *sess
	return &clone
}
