package memory

import (
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "memories.jsonl"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	return s
}

func TestStore_RecordAndRetrieve(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Record("The deploy pipeline runs at midnight", "main:cli:user", []string{"deploy"}, 0); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if _, err := s.Record("Coffee machine is on floor 2", "main:cli:user", nil, 0); err != nil {
		t.Fatalf("Record error: %v", err)
	}

	got := s.Retrieve("when does the deploy pipeline run", 3)
	if len(got) != 1 {
		t.Fatalf("Retrieve returned %d results, want 1", len(got))
	}
	if got[0].Memory.Content != "The deploy pipeline runs at midnight" {
		t.Errorf("retrieved %q", got[0].Memory.Content)
	}
}

func TestStore_ScoringOrder(t *testing.T) {
	s := newTestStore(t)
	s.Record("kubernetes cluster upgrade notes", "", nil, 0)
	s.Record("kubernetes cluster upgrade notes with deploy steps", "", nil, 0)
	s.Record("unrelated grocery list", "", nil, 0)

	got := s.Retrieve("kubernetes cluster deploy", 3)
	if len(got) != 2 {
		t.Fatalf("Retrieve returned %d results, want 2 (zero scores excluded)", len(got))
	}
	if got[0].Memory.Content != "kubernetes cluster upgrade notes with deploy steps" {
		t.Errorf("highest score = %q", got[0].Memory.Content)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v, %v", got[0].Score, got[1].Score)
	}
}

func TestStore_TagAndImportanceBoost(t *testing.T) {
	s := newTestStore(t)
	s.Record("weekly report summary", "", []string{"report"}, 0)
	s.Record("weekly report summary", "", []string{"report"}, 1.0)

	got := s.Retrieve("weekly report", 2)
	if len(got) != 2 {
		t.Fatalf("Retrieve returned %d results, want 2", len(got))
	}
	// Same text and tags; importance 1.0 doubles the score.
	if got[0].Memory.Importance != 1.0 {
		t.Errorf("importance boost not applied, top importance = %v", got[0].Memory.Importance)
	}
	if got[0].Score != 2*got[1].Score {
		t.Errorf("score = %v, want double of %v", got[0].Score, got[1].Score)
	}
}

func TestStore_ShortAndStopTokensIgnored(t *testing.T) {
	s := newTestStore(t)
	s.Record("the and for", "", nil, 0)
	if got := s.Retrieve("the an it", 3); len(got) != 0 {
		t.Errorf("stop/short tokens produced %d results", len(got))
	}
}

func TestStore_CapacityEviction(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < MaxEntries+1; i++ {
		if _, err := s.Record(fmt.Sprintf("memory number %d", i), "", nil, 0); err != nil {
			t.Fatalf("Record %d error: %v", i, err)
		}
	}
	if s.Count() != MaxEntries {
		t.Fatalf("Count = %d, want %d", s.Count(), MaxEntries)
	}
	// The first record is gone; "memory number 0" only matches itself.
	for _, sm := range s.Retrieve("memory number", MaxEntries) {
		if sm.Memory.Content == "memory number 0" {
			t.Errorf("oldest record survived eviction")
		}
	}
}

func TestStore_ReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memories.jsonl")
	s1, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	s1.Record("persisted fact about redis", "", nil, 0)

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	if s2.Count() != 1 {
		t.Fatalf("reloaded Count = %d, want 1", s2.Count())
	}
	if got := s2.Retrieve("redis", 1); len(got) != 1 {
		t.Errorf("reloaded Retrieve returned %d results", len(got))
	}
}
