package routing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRouter(t *testing.T, defaultAgent string) *Router {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bindings.json")
	r, err := NewRouter(path, defaultAgent, WithNow(func() time.Time {
		return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func TestResolve_DefaultWhenEmpty(t *testing.T) {
	r := newTestRouter(t, "main")

	res := r.Resolve("tg", "alice")
	if res.AgentID != "main" {
		t.Fatalf("agent = %q, want main", res.AgentID)
	}
	if res.SessionKey != "main:tg:alice" {
		t.Fatalf("session key = %q, want main:tg:alice", res.SessionKey)
	}
	if res.Binding != nil {
		t.Fatalf("expected nil binding for default resolution")
	}
}

func TestResolve_WildcardBeforeDefault(t *testing.T) {
	r := newTestRouter(t, "main")

	if _, err := r.CreateBinding("agentA", "tg", WildcardPeer, 50); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}

	res := r.Resolve("tg", "alice")
	if res.AgentID != "agentA" {
		t.Fatalf("agent = %q, want agentA", res.AgentID)
	}
	if res.SessionKey != "agentA:tg:alice" {
		t.Fatalf("session key = %q, want agentA:tg:alice", res.SessionKey)
	}
	if res.Binding == nil || res.Binding.Peer != WildcardPeer {
		t.Fatalf("expected wildcard binding in resolution, got %+v", res.Binding)
	}
}

func TestResolve_PhaseAndPriorityOrder(t *testing.T) {
	r := newTestRouter(t, "fallback")

	b1, err := r.CreateBinding("a1", "ch", "peer", 10)
	if err != nil {
		t.Fatalf("CreateBinding b1: %v", err)
	}
	b2, err := r.CreateBinding("a2", "ch", WildcardPeer, 5)
	if err != nil {
		t.Fatalf("CreateBinding b2: %v", err)
	}
	b3, err := r.CreateBinding("a3", "ch", "peer", 1)
	if err != nil {
		t.Fatalf("CreateBinding b3: %v", err)
	}

	// Exact matches outrank the wildcard regardless of priority.
	if got := r.Resolve("ch", "peer").AgentID; got != "a3" {
		t.Fatalf("resolve = %q, want a3", got)
	}

	if err := r.SetEnabled(b3.ID, false); err != nil {
		t.Fatalf("SetEnabled b3: %v", err)
	}
	if got := r.Resolve("ch", "peer").AgentID; got != "a1" {
		t.Fatalf("resolve after disabling b3 = %q, want a1", got)
	}

	if err := r.SetEnabled(b1.ID, false); err != nil {
		t.Fatalf("SetEnabled b1: %v", err)
	}
	if got := r.Resolve("ch", "peer").AgentID; got != "a2" {
		t.Fatalf("resolve after disabling b1 = %q, want a2", got)
	}

	if err := r.SetEnabled(b2.ID, false); err != nil {
		t.Fatalf("SetEnabled b2: %v", err)
	}
	if got := r.Resolve("ch", "peer").AgentID; got != "fallback" {
		t.Fatalf("resolve after disabling all = %q, want fallback", got)
	}
}

func TestResolve_InsertionOrderBreaksTies(t *testing.T) {
	r := newTestRouter(t, "main")

	if _, err := r.CreateBinding("first", "ch", "peer", 7); err != nil {
		t.Fatalf("CreateBinding first: %v", err)
	}
	if _, err := r.CreateBinding("second", "ch", "peer", 7); err != nil {
		t.Fatalf("CreateBinding second: %v", err)
	}

	if got := r.Resolve("ch", "peer").AgentID; got != "first" {
		t.Fatalf("resolve = %q, want first (earliest registered)", got)
	}
}

func TestCreateBinding_UpdatesExistingPriority(t *testing.T) {
	r := newTestRouter(t, "main")

	b, err := r.CreateBinding("a1", "ch", "peer", 10)
	if err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	again, err := r.CreateBinding("a1", "ch", "peer", 3)
	if err != nil {
		t.Fatalf("CreateBinding again: %v", err)
	}

	if again.ID != b.ID {
		t.Fatalf("expected same binding id, got %q and %q", b.ID, again.ID)
	}
	if again.Priority != 3 {
		t.Fatalf("priority = %d, want 3", again.Priority)
	}
	if got := len(r.List()); got != 1 {
		t.Fatalf("binding count = %d, want 1", got)
	}
}

func TestRemoveBinding(t *testing.T) {
	r := newTestRouter(t, "main")

	b, err := r.CreateBinding("a1", "ch", "peer", 1)
	if err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	if err := r.RemoveBinding(b.ID); err != nil {
		t.Fatalf("RemoveBinding: %v", err)
	}
	if got := r.Resolve("ch", "peer").AgentID; got != "main" {
		t.Fatalf("resolve after remove = %q, want main", got)
	}
	if err := r.RemoveBinding(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove = %v, want ErrNotFound", err)
	}
}

func TestRouter_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.json")

	r, err := NewRouter(path, "main")
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if _, err := r.CreateBinding("a1", "ch", "peer", 7); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	if _, err := r.CreateBinding("a2", "ch", "peer", 7); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}

	reopened, err := NewRouter(path, "main")
	if err != nil {
		t.Fatalf("NewRouter reopen: %v", err)
	}
	bindings := reopened.List()
	if len(bindings) != 2 {
		t.Fatalf("binding count after reopen = %d, want 2", len(bindings))
	}
	if bindings[0].AgentID != "a1" || bindings[1].AgentID != "a2" {
		t.Fatalf("insertion order lost: %q, %q", bindings[0].AgentID, bindings[1].AgentID)
	}
	// Tie-break survives the reload.
	if got := reopened.Resolve("ch", "peer").AgentID; got != "a1" {
		t.Fatalf("resolve after reopen = %q, want a1", got)
	}
}

func TestListForAgent(t *testing.T) {
	r := newTestRouter(t, "main")

	if _, err := r.CreateBinding("a1", "tg", "alice", 1); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	if _, err := r.CreateBinding("a2", "tg", "bob", 1); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	if _, err := r.CreateBinding("a1", "discord", WildcardPeer, 2); err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}

	got := r.ListForAgent("a1")
	if len(got) != 2 {
		t.Fatalf("ListForAgent = %d bindings, want 2", len(got))
	}
	if got[0].Channel != "tg" || got[1].Channel != "discord" {
		t.Fatalf("unexpected order: %q, %q", got[0].Channel, got[1].Channel)
	}
}

func TestNewRouter_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := NewRouter(path, "main"); err == nil {
		t.Fatalf("expected error for corrupt bindings file")
	}
}
