package channels

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileChannel_InboxConsumedOnRead(t *testing.T) {
	dir := t.TempDir()
	ch := NewFileChannel(dir)
	ctx := context.Background()

	inbox := filepath.Join(dir, "file_inbox.txt")
	seed := "alice\thello there\nbare line\n\n"
	if err := os.WriteFile(inbox, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	msg, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg == nil || msg.Sender != "alice" || msg.Text != "hello there" {
		t.Errorf("first message = %+v, want alice/hello there", msg)
	}
	if msg.Channel != FileChannelID {
		t.Errorf("channel = %q, want %q", msg.Channel, FileChannelID)
	}

	msg, _ = ch.Receive(ctx)
	if msg == nil || msg.Sender != FileChannelID || msg.Text != "bare line" {
		t.Errorf("bare line should default sender to %q, got %+v", FileChannelID, msg)
	}

	if msg, _ = ch.Receive(ctx); msg != nil {
		t.Errorf("expected drained inbox, got %+v", msg)
	}

	data, err := os.ReadFile(inbox)
	if err != nil {
		t.Fatalf("read inbox: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("inbox should be truncated after drain, has %d bytes", len(data))
	}
}

func TestFileChannel_SendAppendsToOutbox(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	ch := NewFileChannel(dir, WithFileNow(func() time.Time { return at }))
	ctx := context.Background()

	if err := ch.Send(ctx, "alice", "first reply", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := ch.Send(ctx, "bob", "second", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "file_outbox.txt"))
	if err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	want := "[2026-02-01T12:00:00Z] alice: first reply\n[2026-02-01T12:00:00Z] bob: second\n"
	if string(data) != want {
		t.Errorf("outbox:\n got %q\nwant %q", string(data), want)
	}
}

func TestFileChannel_StartStop(t *testing.T) {
	dir := t.TempDir()
	ch := NewFileChannel(dir)

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, name := range []string{"file_inbox.txt", "file_outbox.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist after start: %v", name, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
