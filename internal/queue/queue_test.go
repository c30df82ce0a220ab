package queue

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lyq-lin/claw0/pkg/models"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, clock *testClock, opts ...Option) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "delivery.db")
	opts = append([]Option{WithNow(clock.Now)}, opts...)
	q, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueue_DefaultsToPending(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "tg", "alice", "hello", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msg, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", msg.Status)
	}
	if msg.AttemptCount != 0 || msg.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("attempts = %d/%d, want 0/%d", msg.AttemptCount, msg.MaxAttempts, DefaultMaxAttempts)
	}
	if !msg.CreatedAt.Equal(clock.t) {
		t.Fatalf("created_at = %v, want %v", msg.CreatedAt, clock.t)
	}
	if msg.ScheduledAt != nil || msg.DeliveredAt != nil || msg.NextAttemptAt != nil {
		t.Fatalf("fresh message carries stray timestamps: %+v", msg)
	}

	if _, err := q.Enqueue(ctx, "", "alice", "x", nil); err == nil {
		t.Fatalf("expected error for missing channel")
	}
}

func TestDeliveryLifecycle(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "tg", "alice", "hello", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	msg, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != models.StatusProcessing || msg.AttemptCount != 1 {
		t.Fatalf("after reserve: status %s attempts %d", msg.Status, msg.AttemptCount)
	}

	// A reserved message cannot be reserved again.
	if err := q.MarkProcessing(ctx, id); err == nil {
		t.Fatalf("expected error reserving a processing message")
	}

	clock.Advance(time.Second)
	if err := q.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	msg, err = q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != models.StatusDelivered {
		t.Fatalf("status = %s, want delivered", msg.Status)
	}
	if msg.DeliveredAt == nil || !msg.DeliveredAt.Equal(clock.t) {
		t.Fatalf("delivered_at = %v, want %v", msg.DeliveredAt, clock.t)
	}

	// Delivered is terminal.
	if err := q.MarkDelivered(ctx, id); err == nil {
		t.Fatalf("expected error delivering twice")
	}
	if err := q.MarkProcessing(ctx, id); err == nil {
		t.Fatalf("expected error reserving a delivered message")
	}
}

func TestMarkFailed_BackoffLadder(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock, WithMaxAttempts(7))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "tg", "alice", "hello", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Delays follow the fixed ladder, clamped at five minutes.
	wantDelays := []time.Duration{
		time.Second,
		5 * time.Second,
		15 * time.Second,
		time.Minute,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, want := range wantDelays {
		if err := q.MarkProcessing(ctx, id); err != nil {
			t.Fatalf("MarkProcessing attempt %d: %v", i+1, err)
		}
		if err := q.MarkFailed(ctx, id, "send timeout"); err != nil {
			t.Fatalf("MarkFailed attempt %d: %v", i+1, err)
		}
		msg, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if msg.Status != models.StatusFailed {
			t.Fatalf("attempt %d: status = %s, want failed", i+1, msg.Status)
		}
		if msg.LastError != "send timeout" {
			t.Fatalf("attempt %d: last_error = %q", i+1, msg.LastError)
		}
		wantAt := clock.t.Add(want)
		if msg.NextAttemptAt == nil || !msg.NextAttemptAt.Equal(wantAt) {
			t.Fatalf("attempt %d: next_attempt_at = %v, want %v", i+1, msg.NextAttemptAt, wantAt)
		}
		clock.Advance(want)
	}

	// Seventh failure exhausts the cap and dead-letters.
	if err := q.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing final: %v", err)
	}
	if err := q.MarkFailed(ctx, id, "still down"); err != nil {
		t.Fatalf("MarkFailed final: %v", err)
	}
	msg, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != models.StatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", msg.Status)
	}
	if msg.NextAttemptAt != nil {
		t.Fatalf("dead letter keeps next_attempt_at = %v", msg.NextAttemptAt)
	}
	if msg.AttemptCount != 7 {
		t.Fatalf("attempts = %d, want 7", msg.AttemptCount)
	}
}

func TestGetPending_ReadyPredicate(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)
	ctx := context.Background()

	ready, err := q.Enqueue(ctx, "tg", "alice", "now", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	future := clock.t.Add(time.Hour)
	if _, err := q.Enqueue(ctx, "tg", "alice", "later", &EnqueueOptions{ScheduledAt: &future}); err != nil {
		t.Fatalf("Enqueue scheduled: %v", err)
	}
	backedOff, err := q.Enqueue(ctx, "tg", "alice", "cooling", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkProcessing(ctx, backedOff); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := q.MarkFailed(ctx, backedOff, "oops"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, err := q.GetPending(ctx, 0)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(got) != 1 || got[0].ID != ready {
		t.Fatalf("pending = %d messages, want only the ready one", len(got))
	}

	// Past the back-off window the failed message is ready again.
	clock.Advance(time.Second)
	got, err = q.GetPending(ctx, 0)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("pending after back-off = %d messages, want 2", len(got))
	}

	// Past the scheduled time everything is ready.
	clock.Advance(time.Hour)
	got, err = q.GetPending(ctx, 0)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("pending after schedule = %d messages, want 3", len(got))
	}
}

func TestGetPending_PriorityThenAge(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)
	ctx := context.Background()

	oldLow, err := q.Enqueue(ctx, "tg", "a", "old low", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	clock.Advance(time.Second)
	newLow, err := q.Enqueue(ctx, "tg", "a", "new low", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	clock.Advance(time.Second)
	urgent, err := q.Enqueue(ctx, "tg", "a", "urgent", &EnqueueOptions{Priority: 5})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := q.GetPending(ctx, 2)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("pending = %d messages, want 2 (limit)", len(got))
	}
	if got[0].ID != urgent || got[1].ID != oldLow {
		t.Fatalf("order = %q, %q; want urgent first then oldest", got[0].Content, got[1].Content)
	}
	_ = newLow
}

func TestRetryDeadLetter(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock, WithMaxAttempts(1))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "tg", "alice", "hello", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := q.MarkFailed(ctx, id, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	letters, err := q.GetDeadLetters(ctx, 0)
	if err != nil {
		t.Fatalf("GetDeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].ID != id {
		t.Fatalf("dead letters = %+v", letters)
	}

	if err := q.RetryDeadLetter(ctx, id); err != nil {
		t.Fatalf("RetryDeadLetter: %v", err)
	}
	msg, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != models.StatusPending || msg.AttemptCount != 0 || msg.LastError != "" || msg.NextAttemptAt != nil {
		t.Fatalf("retry did not reset message: %+v", msg)
	}

	// Only dead letters can be requeued.
	if err := q.RetryDeadLetter(ctx, id); err == nil {
		t.Fatalf("expected error retrying a pending message")
	}
	if err := q.RetryDeadLetter(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("retry missing = %v, want ErrNotFound", err)
	}

	// And the requeued message can complete normally.
	if err := q.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing after retry: %v", err)
	}
	if err := q.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("MarkDelivered after retry: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock, WithMaxAttempts(1))
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "tg", "a", "p1", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	delivered, err := q.Enqueue(ctx, "tg", "a", "d1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkProcessing(ctx, delivered); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := q.MarkDelivered(ctx, delivered); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	dead, err := q.Enqueue(ctx, "tg", "a", "x1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkProcessing(ctx, dead); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := q.MarkFailed(ctx, dead, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	want := models.QueueStats{Pending: 1, Delivered: 1, DeadLetter: 1, Total: 3}
	if *stats != want {
		t.Fatalf("stats = %+v, want %+v", *stats, want)
	}
}

func TestReapStale(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)
	ctx := context.Background()

	stuck, err := q.Enqueue(ctx, "tg", "a", "stuck", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkProcessing(ctx, stuck); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	clock.Advance(time.Minute)
	fresh, err := q.Enqueue(ctx, "tg", "a", "fresh", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkProcessing(ctx, fresh); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	clock.Advance(4*time.Minute + 30*time.Second)
	reaped, err := q.ReapStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	msg, err := q.Get(ctx, stuck)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != models.StatusFailed || !strings.Contains(msg.LastError, "processing timeout") {
		t.Fatalf("stuck message = %+v, want failed with timeout error", msg)
	}
	// The reaped message is immediately ready again.
	pending, err := q.GetPending(ctx, 0)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != stuck {
		t.Fatalf("pending after reap = %+v", pending)
	}

	other, err := q.Get(ctx, fresh)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if other.Status != models.StatusProcessing {
		t.Fatalf("fresh message reaped early: %s", other.Status)
	}
}
