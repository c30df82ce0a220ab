// Package queue implements the persistent outbound delivery queue.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/lyq-lin/claw0/internal/backoff"
	"github.com/lyq-lin/claw0/pkg/models"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message not found")

// DefaultMaxAttempts is the delivery attempt cap for new messages.
const DefaultMaxAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	channel         TEXT NOT NULL,
	recipient       TEXT NOT NULL,
	content         TEXT NOT NULL,
	thread_id       TEXT NOT NULL DEFAULT '',
	session_key     TEXT NOT NULL DEFAULT '',
	status          INTEGER NOT NULL DEFAULT 0,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 5,
	priority        INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	scheduled_at    INTEGER,
	delivered_at    INTEGER,
	next_attempt_at INTEGER,
	last_error      TEXT NOT NULL DEFAULT '',
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_messages_next_attempt ON messages(next_attempt_at);
`

const messageColumns = "id, channel, recipient, content, thread_id, session_key, status, attempt_count, max_attempts, priority, created_at, scheduled_at, delivered_at, next_attempt_at, last_error"

// Queue is the SQLite-backed delivery queue. Timestamps are stored as
// UTC unix milliseconds so range predicates stay index-friendly.
type Queue struct {
	db          *sql.DB
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

// Option configures the queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithMaxAttempts sets the attempt cap applied to new messages.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// Open opens (creating if needed) the delivery database at path.
func Open(path string, opts ...Option) (*Queue, error) {
	q := &Queue{
		logger:      slog.Default().With("component", "queue"),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	q.db = db
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// EnqueueOptions carries the optional enqueue fields.
type EnqueueOptions struct {
	ThreadID    string
	SessionKey  string
	ScheduledAt *time.Time
	Priority    int
}

// Enqueue inserts a new pending message and returns its id.
func (q *Queue) Enqueue(ctx context.Context, channel, recipient, content string, opts *EnqueueOptions) (string, error) {
	if channel == "" || recipient == "" {
		return "", fmt.Errorf("channel and recipient are required")
	}
	if opts == nil {
		opts = &EnqueueOptions{}
	}

	id := uuid.NewString()
	now := q.now().UTC()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel, recipient, content, thread_id, session_key, status, attempt_count, max_attempts, priority, created_at, scheduled_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		id,
		channel,
		recipient,
		content,
		opts.ThreadID,
		opts.SessionKey,
		int(models.StatusPending),
		q.maxAttempts,
		opts.Priority,
		now.UnixMilli(),
		unixMilli(opts.ScheduledAt),
		now.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	q.logger.Debug("message enqueued", "id", id, "channel", channel, "recipient", recipient)
	return id, nil
}

// Get returns one message by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.DeliveryMessage, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// GetPending returns ready messages ordered by priority descending then
// age, up to limit (default 10). Ready means pending or failed with
// attempts left, past any scheduled time and past any back-off window.
func (q *Queue) GetPending(ctx context.Context, limit int) ([]*models.DeliveryMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	now := q.now().UTC().UnixMilli()
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+messageColumns+` FROM messages
		 WHERE status IN (?, ?)
		   AND attempt_count < max_attempts
		   AND (scheduled_at IS NULL OR scheduled_at <= ?)
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY priority DESC, created_at ASC
		 LIMIT ?`,
		int(models.StatusPending), int(models.StatusFailed), now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []*models.DeliveryMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending rows: %w", err)
	}
	return out, nil
}

// MarkProcessing reserves a message: status moves to Processing and the
// attempt counter increments, atomically, only from Pending or Failed.
func (q *Queue) MarkProcessing(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		int(models.StatusProcessing), q.now().UTC().UnixMilli(), id,
		int(models.StatusPending), int(models.StatusFailed))
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return q.checkTransition(ctx, res, id, "reservable")
}

// MarkDelivered completes a processing message.
func (q *Queue) MarkDelivered(ctx context.Context, id string) error {
	now := q.now().UTC()
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, delivered_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		int(models.StatusDelivered), now.UnixMilli(), now.UnixMilli(), id, int(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return q.checkTransition(ctx, res, id, "processing")
}

// MarkFailed records a delivery failure. With attempts left the message
// returns to Failed with a back-off window; otherwise it dead-letters
// and the back-off window is cleared.
func (q *Queue) MarkFailed(ctx context.Context, id, lastError string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed transition: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempt_count, max_attempts FROM messages WHERE id = ? AND status = ?`,
		id, int(models.StatusProcessing)).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s is not processing", id)
	}
	if err != nil {
		return fmt.Errorf("load attempts: %w", err)
	}

	now := q.now().UTC()
	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, last_error = ?, next_attempt_at = NULL, updated_at = ? WHERE id = ?`,
			int(models.StatusDeadLetter), lastError, now.UnixMilli(), id)
		if err == nil {
			q.logger.Warn("message dead-lettered", "id", id, "attempts", attempts, "error", lastError)
		}
	} else {
		next := now.Add(backoff.DeliveryDelay(attempts))
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
			int(models.StatusFailed), lastError, next.UnixMilli(), now.UnixMilli(), id)
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return tx.Commit()
}

// RetryDeadLetter requeues a dead letter: attempts reset to zero, the
// error and back-off window clear, status returns to Pending. This is
// the only reverse transition the queue allows.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, attempt_count = 0, last_error = '', next_attempt_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		int(models.StatusPending), q.now().UTC().UnixMilli(), id, int(models.StatusDeadLetter))
	if err != nil {
		return fmt.Errorf("retry dead letter: %w", err)
	}
	return q.checkTransition(ctx, res, id, "a dead letter")
}

// GetDeadLetters returns dead-lettered messages, oldest first.
func (q *Queue) GetDeadLetters(ctx context.Context, limit int) ([]*models.DeliveryMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE status = ? ORDER BY created_at ASC LIMIT ?",
		int(models.StatusDeadLetter), limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []*models.DeliveryMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter rows: %w", err)
	}
	return out, nil
}

// GetStats counts messages per status.
func (q *Queue) GetStats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, count(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var status, count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		switch models.DeliveryStatus(status) {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusProcessing:
			stats.Processing = count
		case models.StatusDelivered:
			stats.Delivered = count
		case models.StatusFailed:
			stats.Failed = count
		case models.StatusDeadLetter:
			stats.DeadLetter = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats rows: %w", err)
	}
	return stats, nil
}

// ReapStale reverts messages stuck in Processing longer than olderThan.
// Rows with attempts left return to Failed and become immediately
// retryable; exhausted rows dead-letter. Returns how many rows moved.
func (q *Queue) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.now().UTC()
	cutoff := now.Add(-olderThan).UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reap: %w", err)
	}
	defer tx.Rollback()

	dead, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = ?, last_error = 'processing timeout', next_attempt_at = NULL, updated_at = ?
		 WHERE status = ? AND updated_at <= ? AND attempt_count >= max_attempts`,
		int(models.StatusDeadLetter), now.UnixMilli(), int(models.StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap exhausted: %w", err)
	}
	failed, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = ?, last_error = 'processing timeout', next_attempt_at = ?, updated_at = ?
		 WHERE status = ? AND updated_at <= ?`,
		int(models.StatusFailed), now.UnixMilli(), now.UnixMilli(), int(models.StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reap: %w", err)
	}

	deadN, _ := dead.RowsAffected()
	failedN, _ := failed.RowsAffected()
	total := deadN + failedN
	if total > 0 {
		q.logger.Warn("reaped stale processing messages", "count", total, "dead_lettered", deadN)
	}
	return total, nil
}

// checkTransition turns a zero-row UPDATE into a useful error.
func (q *Queue) checkTransition(ctx context.Context, res sql.Result, id, want string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var status int
	err = q.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	return fmt.Errorf("message %s is not %s (status %s)", id, want, models.DeliveryStatus(status))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.DeliveryMessage, error) {
	var (
		msg                             models.DeliveryMessage
		createdAt                       int64
		scheduled, delivered, nextRetry sql.NullInt64
	)
	err := row.Scan(
		&msg.ID,
		&msg.Channel,
		&msg.Recipient,
		&msg.Content,
		&msg.ThreadID,
		&msg.SessionKey,
		&msg.Status,
		&msg.AttemptCount,
		&msg.MaxAttempts,
		&msg.Priority,
		&createdAt,
		&scheduled,
		&delivered,
		&nextRetry,
		&msg.LastError,
	)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	msg.ScheduledAt = fromMilli(scheduled)
	msg.DeliveredAt = fromMilli(delivered)
	msg.NextAttemptAt = fromMilli(nextRetry)
	return &msg, nil
}

func unixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
