// Package worker drains the delivery queue into the channel registry.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lyq-lin/claw0/internal/channels"
	"github.com/lyq-lin/claw0/internal/queue"
	"github.com/lyq-lin/claw0/pkg/models"
)

const (
	defaultPollInterval = time.Second
	defaultErrorSleep   = 5 * time.Second
	defaultBatchSize    = 10
	defaultStaleAfter   = 5 * time.Minute

	// reapEvery is how many polls pass between stale-message sweeps.
	reapEvery = 60
)

// MetricsRecorder receives delivery outcomes and queue depth snapshots.
type MetricsRecorder interface {
	MessageSent(channel string)
	RecordDelivery(status string)
	SetQueueDepth(stats models.QueueStats)
}

// Worker polls the queue for ready messages and delivers them through
// the registered channels, one chunk at a time. Failures are recorded
// on the message; the queue's back-off decides when it is retried.
type Worker struct {
	queue    *queue.Queue
	registry *channels.Registry
	logger   *slog.Logger
	metrics  MetricsRecorder

	poll       time.Duration
	errorSleep time.Duration
	batchSize  int
	staleAfter time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithPollInterval overrides how often the queue is polled.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithBatchSize overrides how many messages one poll reserves.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithStaleAfter overrides how long a message may sit in Processing
// before the sweep reclaims it.
func WithStaleAfter(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.staleAfter = d
		}
	}
}

// WithMetrics sets the delivery metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// NewWorker creates a delivery worker over the queue and registry.
func NewWorker(q *queue.Queue, registry *channels.Registry, opts ...Option) *Worker {
	w := &Worker{
		queue:      q,
		registry:   registry,
		logger:     slog.Default().With("component", "worker"),
		poll:       defaultPollInterval,
		errorSleep: defaultErrorSleep,
		batchSize:  defaultBatchSize,
		staleAfter: defaultStaleAfter,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("worker already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("delivery worker started", "poll_interval", w.poll)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	w.cancel()
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("delivery worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			polls++
			if polls%reapEvery == 0 {
				if n, err := w.queue.ReapStale(ctx, w.staleAfter); err != nil {
					w.logger.Warn("stale sweep failed", "error", err)
				} else if n > 0 {
					w.logger.Info("reclaimed stale messages", "count", n)
				}
			}
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("queue poll failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.errorSleep):
				}
			}
		}
	}
}

// RunOnce polls the queue once and attempts every ready message.
// It returns the number of messages delivered.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	msgs, err := w.queue.GetPending(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("poll queue: %w", err)
	}
	delivered := 0
	for _, msg := range msgs {
		if err := w.deliver(ctx, msg); err != nil {
			w.logger.Warn("delivery failed",
				"message_id", msg.ID,
				"channel", msg.Channel,
				"attempt", msg.AttemptCount+1,
				"error", err)
			if w.metrics != nil {
				w.metrics.RecordDelivery("failed")
			}
			continue
		}
		delivered++
	}
	if w.metrics != nil {
		if stats, err := w.queue.GetStats(ctx); err == nil {
			w.metrics.SetQueueDepth(*stats)
		}
	}
	return delivered, nil
}

// deliver reserves one message and pushes its chunks through the
// channel. Any failure is recorded on the message before returning.
func (w *Worker) deliver(ctx context.Context, msg *models.DeliveryMessage) error {
	if err := w.queue.MarkProcessing(ctx, msg.ID); err != nil {
		// Another worker won the reservation; the message is not ours.
		w.logger.Debug("reservation lost", "message_id", msg.ID, "error", err)
		return nil
	}

	ch, ok := w.registry.Get(msg.Channel)
	if !ok {
		return w.fail(ctx, msg.ID, fmt.Sprintf("unknown channel: %s", msg.Channel))
	}

	for _, chunk := range channels.Chunk(msg.Content, ch.MaxTextLength()) {
		if err := ch.Send(ctx, msg.Recipient, chunk, msg.ThreadID); err != nil {
			return w.fail(ctx, msg.ID, err.Error())
		}
	}

	if err := w.queue.MarkDelivered(ctx, msg.ID); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if w.metrics != nil {
		w.metrics.MessageSent(msg.Channel)
		w.metrics.RecordDelivery("delivered")
	}
	w.logger.Debug("message delivered", "message_id", msg.ID, "channel", msg.Channel)
	return nil
}

func (w *Worker) fail(ctx context.Context, id, reason string) error {
	if err := w.queue.MarkFailed(ctx, id, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return fmt.Errorf("%s", reason)
}
