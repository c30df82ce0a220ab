package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lyq-lin/claw0/pkg/models"
)

const (
	// FileChannelID is the id of the local file channel.
	FileChannelID = "file"

	fileMaxTextLength = 4000

	// filePollInterval backs up the watcher; some filesystems drop events.
	filePollInterval = 2 * time.Second
)

// FileChannel reads inbound messages from an inbox text file and appends
// outbound messages to an outbox file. The inbox is consumed on read:
// each line is one message, either "sender<TAB>text" or bare text from
// the sender "file".
type FileChannel struct {
	inboxPath  string
	outboxPath string
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending []*models.InboundMessage

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// FileOption configures a FileChannel.
type FileOption func(*FileChannel)

// WithFileLogger sets the channel logger.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(c *FileChannel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFileNow injects the clock, for tests.
func WithFileNow(now func() time.Time) FileOption {
	return func(c *FileChannel) {
		if now != nil {
			c.now = now
		}
	}
}

// NewFileChannel creates the file channel rooted at dir (typically
// <workspace>/.channels).
func NewFileChannel(dir string, opts ...FileOption) *FileChannel {
	c := &FileChannel{
		inboxPath:  filepath.Join(dir, "file_inbox.txt"),
		outboxPath: filepath.Join(dir, "file_outbox.txt"),
		logger:     slog.Default().With("component", "channel.file"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID implements Channel.
func (c *FileChannel) ID() string { return FileChannelID }

// MaxTextLength implements Channel.
func (c *FileChannel) MaxTextLength() int { return fileMaxTextLength }

// Start begins watching the inbox for new lines.
func (c *FileChannel) Start(ctx context.Context) error {
	dir := filepath.Dir(c.inboxPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create channel dir: %w", err)
	}
	for _, path := range []string{c.inboxPath, c.outboxPath} {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %w", filepath.Base(path), err)
		}
		f.Close()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: truncating or replacing the inbox file breaks
	// a direct file watch.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	c.watcher = watcher

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.watchLoop(ctx)

	c.logger.Info("file channel started", "inbox", c.inboxPath)
	return nil
}

// Stop shuts down the watcher loop.
func (c *FileChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *FileChannel) watchLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.watcher.Close()

	ticker := time.NewTicker(filePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Name == c.inboxPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.drainInbox()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("inbox watch error", "error", err)
		case <-ticker.C:
			c.drainInbox()
		}
	}
}

// drainInbox consumes every line currently in the inbox.
func (c *FileChannel) drainInbox() {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.inboxPath)
	if err != nil || len(data) == 0 {
		return
	}
	if err := os.Truncate(c.inboxPath, 0); err != nil {
		c.logger.Warn("truncate inbox", "error", err)
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sender, text := FileChannelID, line
		if before, after, found := strings.Cut(line, "\t"); found && strings.TrimSpace(before) != "" {
			sender, text = strings.TrimSpace(before), strings.TrimSpace(after)
		}
		c.pending = append(c.pending, &models.InboundMessage{
			Channel:   FileChannelID,
			Sender:    sender,
			Text:      text,
			Timestamp: c.now().UTC(),
		})
	}
}

// Receive implements Channel. It drains the inbox opportunistically so
// messages are visible even before the watcher fires.
func (c *FileChannel) Receive(ctx context.Context) (*models.InboundMessage, error) {
	c.drainInbox()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil, nil
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	return msg, nil
}

// Send appends one outbound line to the outbox file.
func (c *FileChannel) Send(ctx context.Context, recipient, text, threadID string) error {
	if err := os.MkdirAll(filepath.Dir(c.outboxPath), 0o755); err != nil {
		return fmt.Errorf("create channel dir: %w", err)
	}
	f, err := os.OpenFile(c.outboxPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s: %s\n", c.now().UTC().Format(time.RFC3339), recipient, text)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}
