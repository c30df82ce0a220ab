package channels

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lyq-lin/claw0/pkg/models"
)

// CLIChannelID is the id of the in-process terminal channel.
const CLIChannelID = "cli"

const cliMaxTextLength = 4000

// CLIChannel is an in-process channel. Inbound messages are injected
// with Push and outbound text is written to the configured writer.
type CLIChannel struct {
	w   io.Writer
	now func() time.Time

	mu      sync.Mutex
	pending []*models.InboundMessage
}

// NewCLIChannel creates a CLI channel writing outbound text to w.
func NewCLIChannel(w io.Writer) *CLIChannel {
	return &CLIChannel{w: w, now: time.Now}
}

// ID implements Channel.
func (c *CLIChannel) ID() string { return CLIChannelID }

// MaxTextLength implements Channel.
func (c *CLIChannel) MaxTextLength() int { return cliMaxTextLength }

// Start implements Channel. The CLI channel has no background work.
func (c *CLIChannel) Start(ctx context.Context) error { return nil }

// Stop implements Channel.
func (c *CLIChannel) Stop(ctx context.Context) error { return nil }

// Push injects an inbound message, as if the user had typed it.
func (c *CLIChannel) Push(sender, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, &models.InboundMessage{
		Channel:   CLIChannelID,
		Sender:    sender,
		Text:      text,
		Timestamp: c.now().UTC(),
	})
}

// Receive implements Channel.
func (c *CLIChannel) Receive(ctx context.Context) (*models.InboundMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil, nil
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	return msg, nil
}

// Send implements Channel.
func (c *CLIChannel) Send(ctx context.Context, recipient, text, threadID string) error {
	if c.w == nil {
		return nil
	}
	_, err := fmt.Fprintln(c.w, text)
	return err
}
