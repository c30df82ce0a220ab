package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lyq-lin/claw0/pkg/models"
)

// DiscordChannelID is the id of the Discord channel.
const DiscordChannelID = "discord"

// Discord caps messages at 2000 characters.
const discordMaxTextLength = 2000

// DiscordChannel bridges Discord guild and direct-message channels.
// The peer identity is the Discord channel id, so replies round-trip
// through ChannelMessageSend without a directory lookup.
type DiscordChannel struct {
	session *discordgo.Session
	logger  *slog.Logger
	inbound chan *models.InboundMessage
}

// NewDiscordChannel creates a Discord channel for the given bot token.
func NewDiscordChannel(token string, logger *slog.Logger) (*DiscordChannel, error) {
	if token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent

	c := &DiscordChannel{
		session: session,
		logger:  logger.With("component", "channel.discord"),
		inbound: make(chan *models.InboundMessage, 100),
	}
	session.AddHandler(c.handleMessageCreate)
	return c, nil
}

// ID implements Channel.
func (c *DiscordChannel) ID() string { return DiscordChannelID }

// MaxTextLength implements Channel.
func (c *DiscordChannel) MaxTextLength() int { return discordMaxTextLength }

// Start opens the gateway websocket.
func (c *DiscordChannel) Start(ctx context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.logger.Info("discord channel started")
	return nil
}

// Stop closes the gateway websocket.
func (c *DiscordChannel) Stop(ctx context.Context) error {
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore our own messages and other bots.
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := &models.InboundMessage{
		Channel:   DiscordChannelID,
		Sender:    m.ChannelID,
		Text:      m.Content,
		ThreadID:  m.ChannelID,
		Timestamp: ts.UTC(),
	}
	select {
	case c.inbound <- msg:
	default:
		c.logger.Warn("inbound buffer full, dropping message", "channel_id", m.ChannelID)
	}
}

// Receive implements Channel.
func (c *DiscordChannel) Receive(ctx context.Context) (*models.InboundMessage, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
		return nil, nil
	}
}

// Send delivers text to the Discord channel named by recipient.
func (c *DiscordChannel) Send(ctx context.Context, recipient, text, threadID string) error {
	if _, err := c.session.ChannelMessageSend(recipient, text); err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}
