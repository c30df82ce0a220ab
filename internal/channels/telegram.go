package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/lyq-lin/claw0/pkg/models"
)

// TelegramChannelID is the id of the Telegram channel.
const TelegramChannelID = "telegram"

// Telegram caps messages at 4096 characters.
const telegramMaxTextLength = 4096

// TelegramChannel bridges Telegram chats through long polling. The
// peer identity is the chat id, so replies round-trip without a
// directory lookup.
type TelegramChannel struct {
	token  string
	logger *slog.Logger

	bot     *bot.Bot
	inbound chan *models.InboundMessage
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTelegramChannel creates a Telegram channel for the given bot token.
func NewTelegramChannel(token string, logger *slog.Logger) (*TelegramChannel, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:   token,
		logger:  logger.With("component", "channel.telegram"),
		inbound: make(chan *models.InboundMessage, 100),
	}, nil
}

// ID implements Channel.
func (c *TelegramChannel) ID() string { return TelegramChannelID }

// MaxTextLength implements Channel.
func (c *TelegramChannel) MaxTextLength() int { return telegramMaxTextLength }

// Start connects the bot and begins long polling.
func (c *TelegramChannel) Start(ctx context.Context) error {
	b, err := bot.New(c.token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = b
	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, c.handleMessage)

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		b.Start(ctx)
	}()

	c.logger.Info("telegram channel started")
	return nil
}

// Stop halts long polling.
func (c *TelegramChannel) Stop(ctx context.Context) error {
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

func (c *TelegramChannel) handleMessage(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := &models.InboundMessage{
		Channel:   TelegramChannelID,
		Sender:    strconv.FormatInt(update.Message.Chat.ID, 10),
		Text:      update.Message.Text,
		ThreadID:  strconv.FormatInt(update.Message.Chat.ID, 10),
		Timestamp: time.Unix(int64(update.Message.Date), 0).UTC(),
	}
	select {
	case c.inbound <- msg:
	default:
		c.logger.Warn("inbound buffer full, dropping message", "chat_id", update.Message.Chat.ID)
	}
}

// Receive implements Channel.
func (c *TelegramChannel) Receive(ctx context.Context) (*models.InboundMessage, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
		return nil, nil
	}
}

// Send delivers text to the chat named by recipient.
func (c *TelegramChannel) Send(ctx context.Context, recipient, text, threadID string) error {
	if c.bot == nil {
		return fmt.Errorf("telegram: not started")
	}
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", recipient, err)
	}
	_, err = c.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
