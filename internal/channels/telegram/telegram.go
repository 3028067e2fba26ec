package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/cognoxlabs/sofia/internal/channels"
	"github.com/cognoxlabs/sofia/internal/config"
)

// Inbound carries one text message received from Telegram.
type Inbound struct {
	Sender      string // chat ID as string, used as conversation key
	MessageID   string
	Text        string
	ProfileName string
}

// Channel connects to Telegram via the Bot API using long polling.
// Destinations are numeric chat IDs rendered as strings so the rest
// of the pipeline stays channel-agnostic.
type Channel struct {
	bot        *telego.Bot
	onMessage  func(Inbound)
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, onMessage func(Inbound)) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{bot: bot, onMessage: onMessage}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.Text == "" {
		return
	}

	name := ""
	if msg.From != nil {
		name = msg.From.FirstName
		if msg.From.LastName != "" {
			name += " " + msg.From.LastName
		}
	}

	if c.onMessage != nil {
		c.onMessage(Inbound{
			Sender:      fmt.Sprintf("%d", msg.Chat.ID),
			MessageID:   fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
			Text:        msg.Text,
			ProfileName: name,
		})
	}
}

// Send delivers one text message to a Telegram chat.
func (c *Channel) Send(ctx context.Context, destination, text string) error {
	chatID, err := parseChatID(destination)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", destination, err)
	}

	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), channels.Truncate(text, maxMessageLen)))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// SetTyping shows the "typing..." chat action. Telegram clears the
// action automatically after ~5s or when a message arrives, so
// turning it off is a no-op.
func (c *Channel) SetTyping(ctx context.Context, destination string, on bool) error {
	if !on {
		return nil
	}
	chatID, err := parseChatID(destination)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", destination, err)
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

// MarkRead is a no-op: the Bot API has no read receipts.
func (c *Channel) MarkRead(_ context.Context, _ string) error { return nil }

// maxMessageLen is the Bot API limit for a single message.
const maxMessageLen = 4096

func parseChatID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}
