package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"notifier/internal/config"
	"notifier/internal/fault"
	"notifier/internal/store"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot token and base URL; chat id comes from each recipient contact.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client *tgbot.Bot
}

// NewTelegramSender creates Telegram sender with bot client.
// Params: Telegram notifier config.
// Returns: initialized sender or init error.
func NewTelegramSender(cfg config.TelegramNotifier) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramSender{client: botClient}, nil
}

// Channel returns sender channel name.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Accepts reports whether contact has a Telegram chat.
func (s *TelegramSender) Accepts(contact store.Contact) bool {
	return contact.TelegramChatID != 0
}

// Send posts one message to the recipient chat.
// Params: context, contact with chat id and rendered message.
// Returns: transport error.
func (s *TelegramSender) Send(ctx context.Context, contact store.Contact, message Message) error {
	if contact.TelegramChatID == 0 {
		return fault.Permanent(fmt.Errorf("recipient %q has no telegram chat", contact.UserID))
	}
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    contact.TelegramChatID,
		Text:      telegramText(message),
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// telegramText renders subject in bold above the escaped body.
func telegramText(message Message) string {
	body := html.EscapeString(message.Text)
	if message.Subject == "" {
		return body
	}
	return "<b>" + html.EscapeString(message.Subject) + "</b>\n" + body
}
