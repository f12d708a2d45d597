package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MessageSender is the subset of *tgbotapi.BotAPI the Telegram channel uses.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends alerts to owners that linked a chat. Owners without a chat
// ID are skipped silently.
type Telegram struct {
	bot MessageSender
}

// NewTelegram authorizes against the Bot API with token.
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

// NewTelegramWithSender wraps an existing sender.
func NewTelegramWithSender(s MessageSender) *Telegram {
	return &Telegram{bot: s}
}

func (t *Telegram) NotifyOfflineEpisode(_ context.Context, a Alert) error {
	return t.send(a.TelegramChatID, offlineSubject(a)+"\n\n"+offlineBody(a))
}

func (t *Telegram) NotifyRecovered(_ context.Context, a Alert) error {
	return t.send(a.TelegramChatID, recoveredSubject(a)+"\n\n"+recoveredBody(a))
}

func (t *Telegram) send(chatID int64, text string) error {
	if chatID == 0 {
		return nil
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return nil
}
