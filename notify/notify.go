// Package notify delivers best-effort outward notifications.
package notify

import (
	"context"
	"fmt"
	"time"

	"polymarket-copytrader/logging"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Event is one outward notification.
type Event struct {
	// Key identifies the event for dedup, e.g. "order:42".
	Key       string
	Kind      string
	AccountID int64
	ConfigID  int64
	MarketID  string
	Message   string
	At        time.Time
}

// Text renders the event for a chat message.
func (e Event) Text() string {
	return fmt.Sprintf("[%s] account %d config %d market %s\n%s", e.Kind, e.AccountID, e.ConfigID, e.MarketID, e.Message)
}

// Notifier sends one event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger).Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.logger.Info("notification",
		zap.String("kind", ev.Kind),
		zap.String("key", ev.Key),
		zap.Int64("account_id", ev.AccountID),
		zap.Int64("config_id", ev.ConfigID),
		zap.String("market_id", ev.MarketID),
		zap.String("message", ev.Message))
	return nil
}

type chattableSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts events to one chat.
type TelegramNotifier struct {
	bot    chattableSender
	chatID int64
}

// NewTelegramNotifier authenticates the bot token.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) Notify(_ context.Context, ev Event) error {
	msg := tgbotapi.NewMessage(n.chatID, ev.Text())
	if _, err := n.bot.Send(msg); err != nil {
		return err
	}
	return nil
}
