package alerts

import (
	"fmt"
	"html"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/config"
	"github.com/botpod/botpod/internal/db"
)

// Sink delivers operator notifications. Delivery is best-effort; a sink
// never blocks or fails the operation that triggered the alert.
type Sink interface {
	Notify(severity db.AlertSeverity, message string)
}

var severityEmoji = map[db.AlertSeverity]string{
	db.SeverityInfo:     "ℹ️",
	db.SeverityWarning:  "⚠️",
	db.SeverityError:    "❌",
	db.SeverityCritical: "\U0001f6a8",
}

// TelegramSink pushes alerts to the admin chat.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

// NewSink builds the configured sink. With no bot token configured it
// returns a no-op sink so callers never branch on alerting being set up.
func NewSink(cfg config.AlertsConfig, logger *zap.Logger) (Sink, error) {
	if cfg.TelegramBotToken == "" || cfg.TelegramChatID == 0 {
		logger.Info("Admin alerting not configured, alerts will be logged only")
		return NopSink{logger: logger}, nil
	}

	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("init admin bot: %w", err)
	}

	logger.Info("Admin alerting enabled", zap.String("bot", bot.Self.UserName))
	return &TelegramSink{bot: bot, chatID: cfg.TelegramChatID, logger: logger}, nil
}

func (s *TelegramSink) Notify(severity db.AlertSeverity, message string) {
	emoji, ok := severityEmoji[severity]
	if !ok {
		emoji = severityEmoji[db.SeverityInfo]
	}

	text := fmt.Sprintf("%s <b>%s</b>\n%s\n<i>%s</i>",
		emoji,
		severity,
		html.EscapeString(message),
		time.Now().UTC().Format("2006-01-02 15:04:05 UTC"),
	)

	msg := tgbotapi.NewMessage(s.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	if _, err := s.bot.Send(msg); err != nil {
		s.logger.Warn("Failed to deliver admin alert",
			zap.String("severity", string(severity)),
			zap.Error(err),
		)
	}
}

// NopSink logs alerts instead of delivering them.
type NopSink struct {
	logger *zap.Logger
}

func (s NopSink) Notify(severity db.AlertSeverity, message string) {
	s.logger.Info("Alert",
		zap.String("severity", string(severity)),
		zap.String("message", message),
	)
}
