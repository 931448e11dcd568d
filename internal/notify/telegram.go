// Package notify delivers operator alerts over Telegram. Without a token
// the notifier degrades to structured logging only.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Alert levels
const (
	LevelInfo     = "INFO"
	LevelWarn     = "WARN"
	LevelCritical = "CRITICAL"
)

var levelIcons = map[string]string{
	LevelInfo:     "ℹ️",
	LevelWarn:     "⚠️",
	LevelCritical: "🔴",
}

// Notifier sends operator-facing alerts.
type Notifier interface {
	Send(level, text string)
}

// Telegram is a Notifier backed by the Telegram bot API.
type Telegram struct {
	client *resty.Client
	token  string
	chatID string
	log    zerolog.Logger
}

// NewTelegram creates a Telegram notifier. Empty token or chat id means
// messages are logged but not delivered.
func NewTelegram(token, chatID string, log zerolog.Logger) *Telegram {
	return &Telegram{
		client: resty.New().SetTimeout(5 * time.Second),
		token:  strings.TrimSpace(token),
		chatID: strings.TrimSpace(chatID),
		log:    log.With().Str("component", "telegram").Logger(),
	}
}

// Send delivers one message. Failures are logged and never propagate;
// alerting must not break the caller's control flow.
func (t *Telegram) Send(level, text string) {
	if t.token == "" || t.chatID == "" {
		t.log.Info().Str("level", level).Msg(text)
		return
	}

	icon, ok := levelIcons[level]
	if !ok {
		icon = "📢"
	}

	resp, err := t.client.R().
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("%s [%s] %s", icon, level, text),
			"parse_mode": "HTML",
		}).
		Post(fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token))
	if err != nil {
		t.log.Warn().Err(err).Msg("Telegram send failed")
		return
	}
	if resp.StatusCode() != 200 {
		t.log.Warn().Int("status", resp.StatusCode()).Msg("Telegram returned non-200")
	}
}

// Nop is a Notifier that discards everything. Used in tests.
type Nop struct{}

// Send implements Notifier
func (Nop) Send(level, text string) {}
