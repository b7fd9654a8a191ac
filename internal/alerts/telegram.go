// Package alerts delivers operator alerts to a Telegram chat.
//
// The gateway runs headless; WARN+ log lines are forwarded here so someone
// notices a broken transport bridge before users do.
package alerts

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token  string
	ChatID int64
}

type Telegram struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegram(cfg Config) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alerts: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alerts: telegram chat id is not set")
	}
	// Send-only bot: no poller; Offline skips the getMe round-trip so a
	// misconfigured token surfaces on first send instead of blocking startup.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: cfg.ChatID}, nil
}

// SendAlert implements logx.AlertSender.
func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	if t == nil || t.bot == nil {
		return nil
	}
	// telebot has no context plumbing; honor cancellation at the boundary and
	// rely on its HTTP client timeout for the call itself.
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(tele.ChatID(t.chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
