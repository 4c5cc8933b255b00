package notify

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "remindd/pkg/logx"
)

// TelegramConfig configures the Telegram sender. Delivery tokens are
// Telegram chat IDs in decimal form.
type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration
}

// TelegramSender delivers reminder messages over the Telegram Bot API.
type TelegramSender struct {
	bot *tele.Bot
	log logx.Logger
}

var _ Sender = (*TelegramSender)(nil)

func NewTelegramSender(cfg TelegramConfig, log logx.Logger) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// The sender is outbound-only; the poller is configured but never started.
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramSender{bot: b, log: log}, nil
}

func (t *TelegramSender) Send(ctx context.Context, token, title, body string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(token), 10, 64)
	if err != nil {
		return errors.New("delivery token is not a telegram chat id")
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	text := body
	if title != "" {
		text = "*" + escapeMarkdown(title) + "*\n" + body
	}
	chat := &tele.Chat{ID: chatID}
	_, err = t.bot.Send(chat, text, &tele.SendOptions{ParseMode: tele.ModeMarkdown})
	return err
}

func escapeMarkdown(s string) string {
	r := strings.NewReplacer("*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`)
	return r.Replace(s)
}
