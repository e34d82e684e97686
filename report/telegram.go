package report

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// maxMessageLen is Telegram's limit for one text message.
const maxMessageLen = 4096

type TelegramOptions struct {
	// APIEndpoint overrides tgbotapi.APIEndpoint, e.g. for a self-hosted
	// Bot API server.
	APIEndpoint string
	HTTPClient  *http.Client
}

type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier validates the token with getMe before returning.
func NewTelegramNotifier(token string, chatID int64, opts TelegramOptions) (*TelegramNotifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram: empty bot token")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram: chat id required")
	}
	endpoint := opts.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logrus.Infof("[Report] telegram bot ready: @%s", bot.Self.UserName)
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// Notify sends text, split into as many messages as needed.
func (n *TelegramNotifier) Notify(ctx context.Context, text string) error {
	for i, part := range splitMessage(text, maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(n.chatID, part)
		msg.DisableWebPagePreview = true
		if _, err := n.bot.Send(msg); err != nil {
			return fmt.Errorf("telegram: send part %d: %w", i+1, err)
		}
	}
	return nil
}

// splitMessage cuts text on line boundaries so that no part exceeds limit
// bytes. A single line longer than limit is cut on a rune boundary.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var (
		parts []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			flush()
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			parts = append(parts, line[:cut])
			line = line[cut:]
		}
		if cur.Len()+len(line) > limit {
			flush()
		}
		cur.WriteString(line)
	}
	flush()
	return parts
}
