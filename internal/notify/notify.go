// Package notify sends scan summaries to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mtzanidakis/postdeck/internal/config"
)

const maxMessageLen = 4096

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Telegram struct {
	bot    *telego.Bot
	chatID int64
}

func NewTelegram(cfg config.TelegramConfig, opts ...telego.BotOption) (*Telegram, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	opts = append([]telego.BotOption{telego.WithDiscardLogger()}, opts...)
	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(t.chatID), chunk)
		if _, err := t.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

type Failure struct {
	JobID    string
	Platform string
	Error    string
}

type ScanReport struct {
	Trigger   string
	Checked   int
	Published int
	Failed    int
	Skipped   int
	Failures  []Failure
}

// Worth reports whether the scan did anything a human should hear about.
func (r ScanReport) Worth() bool {
	return r.Published > 0 || r.Failed > 0
}

func FormatScan(r ScanReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Publish scan (%s): %d published, %d failed", r.Trigger, r.Published, r.Failed)
	if r.Skipped > 0 {
		fmt.Fprintf(&b, ", %d skipped", r.Skipped)
	}
	fmt.Fprintf(&b, " of %d due\n", r.Checked)
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "\n- job %s on %s: %s", shortID(f.JobID), f.Platform, f.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Try to split at a newline
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
