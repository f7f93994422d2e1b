package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agent-relay/internal/domain"
	"agent-relay/internal/integrations/telegram"
)

const (
	// maxReplyRunes is the outbound text cap; the platform rejects messages
	// past 4096 characters, and the marker needs headroom.
	maxReplyRunes    = 4000
	truncationMarker = "\n\n... (truncated)"

	defaultLivenessInterval = 5 * time.Second
)

// botAPI is the subset of the Telegram client the dispatcher uses.
type botAPI interface {
	SendMessage(ctx context.Context, params telegram.SendMessageParams) error
	SendChatAction(ctx context.Context, chatID, threadID int64, action string) error
}

// Dispatcher sends worker results back to the chat platform and keeps the
// human caller aware that a long invocation is still running.
type Dispatcher struct {
	bot      botAPI
	interval time.Duration
}

type Option func(*Dispatcher)

// WithLivenessInterval overrides the typing-signal period.
func WithLivenessInterval(d time.Duration) Option {
	return func(dp *Dispatcher) {
		dp.interval = d
	}
}

// New creates a Dispatcher.
func New(bot botAPI, opts ...Option) (*Dispatcher, error) {
	if bot == nil {
		return nil, errors.New("dispatch: bot must not be nil")
	}
	d := &Dispatcher{bot: bot, interval: defaultLivenessInterval}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Deliver sends the reply text to the conversation, truncated to the
// platform limit. The text is sent as MarkdownV2 first; if the platform
// rejects the entity parse, it is escaped and retried once.
func (d *Dispatcher) Deliver(ctx context.Context, id domain.ConversationIdentity, replyTo int64, text string) error {
	text = Truncate(text)
	if strings.TrimSpace(text) == "" {
		text = "No response"
	}

	params := telegram.SendMessageParams{
		ChatID:    id.ChatID,
		ThreadID:  id.ThreadID,
		ReplyTo:   replyTo,
		Text:      text,
		ParseMode: "MarkdownV2",
	}
	err := d.bot.SendMessage(ctx, params)
	if err == nil {
		return nil
	}

	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) && apiErr.IsParseError() {
		params.Text = EscapeMarkdown(text)
		return d.bot.SendMessage(ctx, params)
	}
	return err
}

// StartLiveness begins the periodic typing signal for a conversation and
// returns a stop function that is idempotent and safe on all exit paths.
// Signal errors are logged and swallowed; they never fail processing.
func (d *Dispatcher) StartLiveness(ctx context.Context, id domain.ConversationIdentity) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		d.signal(ctx, id)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.signal(ctx, id)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (d *Dispatcher) signal(ctx context.Context, id domain.ConversationIdentity) {
	if err := d.bot.SendChatAction(ctx, id.ChatID, id.ThreadID, telegram.ActionTyping); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("liveness signal failed", "chat", id.ChatID, "thread", id.ThreadID, "err", err)
	}
}

// Truncate caps text at the platform limit, appending a marker when content
// was dropped. Rune-based so a multi-byte character is never split.
func Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxReplyRunes {
		return text
	}
	return string(runes[:maxReplyRunes]) + truncationMarker
}

// markdownSpecials is the MarkdownV2 reserved character set.
const markdownSpecials = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdown backslash-escapes all MarkdownV2 reserved characters.
func EscapeMarkdown(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < 0x80 && strings.ContainsRune(markdownSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
