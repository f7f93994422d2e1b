package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agent-relay/internal/domain"
	"agent-relay/internal/integrations/telegram"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []telegram.SendMessageParams
	sendErrs []error
	actions  int
}

func (f *fakeBot) SendMessage(_ context.Context, params telegram.SendMessageParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	return nil
}

func (f *fakeBot) SendChatAction(_ context.Context, _, _ int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return nil
}

func (f *fakeBot) actionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actions
}

var testIdentity = domain.ConversationIdentity{ChatID: 42, ThreadID: 7}

func mustNewDispatcher(t *testing.T, bot botAPI, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(bot, opts...)
	require.NoError(t, err)
	return d
}

func TestDeliver_HappyPath(t *testing.T) {
	bot := &fakeBot{}
	d := mustNewDispatcher(t, bot)

	require.NoError(t, d.Deliver(context.Background(), testIdentity, 100, "hi *there*"))
	require.Len(t, bot.sent, 1)
	require.Equal(t, int64(42), bot.sent[0].ChatID)
	require.Equal(t, int64(7), bot.sent[0].ThreadID)
	require.Equal(t, int64(100), bot.sent[0].ReplyTo)
	require.Equal(t, "MarkdownV2", bot.sent[0].ParseMode)
	require.Equal(t, "hi *there*", bot.sent[0].Text)
}

func TestDeliver_EscapesAndRetriesOnParseError(t *testing.T) {
	parseErr := &telegram.APIError{Method: "sendMessage", ErrorCode: 400, Description: "can't parse entities"}
	bot := &fakeBot{sendErrs: []error{parseErr}}
	d := mustNewDispatcher(t, bot)

	require.NoError(t, d.Deliver(context.Background(), testIdentity, 100, "2+2=4 (really)"))
	require.Len(t, bot.sent, 2)
	require.Equal(t, `2\+2\=4 \(really\)`, bot.sent[1].Text)
}

func TestDeliver_OtherErrorsPropagate(t *testing.T) {
	bot := &fakeBot{sendErrs: []error{errors.New("network down")}}
	d := mustNewDispatcher(t, bot)

	require.Error(t, d.Deliver(context.Background(), testIdentity, 100, "hi"))
	require.Len(t, bot.sent, 1)
}

func TestDeliver_EmptyTextGetsPlaceholder(t *testing.T) {
	bot := &fakeBot{}
	d := mustNewDispatcher(t, bot)

	require.NoError(t, d.Deliver(context.Background(), testIdentity, 100, "  "))
	require.Equal(t, "No response", bot.sent[0].Text)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", Truncate("short"))

	long := Truncate(strings.Repeat("a", 5000))
	require.True(t, strings.HasSuffix(long, truncationMarker))
	require.Len(t, []rune(long), maxReplyRunes+len([]rune(truncationMarker)))

	// A multi-byte character at the cut point is dropped whole, not split.
	multibyte := Truncate(strings.Repeat("界", 4001))
	require.True(t, strings.HasPrefix(multibyte, "界"))
	require.Equal(t, maxReplyRunes+len([]rune(truncationMarker)), len([]rune(multibyte)))
}

func TestEscapeMarkdown(t *testing.T) {
	require.Equal(t, `hello`, EscapeMarkdown("hello"))
	require.Equal(t, `\*bold\* \_и\_ \#1\.`, EscapeMarkdown("*bold* _и_ #1."))
}

func TestStartLiveness_SignalsUntilStopped(t *testing.T) {
	bot := &fakeBot{}
	d := mustNewDispatcher(t, bot, WithLivenessInterval(5*time.Millisecond))

	stop := d.StartLiveness(context.Background(), testIdentity)
	require.Eventually(t, func() bool { return bot.actionCount() >= 3 }, time.Second, time.Millisecond)
	stop()

	settled := bot.actionCount()
	time.Sleep(25 * time.Millisecond)
	require.Equal(t, settled, bot.actionCount())
}

func TestStartLiveness_StopIsIdempotent(t *testing.T) {
	bot := &fakeBot{}
	d := mustNewDispatcher(t, bot, WithLivenessInterval(time.Minute))

	stop := d.StartLiveness(context.Background(), testIdentity)
	stop()
	stop()
	require.Equal(t, 1, bot.actionCount())
}
