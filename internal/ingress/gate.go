package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agent-relay/internal/config"
	"agent-relay/internal/domain"
	"agent-relay/internal/integrations/telegram"
)

// Decision is the gate's verdict on an inbound event.
type Decision string

const (
	// DecisionEnqueued means the event was normalized and handed to the
	// queue; processing continues asynchronously.
	DecisionEnqueued Decision = "enqueued"
	// DecisionDropped means the event was silently discarded.
	DecisionDropped Decision = "dropped"
	// DecisionHandled means the gate answered the event itself (local
	// command, guidance message, leave-group side effect, export).
	DecisionHandled Decision = "handled"
)

// Outcome is the result of admitting one event.
type Outcome struct {
	Decision Decision
	Reason   string
}

const (
	forumGuidance = "⚠️ This group does not have Topics enabled.\n\n" +
		"To use the bot here:\n" +
		"1. Open the group settings\n" +
		"2. Enable the Topics feature\n" +
		"3. Re-add the bot"

	topicsPermissionGuidance = "⚠️ The bot is missing the \"Manage Topics\" permission.\n\n" +
		"To fix this:\n" +
		"1. Open group settings > Administrators\n" +
		"2. Select this bot\n" +
		"3. Enable \"Manage Topics\""

	newchatUsage = "Usage: /newchat <message>"
)

// Enqueuer hands accepted messages to the ordered retry queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg domain.QueueMessage) error
}

// Deduper filters duplicate webhook deliveries.
type Deduper interface {
	CheckDuplicate(ctx context.Context, chatID, messageID int64) (bool, error)
}

// Bot is the subset of the Telegram client the gate uses.
type Bot interface {
	SendMessage(ctx context.Context, params telegram.SendMessageParams) error
	LeaveChat(ctx context.Context, chatID int64) error
	GetChat(ctx context.Context, chatID int64) (telegram.Chat, error)
	GetMe(ctx context.Context) (telegram.User, error)
	GetChatMember(ctx context.Context, chatID, userID int64) (telegram.ChatMember, error)
	CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error)
}

// Recorder counts policy outcomes for operators.
type Recorder interface {
	Count(ctx context.Context, name string)
}

// Gate receives inbound chat-platform events, applies access-control and
// topic-shape filters, and either rejects fast or normalizes and enqueues.
// It never blocks on processing: acceptance means "queued", not "done".
type Gate struct {
	cfg      *config.Commands
	bot      Bot
	queue    Enqueuer
	dedup    Deduper
	exporter *Exporter
	metrics  Recorder

	now func() time.Time
}

// New creates a Gate. dedup may be nil when no dedup table is configured.
func New(cfg *config.Commands, bot Bot, queue Enqueuer, dedup Deduper, exporter *Exporter, metrics Recorder) (*Gate, error) {
	if cfg == nil {
		return nil, errors.New("ingress: config must not be nil")
	}
	if bot == nil {
		return nil, errors.New("ingress: bot must not be nil")
	}
	if queue == nil {
		return nil, errors.New("ingress: queue must not be nil")
	}
	if exporter == nil {
		return nil, errors.New("ingress: exporter must not be nil")
	}
	if metrics == nil {
		return nil, errors.New("ingress: metrics recorder must not be nil")
	}
	return &Gate{
		cfg:      cfg,
		bot:      bot,
		queue:    queue,
		dedup:    dedup,
		exporter: exporter,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// Admit applies the gate checks in order, short-circuiting on the first
// failure, and enqueues accepted messages. It returns quickly in all cases;
// the external caller's timeout is far shorter than worst-case processing.
func (g *Gate) Admit(ctx context.Context, update telegram.Update) (Outcome, error) {
	if update.MyChatMember != nil {
		return g.admitMembership(ctx, update.MyChatMember)
	}

	msg := update.Msg()
	if msg == nil || msg.Text == "" {
		return Outcome{Decision: DecisionDropped, Reason: "no_text"}, nil
	}

	if g.dedup != nil {
		dup, err := g.dedup.CheckDuplicate(ctx, msg.Chat.ID, msg.MessageID)
		if err != nil {
			// Fail open: a dedup outage must not drop messages.
			slog.Warn("dedup check failed", "chat", msg.Chat.ID, "err", err)
		} else if dup {
			return Outcome{Decision: DecisionDropped, Reason: "duplicate_webhook"}, nil
		}
	}

	if msg.Chat.Type == "private" {
		if msg.From != nil && !g.cfg.Allowlist.Allows(msg.From.ID) {
			g.metrics.Count(ctx, "SecurityBlock.UnauthorizedPrivate")
			return Outcome{Decision: DecisionDropped, Reason: "unauthorized_user"}, nil
		}
		return g.admitText(ctx, msg)
	}

	if msg.Chat.IsGroup() {
		// The group got precheck guidance when the bot joined; non-forum
		// groups are ignored until fixed.
		if !msg.Chat.IsForum {
			return Outcome{Decision: DecisionDropped, Reason: "group_without_topics"}, nil
		}
		if msg.MessageThreadID == 0 && config.ExtractCommand(msg.Text) == "" {
			return Outcome{Decision: DecisionDropped, Reason: "default_thread"}, nil
		}
		return g.admitText(ctx, msg)
	}

	return Outcome{Decision: DecisionDropped, Reason: "unsupported_chat_type"}, nil
}

// admitMembership handles the bot being added to or removed from a chat.
func (g *Gate) admitMembership(ctx context.Context, m *telegram.ChatMemberUpdated) (Outcome, error) {
	if ShouldLeaveGroup(m, g.cfg.Allowlist) {
		if err := g.bot.LeaveChat(ctx, m.Chat.ID); err != nil {
			return Outcome{}, fmt.Errorf("ingress: leave unauthorized group: %w", err)
		}
		slog.Info("left unauthorized group", "chat", m.Chat.ID, "inviter", m.From.ID)
		g.metrics.Count(ctx, "SecurityBlock.UnauthorizedGroup")
		return Outcome{Decision: DecisionHandled, Reason: "left_unauthorized_group"}, nil
	}

	if m.Joined() && m.Chat.IsGroup() {
		if guidance := g.forumPrecheck(ctx, m.Chat.ID); guidance != "" {
			if err := g.bot.SendMessage(ctx, telegram.SendMessageParams{ChatID: m.Chat.ID, Text: guidance}); err != nil {
				slog.Warn("failed to send precheck guidance", "chat", m.Chat.ID, "err", err)
			}
			g.metrics.Count(ctx, "TopicPrecheck.Failed")
			return Outcome{Decision: DecisionHandled, Reason: "precheck_failed"}, nil
		}
	}
	return Outcome{Decision: DecisionDropped, Reason: "membership_event"}, nil
}

// forumPrecheck verifies a newly joined group supports topics and grants the
// bot topic management. It returns the guidance text to send on failure,
// empty on success.
func (g *Gate) forumPrecheck(ctx context.Context, chatID int64) string {
	chat, err := g.bot.GetChat(ctx, chatID)
	if err != nil {
		slog.Warn("forum precheck getChat failed", "chat", chatID, "err", err)
		return fmt.Sprintf("Failed to verify group setup: %s", clip(err.Error(), 100))
	}
	if !chat.IsForum {
		return forumGuidance
	}

	me, err := g.bot.GetMe(ctx)
	if err != nil {
		slog.Warn("forum precheck getMe failed", "chat", chatID, "err", err)
		return fmt.Sprintf("Failed to verify group setup: %s", clip(err.Error(), 100))
	}
	member, err := g.bot.GetChatMember(ctx, chatID, me.ID)
	if err != nil {
		slog.Warn("forum precheck getChatMember failed", "chat", chatID, "err", err)
		return fmt.Sprintf("Failed to verify group setup: %s", clip(err.Error(), 100))
	}
	if !member.CanManageTopics {
		return topicsPermissionGuidance
	}
	return ""
}

// admitText routes a text message past the access checks: command handling
// or enqueue.
func (g *Gate) admitText(ctx context.Context, msg *telegram.Message) (Outcome, error) {
	cmd := config.ExtractCommand(msg.Text)

	switch {
	case cmd == "/newchat":
		return g.handleNewChat(ctx, msg)
	case cmd == "/export":
		return g.handleExport(ctx, msg)
	case cmd != "" && g.cfg.IsLocalCommand(cmd):
		g.replyLocal(ctx, msg, g.cfg.LocalResponse(cmd))
		return Outcome{Decision: DecisionHandled, Reason: "local_command"}, nil
	case cmd != "" && !g.cfg.IsAgentCommand(cmd):
		g.replyLocal(ctx, msg, g.cfg.UnknownCommandMessage())
		return Outcome{Decision: DecisionHandled, Reason: "unknown_command"}, nil
	}

	return g.enqueue(ctx, identityOf(msg), msg)
}

// handleNewChat creates a forum topic and enqueues the prompt under the new
// thread's conversation identity.
func (g *Gate) handleNewChat(ctx context.Context, msg *telegram.Message) (Outcome, error) {
	parts := strings.SplitN(strings.TrimSpace(msg.Text), " ", 2)
	prompt := ""
	if len(parts) > 1 {
		prompt = strings.TrimSpace(parts[1])
	}
	if prompt == "" {
		g.replyLocal(ctx, msg, newchatUsage)
		return Outcome{Decision: DecisionHandled, Reason: "newchat_usage"}, nil
	}

	topicName := "Chat " + g.now().Format("01/02 15:04")
	threadID, err := g.bot.CreateForumTopic(ctx, msg.Chat.ID, topicName)
	if err != nil {
		g.replyLocal(ctx, msg, fmt.Sprintf("Failed to create topic: %s", clip(err.Error(), 100)))
		return Outcome{Decision: DecisionHandled, Reason: "newchat_topic_failed"}, fmt.Errorf("ingress: create forum topic: %w", err)
	}

	id := domain.ConversationIdentity{ChatID: msg.Chat.ID, ThreadID: threadID}
	normalized := *msg
	normalized.Text = prompt
	return g.enqueue(ctx, id, &normalized)
}

// handleExport serves the debug/export surface: the raw bundle members for
// this conversation, read directly from object storage. Read-only, so it
// bypasses the session lock.
func (g *Gate) handleExport(ctx context.Context, msg *telegram.Message) (Outcome, error) {
	id := identityOf(msg)
	sessionID, snapshot, err := g.exporter.Export(ctx, id)
	if errors.Is(err, ErrNoSession) {
		g.replyLocal(ctx, msg, "No active session for this conversation.")
		return Outcome{Decision: DecisionHandled, Reason: "export_no_session"}, nil
	}
	if err != nil {
		g.replyLocal(ctx, msg, "Export failed.")
		return Outcome{Decision: DecisionHandled, Reason: "export_failed"}, fmt.Errorf("ingress: export: %w", err)
	}

	for _, text := range FormatExport(sessionID, snapshot) {
		g.replyLocal(ctx, msg, text)
	}
	return Outcome{Decision: DecisionHandled, Reason: "export_served"}, nil
}

func (g *Gate) enqueue(ctx context.Context, id domain.ConversationIdentity, msg *telegram.Message) (Outcome, error) {
	qm := domain.QueueMessage{
		Identity:   id,
		Text:       msg.Text,
		MessageID:  msg.MessageID,
		ReceivedAt: g.now().UTC(),
	}
	if msg.From != nil {
		qm.SenderID = msg.From.ID
	}

	if err := g.queue.Enqueue(ctx, qm); err != nil {
		// The webhook still returns success: the platform retrying would
		// only duplicate the failure.
		g.metrics.Count(ctx, "EnqueueFailed")
		return Outcome{Decision: DecisionDropped, Reason: "enqueue_failed"}, fmt.Errorf("ingress: enqueue: %w", err)
	}
	g.metrics.Count(ctx, "MessageEnqueued")
	return Outcome{Decision: DecisionEnqueued, Reason: "accepted"}, nil
}

// replyLocal sends a synchronous gate response; failures are logged, never
// propagated, since the webhook must answer regardless.
func (g *Gate) replyLocal(ctx context.Context, msg *telegram.Message, text string) {
	err := g.bot.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:   msg.Chat.ID,
		ThreadID: msg.MessageThreadID,
		ReplyTo:  msg.MessageID,
		Text:     text,
	})
	if err != nil {
		slog.Warn("failed to send gate response", "chat", msg.Chat.ID, "err", err)
	}
}

func identityOf(msg *telegram.Message) domain.ConversationIdentity {
	return domain.ConversationIdentity{ChatID: msg.Chat.ID, ThreadID: msg.MessageThreadID}
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
