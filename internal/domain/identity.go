package domain

import (
	"fmt"
	"time"
)

// ConversationIdentity is the composite key identifying one logical
// conversation: the chat plus an optional forum sub-thread. A thread ID of
// zero means the conversation has no sub-thread (direct chats, or the
// default thread of a group).
type ConversationIdentity struct {
	ChatID   int64 `json:"chatId"`
	ThreadID int64 `json:"threadId,omitempty"`
}

// Key returns the canonical string form of the identity, used as the queue
// message group ID and as part of the registry partition key.
func (id ConversationIdentity) Key() string {
	if id.ThreadID == 0 {
		return fmt.Sprintf("%d", id.ChatID)
	}
	return fmt.Sprintf("%d#%d", id.ChatID, id.ThreadID)
}

// QueueMessage is the normalized unit of work handed from the ingress gate to
// the session worker. It exists only between ingestion and successful (or
// exhausted) processing.
type QueueMessage struct {
	Identity   ConversationIdentity `json:"identity"`
	Text       string               `json:"text"`
	MessageID  int64                `json:"messageId"`
	SenderID   int64                `json:"senderId,omitempty"`
	ReceivedAt time.Time            `json:"receivedAt"`

	// Attempt is the delivery attempt count, populated at receive time from
	// the queue's own bookkeeping. It is not serialized with the message.
	Attempt int `json:"-"`
}
