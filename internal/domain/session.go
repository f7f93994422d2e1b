package domain

import "time"

// SessionRecord maps a conversation identity to the agent runtime's session,
// plus the advisory lock guarding it. SessionID is opaque and assigned by the
// runtime on first use, never guessed.
type SessionRecord struct {
	Identity      ConversationIdentity
	SessionID     string
	LastActiveAt  time.Time
	ExpiresAt     int64
	LockToken     string
	LockExpiresAt int64
}

// WorkspaceSnapshot holds the blob bundle members keyed by member name.
// It is the working-state snapshot synchronized between object storage and
// the agent runtime on every invocation.
type WorkspaceSnapshot map[string][]byte
