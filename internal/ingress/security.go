package ingress

import (
	"agent-relay/internal/config"
	"agent-relay/internal/integrations/telegram"
)

// ShouldLeaveGroup reports whether a membership update represents the bot
// being added to a group by a user outside the allowlist. This is the
// coarse, privileged gate: the bot leaves immediately, no further
// processing.
func ShouldLeaveGroup(m *telegram.ChatMemberUpdated, allow config.Allowlist) bool {
	if m == nil || !m.Joined() {
		return false
	}
	return !allow.Allows(m.From.ID)
}
