package chat

import "github.com/chatterbox-im/chatterbox/internal/models"

// Chat identifiers are pure functions of participant identities. They are
// never stored on their own; every component recomputes them.
const (
	directPrefix = "dm_"
	groupPrefix  = "group_"
)

// DirectChatID names the conversation between two users. Both participants
// compute the same identifier regardless of who initiates: the identity
// keys are sorted before joining.
func DirectChatID(a, b string) string {
	ka, kb := models.Key(a), models.Key(b)
	if kb < ka {
		ka, kb = kb, ka
	}
	return directPrefix + ka + "_" + kb
}

// GroupChatID names a group's conversation.
func GroupChatID(groupID string) string {
	return groupPrefix + groupID
}
