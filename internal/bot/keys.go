package bot

import (
	"strconv"
	"strings"

	"github.com/agentoven/chatrelay/internal/telegram"
)

// Keys are the store keys of one conversation.
type Keys struct {
	History string
	Config  string
	// GroupAdmins caches the administrators of a group; empty elsewhere.
	GroupAdmins string
	// LastMessages lists recently handled message ids.
	LastMessages string
}

// KeysFor derives the keys of the conversation msg belongs to. Groups
// without share mode keep one conversation per member; forum topics keep
// one per topic.
func KeysFor(msg *telegram.Message, botID int64, shareMode bool) Keys {
	thread := 0
	if msg.Chat.IsForum && msg.IsTopicMessage {
		thread = msg.MessageThreadID
	}
	return keysFor(msg.Chat, msg.SenderID(), thread, botID, shareMode)
}

func keysFor(chat telegram.Chat, from int64, thread int, botID int64, shareMode bool) Keys {
	parts := []string{strconv.FormatInt(chat.ID, 10)}
	if botID != 0 {
		parts = append(parts, strconv.FormatInt(botID, 10))
	}

	var k Keys
	if chat.IsGroup() {
		if !shareMode && from != 0 {
			parts = append(parts, strconv.FormatInt(from, 10))
		}
		k.GroupAdmins = "group_admin:" + strconv.FormatInt(chat.ID, 10)
	}
	if thread != 0 {
		parts = append(parts, strconv.Itoa(thread))
	}

	suffix := strings.Join(parts, ":")
	k.History = "history:" + suffix
	k.Config = "user_config:" + suffix
	k.LastMessages = "last_message_id:" + k.History
	return k
}
