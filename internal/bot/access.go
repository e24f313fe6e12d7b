package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/agentoven/chatrelay/internal/kv"
	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/rs/zerolog/log"
)

// Member statuses allowed to change a shared group configuration.
var adminRoles = []string{"administrator", "creator"}

const (
	groupAdminsTTL  = 120 * time.Second
	lastMessagesMax = 100
)

// admit applies the chat white lists. A rejected chat is told its id so
// the operator can allow it.
func (h *Handler) admit(ctx context.Context, s *telegram.Sender, c telegram.Chat) (bool, error) {
	cfg := h.cfg.Telegram
	if c.IsGroup() && !cfg.GroupChatBotEnable {
		return false, ErrGroupDisabled
	}
	if cfg.GenerousPerson {
		return true, nil
	}

	id := strconv.FormatInt(c.ID, 10)
	var allowed []string
	switch {
	case c.Type == telegram.ChatPrivate:
		allowed = cfg.ChatWhiteList
	case c.IsGroup():
		allowed = cfg.GroupWhiteList
	default:
		_, err := s.SendPlain(ctx, "Not support chat type: "+c.Type)
		return false, err
	}
	if slices.Contains(allowed, id) {
		return true, nil
	}
	_, err := s.SendPlain(ctx, "You are not in the white list, please contact the administrator to add you to the white list. Your chat_id: "+id)
	return false, err
}

// addressed reports whether a group message is meant for the bot: a reply
// to one of its messages, or a message mentioning it. Mentions are removed
// from the text and caption.
func (h *Handler) addressed(ctx context.Context, b *Bot, msg *telegram.Message) (bool, error) {
	if r := msg.ReplyToMessage; r != nil && r.From != nil && r.From.ID == b.ID() {
		return true, nil
	}
	name, err := b.Name(ctx)
	if err != nil {
		return false, err
	}

	mentioned := false
	if msg.Text != "" && len(msg.Entities) > 0 {
		text, ok := StripMention(msg.Text, msg.Entities, name, b.ID())
		msg.Text, mentioned = text, ok
	}
	if msg.Caption != "" && len(msg.CaptionEntities) > 0 {
		caption, ok := StripMention(msg.Caption, msg.CaptionEntities, name, b.ID())
		msg.Caption, mentioned = caption, mentioned || ok
	}
	return mentioned, nil
}

// StripMention removes the mentions of the bot from text and reports
// whether there was one. A command addressed as /cmd@bot keeps the command.
// Entity offsets count UTF-16 code units.
func StripMention(text string, entities []telegram.MessageEntity, botName string, botID int64) (string, bool) {
	units := utf16.Encode([]rune(text))
	sorted := slices.Clone(entities)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset > sorted[j].Offset })

	mention := "@" + strings.ToLower(botName)
	found := false
	for _, e := range sorted {
		start, end := e.Offset, e.Offset+e.Length
		if start < 0 || e.Length <= 0 || end > len(units) {
			continue
		}
		segment := string(utf16.Decode(units[start:end]))

		var replacement string
		switch e.Type {
		case telegram.EntityMention:
			if strings.ToLower(segment) != mention {
				continue
			}
		case telegram.EntityTextMention:
			if e.User == nil || e.User.ID != botID {
				continue
			}
		case telegram.EntityBotCommand:
			if !strings.HasSuffix(strings.ToLower(segment), mention) {
				continue
			}
			replacement = segment[:len(segment)-len(mention)]
		default:
			continue
		}

		found = true
		rest := append(utf16.Encode([]rune(replacement)), units[end:]...)
		units = append(units[:start:start], rest...)
	}
	return strings.TrimSpace(string(utf16.Decode(units))), found
}

// requireAdmin checks that the sender may change a shared group
// configuration. Private chats and groups without share mode are always
// allowed.
func (h *Handler) requireAdmin(ctx context.Context, b *Bot, chat telegram.Chat, userID int64, keys Keys) error {
	if !chat.IsGroup() || !h.cfg.Telegram.GroupShareMode {
		return nil
	}
	role, err := h.role(ctx, b, chat.ID, userID, keys.GroupAdmins)
	if err != nil {
		return fmt.Errorf("get chat role failed: %w", err)
	}
	if !slices.Contains(adminRoles, role) {
		return fmt.Errorf("permission denied, need %s", strings.Join(adminRoles, " or "))
	}
	return nil
}

// role returns the member status of userID. The administrator list is
// cached in the store for a short while.
func (h *Handler) role(ctx context.Context, b *Bot, chatID, userID int64, cacheKey string) (string, error) {
	var admins []telegram.ChatMember
	if raw, err := h.store.Get(ctx, cacheKey); err == nil {
		if err := json.Unmarshal([]byte(raw), &admins); err != nil {
			log.Warn().Err(err).Str("key", cacheKey).Msg("Cached group admins are corrupt, reloading")
			admins = nil
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		log.Warn().Err(err).Str("key", cacheKey).Msg("Group admins cache read failed")
	}

	if len(admins) == 0 {
		fetched, err := b.API.GetChatAdministrators(ctx, chatID)
		if err != nil {
			return "", err
		}
		admins = fetched
		if data, err := json.Marshal(admins); err == nil {
			if err := h.store.Put(ctx, cacheKey, string(data), kv.WithTTL(groupAdminsTTL)); err != nil {
				log.Warn().Err(err).Str("key", cacheKey).Msg("Group admins cache write failed")
			}
		}
	}

	for _, m := range admins {
		if m.User.ID == userID {
			return m.Status, nil
		}
	}
	return "member", nil
}

// redelivered records the message id and reports whether it was seen
// before.
func (h *Handler) redelivered(ctx context.Context, t *turn) bool {
	unlock, err := h.seen.Lock(ctx, t.keys.LastMessages)
	if err != nil {
		return false
	}
	defer unlock()

	var ids []int
	if raw, err := h.store.Get(ctx, t.keys.LastMessages); err == nil {
		_ = json.Unmarshal([]byte(raw), &ids)
	}
	if slices.Contains(ids, t.msg.MessageID) {
		return true
	}
	ids = append(ids, t.msg.MessageID)
	if len(ids) > lastMessagesMax {
		ids = ids[len(ids)-lastMessagesMax:]
	}
	data, _ := json.Marshal(ids)
	if err := h.store.Put(ctx, t.keys.LastMessages, string(data)); err != nil {
		t.log.Warn().Err(err).Msg("Recording message id failed")
	}
	return false
}
