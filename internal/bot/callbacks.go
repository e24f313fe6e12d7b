package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/rs/zerolog"
)

// Callback data prefixes of the model picker.
const (
	callbackAgents = "al:"
	callbackAgent  = "ca:" // ca:<agent>:<page>
	callbackModel  = "cm:" // cm:<agent>:<index>

	modelsPerPage = 10
)

func (h *Handler) cmdModels(ctx context.Context, t *turn, _ string) error {
	cfg := h.overrides.Resolve(ctx, h.cfg.Agent, t.keys.Config)
	_, err := t.sender.SendMarkup(ctx, "Select a provider:", h.agentKeyboard(&cfg))
	return err
}

func (h *Handler) handleCallback(ctx context.Context, b *Bot, q *telegram.CallbackQuery, logger zerolog.Logger) (string, error) {
	msg := q.Message
	if msg == nil {
		return ResultIgnored, nil
	}
	thread := 0
	if msg.Chat.IsForum && msg.IsTopicMessage {
		thread = msg.MessageThreadID
	}
	sender := telegram.NewSender(b.API, telegram.Target{ChatID: msg.Chat.ID, ThreadID: thread})
	sender.SetMessageID(msg.MessageID)

	answer := func(text string) {
		err := b.API.AnswerCallbackQuery(ctx, telegram.AnswerCallbackQueryParams{
			CallbackQueryID: q.ID,
			Text:            text,
			ShowAlert:       text != "",
		})
		if err != nil {
			logger.Debug().Err(err).Msg("Answering callback query failed")
		}
	}

	if ok, err := h.admit(ctx, sender, msg.Chat); !ok {
		answer("")
		return ResultRejected, err
	}
	keys := keysFor(msg.Chat, q.From.ID, thread, b.ID(), h.cfg.Telegram.GroupShareMode)
	if err := h.requireAdmin(ctx, b, msg.Chat, q.From.ID, keys); err != nil {
		answer("ERROR: " + capitalize(err.Error()))
		return ResultRejected, nil
	}
	cfg := h.overrides.Resolve(ctx, h.cfg.Agent, keys.Config)

	var err error
	switch data := q.Data; {
	case data == callbackAgents:
		_, err = sender.SendMarkup(ctx, "Select a provider:", h.agentKeyboard(&cfg))
	case strings.HasPrefix(data, callbackAgent):
		name, page, ok := parseCallback(data, callbackAgent)
		if !ok {
			answer("")
			return ResultIgnored, nil
		}
		err = h.showModels(ctx, sender, &cfg, name, page)
	case strings.HasPrefix(data, callbackModel):
		name, index, ok := parseCallback(data, callbackModel)
		if !ok {
			answer("")
			return ResultIgnored, nil
		}
		err = h.selectModel(ctx, sender, &cfg, keys, name, index)
	default:
		answer("")
		return ResultIgnored, nil
	}
	answer("")
	if err != nil {
		return ResultFailed, err
	}
	return ResultHandled, nil
}

func (h *Handler) agentKeyboard(cfg *config.AgentConfig) *telegram.InlineKeyboardMarkup {
	var buttons []telegram.InlineKeyboardButton
	for _, a := range h.agents.Agents() {
		if a.Enabled(cfg) {
			buttons = append(buttons, telegram.InlineKeyboardButton{
				Text:         a.Name(),
				CallbackData: fmt.Sprintf("%s%s:0", callbackAgent, a.Name()),
			})
		}
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows(buttons, 2)}
}

func (h *Handler) showModels(ctx context.Context, s *telegram.Sender, cfg *config.AgentConfig, name string, page int) error {
	list, err := h.modelList(ctx, cfg, name)
	if err != nil {
		_, sendErr := s.SendPlain(ctx, "ERROR: "+err.Error())
		return sendErr
	}

	pages := max(1, (len(list)+modelsPerPage-1)/modelsPerPage)
	page = max(0, min(page, pages-1))
	start := page * modelsPerPage
	end := min(start+modelsPerPage, len(list))

	var buttons []telegram.InlineKeyboardButton
	for i := start; i < end; i++ {
		buttons = append(buttons, telegram.InlineKeyboardButton{
			Text:         list[i],
			CallbackData: fmt.Sprintf("%s%s:%d", callbackModel, name, i),
		})
	}
	keyboard := rows(buttons, 2)

	nav := []telegram.InlineKeyboardButton{}
	if page > 0 {
		nav = append(nav, telegram.InlineKeyboardButton{Text: "<", CallbackData: fmt.Sprintf("%s%s:%d", callbackAgent, name, page-1)})
	}
	nav = append(nav, telegram.InlineKeyboardButton{Text: fmt.Sprintf("%d/%d", page+1, pages), CallbackData: callbackAgents})
	if page < pages-1 {
		nav = append(nav, telegram.InlineKeyboardButton{Text: ">", CallbackData: fmt.Sprintf("%s%s:%d", callbackAgent, name, page+1)})
	}
	keyboard = append(keyboard, nav)

	_, err = s.SendMarkup(ctx, "Choose model:", &telegram.InlineKeyboardMarkup{InlineKeyboard: keyboard})
	return err
}

func (h *Handler) selectModel(ctx context.Context, s *telegram.Sender, cfg *config.AgentConfig, keys Keys, name string, index int) error {
	list, err := h.modelList(ctx, cfg, name)
	if err == nil && (index < 0 || index >= len(list)) {
		err = fmt.Errorf("model %d of %s not found", index, name)
	}
	if err == nil {
		err = h.overrides.Set(ctx, keys.Config, "AI_PROVIDER", name)
	}
	if err == nil {
		err = h.overrides.Set(ctx, keys.Config, modelKey(name), list[index])
	}
	if err != nil {
		_, sendErr := s.SendPlain(ctx, "ERROR: "+err.Error())
		return sendErr
	}
	_, err = s.SendMarkup(ctx, fmt.Sprintf("Change model to %s > %s", name, list[index]), nil)
	return err
}

func (h *Handler) modelList(ctx context.Context, cfg *config.AgentConfig, name string) ([]string, error) {
	agent, ok := h.agents.Get(name)
	if !ok || !agent.Enabled(cfg) {
		return nil, fmt.Errorf("agent %s is not enabled", name)
	}
	return agent.ModelList(ctx, cfg)
}

// parseCallback splits "<prefix><name>:<n>".
func parseCallback(data, prefix string) (string, int, bool) {
	name, num, ok := strings.Cut(strings.TrimPrefix(data, prefix), ":")
	if !ok || name == "" {
		return "", 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return "", 0, false
	}
	return name, n, true
}

func rows(buttons []telegram.InlineKeyboardButton, width int) [][]telegram.InlineKeyboardButton {
	out := [][]telegram.InlineKeyboardButton{}
	for i := 0; i < len(buttons); i += width {
		out = append(out, buttons[i:min(i+width, len(buttons))])
	}
	return out
}
