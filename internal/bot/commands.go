package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"maps"
	"slices"
	"strings"

	"github.com/agentoven/chatrelay/internal/chat"
	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/internal/plugin"
	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/agentoven/chatrelay/pkg/models"
)

// Command menu scopes, in binding order.
var menuScopes = []string{
	telegram.ScopeAllPrivateChats,
	telegram.ScopeAllGroupChats,
	telegram.ScopeAllChatAdministrators,
}

var (
	scopesAll          = menuScopes
	scopesPrivateAdmin = []string{telegram.ScopeAllPrivateChats, telegram.ScopeAllChatAdministrators}
)

// command is a built-in chat command.
type command struct {
	name        string
	description string
	// scopes are the menus the command is listed in.
	scopes []string
	// admin restricts the command to group administrators in share mode.
	admin  bool
	handle func(ctx context.Context, t *turn, arg string) error
}

func (h *Handler) systemCommands() []*command {
	cmds := []*command{
		{name: "/help", description: "Get command help", scopes: scopesPrivateAdmin, handle: h.cmdHelp},
		{name: "/new", description: "Start a new conversation", scopes: scopesAll, handle: h.cmdNew(false)},
		{name: "/start", description: "Get your ID and start a new conversation", handle: h.cmdNew(true)},
		{name: "/redo", description: "Redo the last conversation, /redo with modified content or directly /redo", scopes: scopesAll, handle: h.cmdRedo},
		{name: "/models", description: "Switch chat model", scopes: scopesAll, handle: h.cmdModels},
		{name: "/setenv", description: "Set user configuration, the complete command format is /setenv KEY=VALUE", admin: true, handle: h.cmdSetEnv},
		{name: "/setenvs", description: `Batch set user configurations, the full format of the command is /setenvs {"KEY1": "VALUE1", "KEY2": "VALUE2"}`, admin: true, handle: h.cmdSetEnvs},
		{name: "/delenv", description: "Delete user configuration, the complete command format is /delenv KEY", admin: true, handle: h.cmdDelEnv},
		{name: "/clearenv", description: "Clear all user configuration", admin: true, handle: h.cmdClearEnv},
		{name: "/version", description: "Get the current version number", scopes: scopesPrivateAdmin, handle: h.cmdVersion},
		{name: "/system", description: "View some system information", scopes: scopesPrivateAdmin, handle: h.cmdSystem},
	}
	if h.cfg.DevMode {
		cmds = append(cmds, &command{name: "/echo", description: "Echo the message", handle: h.cmdEcho})
	}
	return cmds
}

// runCommand answers a command message. It reports false when the message
// is not a command the bot knows.
func (h *Handler) runCommand(ctx context.Context, t *turn) (bool, error) {
	text := strings.TrimSpace(t.msg.Content())
	if !strings.HasPrefix(text, "/") {
		return false, nil
	}
	text = h.stripCommandSuffix(ctx, t.bot, text)

	if c, arg, ok := plugin.Match(h.pluginCommands, text); ok {
		return true, h.runPlugin(ctx, t, c, arg)
	}

	for _, c := range h.commands {
		if text != c.name && !strings.HasPrefix(text, c.name+" ") {
			continue
		}
		if c.admin {
			if err := h.requireAdmin(ctx, t.bot, t.msg.Chat, t.msg.SenderID(), t.keys); err != nil {
				_, sendErr := t.sender.SendPlain(ctx, "ERROR: "+capitalize(err.Error()))
				return true, sendErr
			}
		}
		arg := strings.TrimSpace(text[len(c.name):])
		t.log.Info().Str("command", c.name).Msg("Running command")
		return true, c.handle(ctx, t, arg)
	}
	return false, nil
}

// stripCommandSuffix turns "/cmd@bot rest" into "/cmd rest".
func (h *Handler) stripCommandSuffix(ctx context.Context, b *Bot, text string) string {
	head, rest, _ := strings.Cut(text, " ")
	cmd, target, ok := strings.Cut(head, "@")
	if !ok {
		return text
	}
	if name, err := b.Name(ctx); err != nil || !strings.EqualFold(name, target) {
		return text
	}
	if rest == "" {
		return cmd
	}
	return cmd + " " + rest
}

func (h *Handler) runPlugin(ctx context.Context, t *turn, c plugin.Command, arg string) error {
	out, err := h.executePlugin(ctx, c, arg)
	if err != nil {
		t.log.Warn().Err(err).Str("plugin", c.Name).Msg("Plugin failed")
		msg := "ERROR: " + err.Error()
		if c.Description != "" {
			msg += "\n" + c.Description
		}
		_, sendErr := t.sender.SendPlain(ctx, msg)
		return sendErr
	}

	switch out.Type {
	case plugin.OutputImage:
		if len(out.Data) > 0 {
			_, err = t.sender.SendPhotoData(ctx, out.Data, "image")
		} else {
			_, err = t.sender.SendPhoto(ctx, out.Text)
		}
	case plugin.OutputHTML:
		_, err = t.sender.SendRich(ctx, out.Text, telegram.ParseModeHTML)
	case plugin.OutputMarkdown:
		_, err = t.sender.SendRich(ctx, out.Text, telegram.ParseModeMarkdown)
	default:
		_, err = t.sender.SendPlain(ctx, out.Text)
	}
	return err
}

func (h *Handler) executePlugin(ctx context.Context, c plugin.Command, arg string) (*plugin.Output, error) {
	tmpl, err := h.plugins.Load(ctx, c)
	if err != nil {
		return nil, err
	}
	return h.plugins.Run(ctx, tmpl, arg)
}

// ── built-in commands ───────────────────────────────────────

func (h *Handler) cmdHelp(ctx context.Context, t *turn, _ string) error {
	var b strings.Builder
	b.WriteString("The following commands are currently supported:\n")
	for _, c := range h.commands {
		fmt.Fprintf(&b, "%s: %s\n", c.name, c.description)
	}
	for _, c := range h.pluginCommands {
		if c.Description != "" {
			fmt.Fprintf(&b, "%s: %s\n", c.Name, c.Description)
		}
	}
	_, err := t.sender.SendPlain(ctx, b.String())
	return err
}

func (h *Handler) cmdNew(showID bool) func(ctx context.Context, t *turn, _ string) error {
	return func(ctx context.Context, t *turn, _ string) error {
		if err := h.history.Reset(ctx, t.keys.History); err != nil {
			h.sendError(ctx, t, err)
			return err
		}
		text := "A new conversation has started"
		if showID {
			text += fmt.Sprintf("(%d)", t.msg.Chat.ID)
		}
		_, err := t.sender.SendMarkup(ctx, text, telegram.RemoveKeyboard{RemoveKeyboard: true, Selective: true})
		return err
	}
}

func (h *Handler) cmdRedo(ctx context.Context, t *turn, arg string) error {
	return h.converse(ctx, t, models.NewTextMessage(models.RoleUser, ""), chat.Redo(arg))
}

func (h *Handler) cmdSetEnv(ctx context.Context, t *turn, arg string) error {
	key, value, ok := strings.Cut(arg, "=")
	if !ok {
		help := h.find("/setenv").description + "\nConfigurable keys: " + strings.Join(config.OverridableKeys(), ", ")
		_, err := t.sender.SendPlain(ctx, help)
		return err
	}
	return h.replyConfig(ctx, t, h.overrides.Set(ctx, t.keys.Config, key, value), "Update user config success")
}

func (h *Handler) cmdSetEnvs(ctx context.Context, t *turn, arg string) error {
	var values map[string]any
	if err := json.Unmarshal([]byte(arg), &values); err != nil {
		return h.replyConfig(ctx, t, fmt.Errorf("parse values: %w", err), "")
	}
	for _, k := range sortedKeys(values) {
		if err := h.overrides.Set(ctx, t.keys.Config, k, plugin.Format(values[k])); err != nil {
			return h.replyConfig(ctx, t, err, "")
		}
	}
	return h.replyConfig(ctx, t, nil, "Update user config success")
}

func (h *Handler) cmdDelEnv(ctx context.Context, t *turn, arg string) error {
	return h.replyConfig(ctx, t, h.overrides.Delete(ctx, t.keys.Config, arg), "Delete user config success")
}

func (h *Handler) cmdClearEnv(ctx context.Context, t *turn, _ string) error {
	return h.replyConfig(ctx, t, h.overrides.Clear(ctx, t.keys.Config), "Clear user config success")
}

func (h *Handler) replyConfig(ctx context.Context, t *turn, err error, success string) error {
	text := success
	if err != nil {
		text = "ERROR: " + err.Error()
	}
	_, sendErr := t.sender.SendPlain(ctx, text)
	return sendErr
}

func (h *Handler) cmdVersion(ctx context.Context, t *turn, _ string) error {
	_, err := t.sender.SendPlain(ctx, "Current version: "+h.cfg.Version)
	return err
}

func (h *Handler) cmdSystem(ctx context.Context, t *turn, _ string) error {
	cfg := h.overrides.Resolve(ctx, h.cfg.Agent, t.keys.Config)
	info := map[string]string{"AI_PROVIDER": "none"}
	if agent, err := h.agents.Select(&cfg); err == nil {
		info["AI_PROVIDER"] = agent.Name()
		info[modelKey(agent.Name())] = agent.Model(&cfg)
	}
	msg := "<strong>AGENT</strong>" + preJSON(info)
	if h.cfg.DevMode {
		msg += "\n\n<strong>USER_CONFIG</strong>" + preJSON(h.overrides.Load(ctx, t.keys.Config))
	}
	_, err := t.sender.SendRich(ctx, msg, telegram.ParseModeHTML)
	return err
}

func (h *Handler) cmdEcho(ctx context.Context, t *turn, _ string) error {
	_, err := t.sender.SendRich(ctx, preJSON(map[string]any{"message": t.msg}), telegram.ParseModeHTML)
	return err
}

func (h *Handler) find(name string) *command {
	for _, c := range h.commands {
		if c.name == name {
			return c
		}
	}
	return nil
}

// ── command menus ───────────────────────────────────────────

// Menus returns the command menu of every scope.
func (h *Handler) Menus() map[string][]telegram.BotCommand {
	menus := make(map[string][]telegram.BotCommand, len(menuScopes))
	for _, s := range menuScopes {
		menus[s] = []telegram.BotCommand{}
	}
	for _, c := range h.commands {
		if containsFold(h.cfg.Telegram.HideCommands, c.name) {
			continue
		}
		for _, s := range c.scopes {
			menus[s] = append(menus[s], telegram.BotCommand{Command: strings.TrimPrefix(c.name, "/"), Description: c.description})
		}
	}
	for _, c := range h.pluginCommands {
		if containsFold(h.cfg.Telegram.HideCommands, c.Name) {
			continue
		}
		for _, s := range c.Scopes {
			menus[s] = append(menus[s], telegram.BotCommand{Command: strings.TrimPrefix(c.Name, "/"), Description: c.Description})
		}
	}
	return menus
}

// ── helpers ─────────────────────────────────────────────────

// modelKey is the override key selecting the model of an agent.
func modelKey(agent string) string {
	return strings.ToUpper(agent) + "_CHAT_MODEL"
}

func preJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(err.Error())
	}
	return "<pre>" + html.EscapeString(string(data)) + "</pre>"
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
