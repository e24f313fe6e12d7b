package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/rs/zerolog/log"
)

// AllowedUpdates are the update kinds the webhook subscribes to.
var AllowedUpdates = []string{"message", "callback_query"}

// BindResult reports the setup of one bot.
type BindResult struct {
	Bot        string
	WebhookURL string
	Webhook    error
	// Menus holds the outcome per command scope.
	Menus map[string]error
}

// OK reports whether every call succeeded.
func (r BindResult) OK() bool {
	if r.Webhook != nil {
		return false
	}
	for _, err := range r.Menus {
		if err != nil {
			return false
		}
	}
	return true
}

// WebhookURL returns the webhook address of token under baseURL.
func WebhookURL(baseURL, token string) string {
	return fmt.Sprintf("%s/telegram/%s/webhook", strings.TrimSuffix(baseURL, "/"), token)
}

// Bind points the webhook of b at baseURL and installs the command menus.
func (h *Handler) Bind(ctx context.Context, b *Bot, baseURL string) BindResult {
	res := BindResult{
		WebhookURL: WebhookURL(baseURL, b.API.Token()),
		Menus:      map[string]error{},
	}
	if name, err := b.Name(ctx); err == nil {
		res.Bot = name
	} else {
		res.Bot = fmt.Sprintf("%d", b.ID())
	}

	res.Webhook = b.API.SetWebhook(ctx, telegram.SetWebhookParams{
		URL:            res.WebhookURL,
		SecretToken:    h.cfg.Telegram.WebhookSecret,
		AllowedUpdates: AllowedUpdates,
	})

	menus := h.Menus()
	for _, scope := range menuScopes {
		res.Menus[scope] = b.API.SetMyCommands(ctx, telegram.SetMyCommandsParams{
			Commands: menus[scope],
			Scope:    telegram.BotCommandScope{Type: scope},
		})
	}

	ev := log.Info()
	if !res.OK() {
		ev = log.Warn().AnErr("webhook_error", res.Webhook)
	}
	ev.Str("bot", res.Bot).Bool("ok", res.OK()).Msg("Bot bound")
	return res
}
