// Package bot turns platform updates into chat turns and command replies.
//
// Every update passes the same filters in order: access control, message
// type, group mention, redelivery. Commands are answered directly; any
// other message becomes a chat turn.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentoven/chatrelay/internal/agents"
	"github.com/agentoven/chatrelay/internal/chat"
	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/internal/history"
	"github.com/agentoven/chatrelay/internal/kv"
	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/agentoven/chatrelay/internal/plugin"
	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Update results, as counted by metrics.
const (
	ResultHandled  = "handled"
	ResultIgnored  = "ignored"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// ErrGroupDisabled rejects group updates when group chats are turned off.
var ErrGroupDisabled = errors.New("group chats are not enabled")

// ── bots ────────────────────────────────────────────────────

// Bot is one configured bot account.
type Bot struct {
	API *telegram.Client

	mu   sync.Mutex
	name string
}

// NewBot creates a Bot. An empty name is resolved with getMe when first
// needed.
func NewBot(api *telegram.Client, name string) *Bot {
	return &Bot{API: api, name: name}
}

// ID returns the bot's user id.
func (b *Bot) ID() int64 { return b.API.BotID() }

// Name returns the bot's username.
func (b *Bot) Name(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.name != "" {
		return b.name, nil
	}
	me, err := b.API.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve bot name: %w", err)
	}
	if me.Username == "" {
		return "", errors.New("resolve bot name: bot has no username")
	}
	b.name = me.Username
	return b.name, nil
}

// Bots indexes the configured bots by token.
type Bots struct {
	all     []*Bot
	byToken map[string]*Bot
}

// NewBots creates a client per configured token.
func NewBots(cfg config.TelegramConfig, opts ...telegram.Option) *Bots {
	b := &Bots{byToken: make(map[string]*Bot, len(cfg.Tokens))}
	for i, token := range cfg.Tokens {
		name := ""
		if i < len(cfg.BotNames) {
			name = cfg.BotNames[i]
		}
		bot := NewBot(telegram.NewClient(token, opts...), name)
		b.all = append(b.all, bot)
		b.byToken[token] = bot
	}
	return b
}

// Lookup returns the bot owning token.
func (b *Bots) Lookup(token string) (*Bot, bool) {
	bot, ok := b.byToken[token]
	return bot, ok
}

// All returns the bots in configuration order.
func (b *Bots) All() []*Bot { return b.all }

// ── handler ─────────────────────────────────────────────────

// Deps are the collaborators of a Handler.
type Deps struct {
	Config    *config.Config
	Chat      *chat.Service
	History   *history.Store
	Overrides *chat.Overrides
	Agents    *agents.Registry
	Store     kv.Store
	Plugins   *plugin.Runner
	Metrics   *metrics.Collector
}

// Handler processes updates for all bots.
type Handler struct {
	cfg       *config.Config
	chat      *chat.Service
	history   *history.Store
	overrides *chat.Overrides
	agents    *agents.Registry
	store     kv.Store
	plugins   *plugin.Runner
	metrics   *metrics.Collector

	commands       []*command
	pluginCommands []plugin.Command
	seen           *chat.KeyedMutex
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		cfg:            d.Config,
		chat:           d.Chat,
		history:        d.History,
		overrides:      d.Overrides,
		agents:         d.Agents,
		store:          d.Store,
		plugins:        d.Plugins,
		metrics:        d.Metrics,
		pluginCommands: plugin.Commands(d.Config.Plugins),
		seen:           chat.NewKeyedMutex(),
	}
	if h.plugins == nil {
		h.plugins = plugin.NewRunner(nil, d.Config.Plugins.Env)
	}
	h.commands = h.systemCommands()
	return h
}

// turn is the state of one incoming message.
type turn struct {
	bot    *Bot
	msg    *telegram.Message
	keys   Keys
	sender *telegram.Sender
	log    zerolog.Logger
}

func (h *Handler) newTurn(b *Bot, msg *telegram.Message, logger zerolog.Logger) *turn {
	keys := KeysFor(msg, b.ID(), h.cfg.Telegram.GroupShareMode)
	return &turn{
		bot:    b,
		msg:    msg,
		keys:   keys,
		sender: telegram.NewSender(b.API, telegram.TargetFor(msg)),
		log:    logger.With().Str("history_key", keys.History).Logger(),
	}
}

// Handle processes one update. Replies are sent from here; the error is
// for logging by the caller only.
func (h *Handler) Handle(ctx context.Context, b *Bot, u *telegram.Update) error {
	logger := log.With().
		Str("correlation_id", uuid.NewString()).
		Int64("update_id", u.UpdateID).
		Logger()

	result, err := h.handle(ctx, b, u, logger)
	h.metrics.Update(result)
	if err != nil {
		logger.Warn().Err(err).Str("result", result).Msg("Update not handled")
		return err
	}
	logger.Debug().Str("result", result).Msg("Update processed")
	return nil
}

func (h *Handler) handle(ctx context.Context, b *Bot, u *telegram.Update, logger zerolog.Logger) (string, error) {
	switch {
	case u.EditedMessage != nil:
		return ResultIgnored, nil
	case u.CallbackQuery != nil:
		return h.handleCallback(ctx, b, u.CallbackQuery, logger)
	case u.Message == nil:
		return ResultIgnored, nil
	}

	t := h.newTurn(b, u.Message, logger)
	if ok, err := h.admit(ctx, t.sender, t.msg.Chat); !ok {
		return ResultRejected, err
	}
	if !supported(t.msg) {
		_, err := t.sender.SendPlain(ctx, "Unsupported message type. Only text and images can be processed.")
		return ResultRejected, err
	}
	if t.msg.Chat.IsGroup() {
		mentioned, err := h.addressed(ctx, b, t.msg)
		if err != nil {
			return ResultFailed, err
		}
		if !mentioned {
			return ResultIgnored, nil
		}
	}
	if h.cfg.Telegram.SafeMode && h.redelivered(ctx, t) {
		t.log.Debug().Int("message_id", t.msg.MessageID).Msg("Ignoring redelivered message")
		return ResultIgnored, nil
	}

	handled, err := h.runCommand(ctx, t)
	if handled {
		if err != nil {
			return ResultFailed, err
		}
		return ResultHandled, nil
	}

	msg, err := h.userMessage(ctx, t)
	if err != nil {
		h.sendError(ctx, t, err)
		return ResultFailed, err
	}
	if err := h.converse(ctx, t, msg, nil); err != nil {
		return ResultFailed, err
	}
	return ResultHandled, nil
}

func supported(msg *telegram.Message) bool {
	return msg.Text != "" || msg.Caption != "" || msg.HasImage()
}
