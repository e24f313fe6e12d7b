// Package handlers implements the HTTP handlers of the relay: the platform
// webhook, bot setup and service information.
package handlers

import (
	"context"
	_ "embed"
	"encoding/json"
	"html/template"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/agentoven/chatrelay/internal/bot"
	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const (
	serviceName = "chatrelay"

	// maxUpdateSize bounds a webhook body; real updates are a few KB.
	maxUpdateSize = 1 << 20
)

// Dispatcher accepts updates for background processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, b *bot.Bot, u *telegram.Update) error
}

// Binder sets up the webhook and command menus of a bot.
type Binder interface {
	Bind(ctx context.Context, b *bot.Bot, baseURL string) bot.BindResult
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Config     *config.Config
	Bots       *bot.Bots
	Dispatcher Dispatcher
	Binder     Binder
}

// New creates the handlers.
func New(cfg *config.Config, bots *bot.Bots, d Dispatcher, b Binder) *Handlers {
	return &Handlers{Config: cfg, Bots: bots, Dispatcher: d, Binder: b}
}

// ── webhook ─────────────────────────────────────────────────

// Webhook accepts an update for the bot named by the {token} URL parameter.
// The update is processed after the response is sent.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	b, ok := h.Bots.Lookup(chi.URLParam(r, "token"))
	if !ok {
		respondError(w, http.StatusNotFound, "bot not found")
		return
	}

	var u telegram.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateSize)).Decode(&u); err != nil {
		log.Warn().Err(err).Int64("bot_id", b.ID()).Msg("Malformed webhook update")
		respondError(w, http.StatusBadRequest, "invalid update")
		return
	}

	if err := h.Dispatcher.Dispatch(r.Context(), b, &u); err != nil {
		log.Warn().Err(err).Int64("bot_id", b.ID()).Msg("Update not accepted")
		respondError(w, http.StatusServiceUnavailable, "busy")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── setup ───────────────────────────────────────────────────

//go:embed init.html
var initPage string

var initTemplate = template.Must(template.New("init").Parse(initPage))

type initView struct {
	Version string
	Bots    []botView
}

type botView struct {
	Name    string
	URL     string
	Webhook string
	Menus   []menuView
}

type menuView struct {
	Scope string
	Error string
}

// Init binds the webhook and command menus of every bot and renders the
// outcome. The webhook base URL defaults to the address this request came
// in on.
func (h *Handlers) Init(w http.ResponseWriter, r *http.Request) {
	base := h.Config.Telegram.WebhookBaseURL
	if base == "" {
		base = requestBase(r)
	}

	view := initView{Version: h.Config.Version}
	for _, b := range h.Bots.All() {
		res := h.Binder.Bind(r.Context(), b, base)
		bv := botView{
			Name:    res.Bot,
			URL:     strings.Replace(res.WebhookURL, b.API.Token(), maskToken(b.API.Token()), 1),
			Webhook: errorText(res.Webhook),
		}
		for _, scope := range sortedScopes(res.Menus) {
			bv.Menus = append(bv.Menus, menuView{Scope: scope, Error: errorText(res.Menus[scope])})
		}
		view.Bots = append(view.Bots, bv)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := initTemplate.Execute(w, view); err != nil {
		log.Error().Err(err).Msg("Rendering init page failed")
	}
}

// requestBase rebuilds the public base URL of r, honouring proxies.
func requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host
}

// maskToken keeps the bot id of a token and hides the secret part.
func maskToken(token string) string {
	id, _, _ := strings.Cut(token, ":")
	return id + ":***"
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// bindOrder ranks the command scopes for display.
var bindOrder = map[string]int{
	telegram.ScopeAllPrivateChats:       0,
	telegram.ScopeAllGroupChats:         1,
	telegram.ScopeAllChatAdministrators: 2,
}

func sortedScopes(m map[string]error) []string {
	scopes := slices.Collect(maps.Keys(m))
	slices.SortFunc(scopes, func(a, b string) int { return bindOrder[a] - bindOrder[b] })
	return scopes
}

// ── service info ────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Config.Version,
		"service": serviceName,
	})
}

// ── helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
