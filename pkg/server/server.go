// Package server assembles the relay: configuration, storage, agents, bots
// and the HTTP router.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	defer srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/chatrelay/internal/agents"
	"github.com/agentoven/chatrelay/internal/api"
	"github.com/agentoven/chatrelay/internal/api/handlers"
	"github.com/agentoven/chatrelay/internal/bot"
	"github.com/agentoven/chatrelay/internal/chat"
	"github.com/agentoven/chatrelay/internal/completion"
	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/internal/history"
	"github.com/agentoven/chatrelay/internal/kv"
	"github.com/agentoven/chatrelay/internal/logging"
	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/agentoven/chatrelay/internal/plugin"
	"github.com/agentoven/chatrelay/internal/stream"
	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/agentoven/chatrelay/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// updateGrace is added to the completion timeout to bound a whole update,
// which also covers platform calls.
const updateGrace = time.Minute

// Server holds the initialized relay.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Config is the effective configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// Bots are the configured bot accounts.
	Bots *bot.Bots

	updates    *bot.Handler
	dispatcher *bot.Dispatcher
	store      kv.Store
	logs       io.Closer
	telemetry  telemetry.Shutdown
}

// New loads the configuration and initializes all components.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes all components from cfg.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	logs, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	store, err := kv.Open(ctx, cfg.Store.URL, cfg.Store.DataDir)
	if err != nil {
		shutdownTelemetry(ctx)
		logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("store", storeKind(cfg.Store.URL)).Msg("✅ Store initialized")

	collector := metrics.NewCollector()

	hist := history.New(store,
		history.WithMaxCount(cfg.History.MaxLength),
		history.WithMaxTokens(cfg.History.MaxTokens),
		history.WithAutoTrim(cfg.History.AutoTrim),
		history.WithImagePlaceholder(cfg.History.ImagePlaceholder),
		history.WithTTL(cfg.History.TTL),
		history.WithMetrics(collector),
	)

	throttle := stream.DefaultThrottle()
	throttle.MinInterval = cfg.Telegram.MinStreamInterval
	executor := completion.New(
		completion.WithThrottle(throttle),
		completion.WithTimeout(cfg.Agent.CompletionTimeout),
		completion.WithMetrics(collector),
	)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	registry := agents.NewRegistry(agents.Defaults(agents.Deps{
		Executor: executor,
		Renderer: agents.NewRenderer(agents.NewImageFetcher(httpClient), cfg.Telegram.ImageTransferMode == "base64"),
		Models:   agents.NewModelListCache(0, collector),
		HTTP:     httpClient,
		Metrics:  collector,
	})...)
	log.Info().Int("agents", len(registry.Agents())).Msg("✅ Agent registry initialized")

	bots := bot.NewBots(cfg.Telegram,
		telegram.WithAPIDomain(cfg.Telegram.APIDomain),
		telegram.WithRateLimit(cfg.Telegram.RequestsPerSecond, burst(cfg.Telegram.RequestsPerSecond)),
		telegram.WithMetrics(collector),
	)
	if len(bots.All()) == 0 {
		log.Warn().Msg("No bot token configured; set TELEGRAM_AVAILABLE_TOKENS")
	}

	updates := bot.NewHandler(bot.Deps{
		Config:    cfg,
		Chat:      chat.New(hist, registry, chat.WithMetrics(collector)),
		History:   hist,
		Overrides: chat.NewOverrides(store),
		Agents:    registry,
		Store:     store,
		Plugins:   plugin.NewRunner(httpClient, cfg.Plugins.Env),
		Metrics:   collector,
	})

	var dispatchOpts []bot.DispatcherOption
	if cfg.Agent.CompletionTimeout > 0 {
		dispatchOpts = append(dispatchOpts, bot.WithUpdateTimeout(cfg.Agent.CompletionTimeout+updateGrace))
	}
	dispatcher := bot.NewDispatcher(updates, cfg.Telegram.MaxConcurrentUpdates, dispatchOpts...)

	h := handlers.New(cfg, bots, dispatcher, updates)
	router := api.NewRouter(cfg, h, collector.Handler())

	return &Server{
		Handler:    router,
		Config:     cfg,
		Port:       cfg.Port,
		Bots:       bots,
		updates:    updates,
		dispatcher: dispatcher,
		store:      store,
		logs:       logs,
		telemetry:  shutdownTelemetry,
	}, nil
}

// Bind points every bot's webhook at baseURL and installs its command menus.
func (s *Server) Bind(ctx context.Context, baseURL string) []bot.BindResult {
	results := make([]bot.BindResult, 0, len(s.Bots.All()))
	for _, b := range s.Bots.All() {
		results = append(results, s.updates.Bind(ctx, b, baseURL))
	}
	return results
}

// Shutdown waits for in-flight updates, then releases the store, flushes
// telemetry and closes the log file. Call it after the HTTP server stopped
// accepting requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.dispatcher.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.telemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	if err := s.logs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	return errors.Join(errs...)
}

// burst allows one second worth of calls at once.
func burst(rps float64) int {
	return max(1, int(math.Ceil(rps)))
}

// storeKind returns the scheme of a store URL without credentials.
func storeKind(rawURL string) string {
	if scheme, _, ok := strings.Cut(rawURL, ":"); ok {
		return scheme
	}
	return "memory"
}
