package api

import (
	"net/http"

	"github.com/agentoven/chatrelay/internal/api/handlers"
	"github.com/agentoven/chatrelay/internal/api/middleware"
	"github.com/agentoven/chatrelay/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all routes. metrics serves the
// Prometheus registry.
func NewRouter(cfg *config.Config, h *handlers.Handlers, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)

	// Platform deliveries
	r.With(middleware.WebhookSecret(cfg.Telegram.WebhookSecret)).
		Post("/telegram/{token}/webhook", h.Webhook)

	// Administration
	r.Group(func(r chi.Router) {
		r.Use(middleware.KeyAuth(cfg.AdminKeys))
		r.Get("/init", h.Init)
		r.Method(http.MethodGet, "/metrics", metrics)
	})

	return r
}
