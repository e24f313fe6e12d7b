// Package contracts defines the service interfaces of the relay.
//
// The chat pipeline depends only on these interfaces; concrete providers
// live in internal/agents and are registered at wiring time (pkg/server).
package contracts

import (
	"context"

	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/internal/stream"
	"github.com/agentoven/chatrelay/pkg/models"
)

// ProgressFunc receives the partial completion text while streaming.
type ProgressFunc = stream.ProgressFunc

// ── Agent ───────────────────────────────────────────────────

// Agent is one upstream completion provider.
// Implementations: internal/agents (openai, workers, deepseek, ollama).
type Agent interface {
	// Name is the identifier matched against AI_PROVIDER.
	Name() string

	// Enabled reports whether cfg carries what the agent needs (credentials,
	// endpoint).
	Enabled(cfg *config.AgentConfig) bool

	// Model returns the model the agent will use with cfg.
	Model(cfg *config.AgentConfig) string

	// ModelList returns the models the user may switch between.
	ModelList(ctx context.Context, cfg *config.AgentConfig) ([]string, error)

	// Request performs one completion. A non-nil onProgress requests a
	// streamed response.
	Request(ctx context.Context, params *models.LLMParams, cfg *config.AgentConfig, onProgress ProgressFunc) (*models.CompletionResult, error)
}

// AgentSelector picks the agent for a request.
type AgentSelector interface {
	Select(cfg *config.AgentConfig) (Agent, error)
}
