package agents

import (
	"context"
	"fmt"

	"github.com/agentoven/chatrelay/internal/completion"
	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/pkg/contracts"
	"github.com/agentoven/chatrelay/pkg/models"
)

// Compatible is an agent for any endpoint speaking the OpenAI chat
// completions protocol.
type Compatible struct {
	deps    Deps
	name    string
	fields  func(cfg *config.AgentConfig) config.CompatibleConfig
	enabled func(c config.CompatibleConfig) bool
	images  ImageSupport
}

// NewDeepSeek creates the deepseek agent, enabled by an API key.
func NewDeepSeek(d Deps) *Compatible {
	return &Compatible{
		deps:    d.withDefaults(),
		name:    "deepseek",
		fields:  func(cfg *config.AgentConfig) config.CompatibleConfig { return cfg.DeepSeek },
		enabled: func(c config.CompatibleConfig) bool { return c.APIKey != "" },
		images:  NoImages,
	}
}

// NewOllama creates the ollama agent, enabled by an API base (Ollama needs
// no key).
func NewOllama(d Deps) *Compatible {
	return &Compatible{
		deps:    d.withDefaults(),
		name:    "ollama",
		fields:  func(cfg *config.AgentConfig) config.CompatibleConfig { return cfg.Ollama },
		enabled: func(c config.CompatibleConfig) bool { return c.APIBase != "" },
		images:  ImageURL | ImageBase64,
	}
}

func (a *Compatible) Name() string { return a.name }

func (a *Compatible) Enabled(cfg *config.AgentConfig) bool {
	c := a.fields(cfg)
	return c.APIBase != "" && a.enabled(c)
}

func (a *Compatible) Model(cfg *config.AgentConfig) string { return a.fields(cfg).Model }

func (a *Compatible) ModelList(ctx context.Context, cfg *config.AgentConfig) ([]string, error) {
	c := a.fields(cfg)
	list := c.ModelsList
	if list == "" {
		list = c.APIBase + "/models"
	}
	return a.deps.Models.Get(ctx, a.name+"|"+list, func(ctx context.Context) ([]string, error) {
		return LoadModelList(ctx, list, openAIModelLoader(a.deps.HTTP, c.APIKey))
	})
}

func (a *Compatible) Request(ctx context.Context, params *models.LLMParams, cfg *config.AgentConfig, onProgress contracts.ProgressFunc) (*models.CompletionResult, error) {
	c := a.fields(cfg)
	if !a.Enabled(cfg) {
		return nil, fmt.Errorf("%s: agent is not configured", a.name)
	}
	stream := onProgress != nil

	body, err := requestBody(nil, map[string]any{
		"model":    c.Model,
		"stream":   stream,
		"messages": a.deps.Renderer.Messages(ctx, params.Prompt, params.Messages, a.images),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", a.name, err)
	}

	req := completion.Request{
		URL:    c.APIBase + "/chat/completions",
		Header: bearerHeader(c.APIKey, stream),
		Body:   body,
	}
	return execute(ctx, a.deps, a.name, c.Model, req, completion.OpenAIOptions(), onProgress)
}
