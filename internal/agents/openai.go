package agents

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/agentoven/chatrelay/internal/completion"
	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/pkg/contracts"
	"github.com/agentoven/chatrelay/pkg/models"
)

// OpenAI talks to an OpenAI chat completions endpoint (or any proxy of it,
// such as OpenRouter). One of the configured keys is picked per request.
type OpenAI struct {
	deps Deps
	pick func(n int) int
}

// NewOpenAI creates the openai agent.
func NewOpenAI(d Deps) *OpenAI {
	return &OpenAI{deps: d.withDefaults(), pick: rand.IntN}
}

func (a *OpenAI) Name() string { return "openai" }

func (a *OpenAI) Enabled(cfg *config.AgentConfig) bool { return len(cfg.OpenAI.APIKeys) > 0 }

func (a *OpenAI) Model(cfg *config.AgentConfig) string { return cfg.OpenAI.Model }

func (a *OpenAI) ModelList(ctx context.Context, cfg *config.AgentConfig) ([]string, error) {
	list := cfg.OpenAI.ModelsList
	if list == "" {
		list = cfg.OpenAI.APIBase + "/models"
	}
	return a.deps.Models.Get(ctx, a.Name()+"|"+list, func(ctx context.Context) ([]string, error) {
		return LoadModelList(ctx, list, openAIModelLoader(a.deps.HTTP, a.apiKey(cfg)))
	})
}

func (a *OpenAI) Request(ctx context.Context, params *models.LLMParams, cfg *config.AgentConfig, onProgress contracts.ProgressFunc) (*models.CompletionResult, error) {
	if !a.Enabled(cfg) {
		return nil, fmt.Errorf("openai: no API key configured")
	}
	o := cfg.OpenAI
	stream := onProgress != nil

	fields := map[string]any{
		"model":    o.Model,
		"stream":   stream,
		"messages": a.deps.Renderer.Messages(ctx, params.Prompt, params.Messages, ImageURL|ImageBase64),
	}
	if o.Temperature > 0 {
		fields["temperature"] = o.Temperature
	}
	if o.MaxTokens > 0 {
		fields["max_tokens"] = o.MaxTokens
	}
	if o.TopK > 0 {
		fields["top_k"] = o.TopK
	}
	if o.TopP > 0 {
		fields["top_p"] = o.TopP
	}
	body, err := requestBody(o.ExtraParams, fields)
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}

	req := completion.Request{
		URL:    o.APIBase + "/chat/completions",
		Header: bearerHeader(a.apiKey(cfg), stream),
		Body:   body,
	}
	return execute(ctx, a.deps, a.Name(), o.Model, req, completion.OpenAIOptions(), onProgress)
}

func (a *OpenAI) apiKey(cfg *config.AgentConfig) string {
	keys := cfg.OpenAI.APIKeys
	if len(keys) == 0 {
		return ""
	}
	return keys[a.pick(len(keys))]
}
