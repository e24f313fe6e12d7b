package agents

import (
	"context"
	"fmt"
	"net/url"

	"github.com/agentoven/chatrelay/internal/completion"
	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/pkg/contracts"
	"github.com/agentoven/chatrelay/pkg/models"
)

// CloudflareAPIBase is the Cloudflare REST API root.
const CloudflareAPIBase = "https://api.cloudflare.com/client/v4"

const workersTextGeneration = "Text Generation"

// Workers talks to Cloudflare Workers AI text generation models.
type Workers struct {
	deps Deps
	base string
}

// WorkersOption configures the workers agent.
type WorkersOption func(*Workers)

// WithCloudflareBase overrides the API root (tests, proxies).
func WithCloudflareBase(base string) WorkersOption {
	return func(w *Workers) { w.base = base }
}

// NewWorkers creates the workers agent.
func NewWorkers(d Deps, opts ...WorkersOption) *Workers {
	w := &Workers{deps: d.withDefaults(), base: CloudflareAPIBase}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workers) Name() string { return "workers" }

func (w *Workers) Enabled(cfg *config.AgentConfig) bool {
	return cfg.Workers.AccountID != "" && cfg.Workers.Token != ""
}

func (w *Workers) Model(cfg *config.AgentConfig) string { return cfg.Workers.Model }

func (w *Workers) ModelList(ctx context.Context, cfg *config.AgentConfig) ([]string, error) {
	c := cfg.Workers
	list := c.ModelsList
	if list == "" {
		list = fmt.Sprintf("%s/accounts/%s/ai/models/search?task=%s", w.base, c.AccountID, url.QueryEscape(workersTextGeneration))
	}
	return w.deps.Models.Get(ctx, w.Name()+"|"+list, func(ctx context.Context) ([]string, error) {
		return LoadModelList(ctx, list, func(ctx context.Context, u string) ([]string, error) {
			return fetchModelNames(ctx, w.deps.HTTP, u, c.Token, "result.#.name")
		})
	})
}

func (w *Workers) Request(ctx context.Context, params *models.LLMParams, cfg *config.AgentConfig, onProgress contracts.ProgressFunc) (*models.CompletionResult, error) {
	c := cfg.Workers
	if !w.Enabled(cfg) {
		return nil, fmt.Errorf("workers: Cloudflare account ID and token are required")
	}
	stream := onProgress != nil

	body, err := requestBody(nil, map[string]any{
		"messages": w.deps.Renderer.Messages(ctx, params.Prompt, params.Messages, NoImages),
		"stream":   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("workers: encode request: %w", err)
	}

	req := completion.Request{
		URL:    fmt.Sprintf("%s/accounts/%s/ai/run/%s", w.base, c.AccountID, c.Model),
		Header: bearerHeader(c.Token, stream),
		Body:   body,
	}
	opts := completion.Options{
		ContentPath:     "response",
		FullContentPath: "result.response",
		ErrorPath:       "errors.0.message",
	}
	return execute(ctx, w.deps, w.Name(), c.Model, req, opts, onProgress)
}
