package agents

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/agentoven/chatrelay/internal/completion"
	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/agentoven/chatrelay/pkg/contracts"
	"github.com/agentoven/chatrelay/pkg/models"
	"github.com/rs/zerolog/log"
)

// Deps are the collaborators shared by all agents.
type Deps struct {
	Executor *completion.Executor
	Renderer *Renderer
	Models   *ModelListCache
	// HTTP is used for model list requests.
	HTTP    *http.Client
	Metrics *metrics.Collector
}

func (d Deps) withDefaults() Deps {
	if d.Executor == nil {
		d.Executor = completion.New(completion.WithMetrics(d.Metrics))
	}
	if d.Renderer == nil {
		d.Renderer = NewRenderer(nil, false)
	}
	if d.HTTP == nil {
		d.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	return d
}

// Defaults returns the shipped agents in selection order.
func Defaults(d Deps) []contracts.Agent {
	return []contracts.Agent{
		NewOpenAI(d),
		NewWorkers(d),
		NewDeepSeek(d),
		NewOllama(d),
	}
}

// bearerHeader builds the auth header of an OpenAI-style call. Accept
// follows the streaming flag.
func bearerHeader(token string, stream bool) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	return h
}

// execute runs req and wraps the text as a single assistant reply.
func execute(ctx context.Context, d Deps, agent, model string, req completion.Request, opts completion.Options, onProgress contracts.ProgressFunc) (*models.CompletionResult, error) {
	start := time.Now()
	text, err := d.Executor.Execute(ctx, req, opts, onProgress)
	outcome := completion.Outcome(err)
	d.Metrics.AgentRequest(agent, outcome)

	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("agent", agent).
		Str("model", model).
		Bool("stream", onProgress != nil).
		Str("outcome", outcome).
		Dur("took", time.Since(start)).
		Msg("Completion finished")

	// A timed out stream still carries its partial text.
	if err != nil && text == "" {
		return nil, err
	}
	return models.NewCompletionResult(text), nil
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
