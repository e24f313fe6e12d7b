package agents_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/agentoven/chatrelay/internal/agents"
	"github.com/agentoven/chatrelay/internal/completion"
	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/agentoven/chatrelay/internal/stream"
	"github.com/agentoven/chatrelay/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

// captured is the last request an upstream stub received.
type captured struct {
	mu     sync.Mutex
	path   string
	header http.Header
	body   []byte
}

func (c *captured) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = r.URL.Path
	c.header = r.Header.Clone()
	c.body = body
}

func (c *captured) get(path string) gjson.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gjson.GetBytes(c.body, path)
}

func jsonUpstream(got *captured, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got.record(r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func userParams(text string) *models.LLMParams {
	return &models.LLMParams{
		Prompt:   "be brief",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Text: text}},
	}
}

func TestOpenAIRequest(t *testing.T) {
	got := &captured{}
	srv := newServer(t, jsonUpstream(got, `{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`))

	m := metrics.NewCollector()
	a := agents.NewOpenAI(agents.Deps{Metrics: m})
	cfg := &config.AgentConfig{OpenAI: config.OpenAIConfig{
		APIKeys:     []string{"sk-only"},
		APIBase:     srv.URL + "/v1",
		Model:       "gpt-test",
		Temperature: 0.5,
		MaxTokens:   64,
		ExtraParams: map[string]any{"temperature": 1.5, "seed": 7},
	}}

	res, err := a.Request(context.Background(), userParams("ping"), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Text)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, models.RoleAssistant, res.Responses[0].Role)

	assert.Equal(t, "/v1/chat/completions", got.path)
	assert.Equal(t, "Bearer sk-only", got.header.Get("Authorization"))
	assert.Equal(t, "application/json", got.header.Get("Accept"))
	assert.Equal(t, "gpt-test", got.get("model").String())
	assert.False(t, got.get("stream").Bool())
	assert.Equal(t, 0.5, got.get("temperature").Float(), "configured fields win over extra params")
	assert.Equal(t, int64(7), got.get("seed").Int())
	assert.Equal(t, int64(64), got.get("max_tokens").Int())
	assert.False(t, got.get("top_k").Exists())
	assert.Equal(t, "system", got.get("messages.0.role").String())
	assert.Equal(t, "be brief", got.get("messages.0.content").String())
	assert.Equal(t, "ping", got.get("messages.1.content").String())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionsTotal.WithLabelValues("openai", "ok")))
}

func TestOpenAIRequest_Streaming(t *testing.T) {
	got := &captured{}
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		got.record(r)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, s := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", s)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	exec := completion.New(completion.WithThrottle(stream.Throttle{InitialStep: 0, StepIncrement: 1}))
	a := agents.NewOpenAI(agents.Deps{Executor: exec})
	cfg := &config.AgentConfig{OpenAI: config.OpenAIConfig{APIKeys: []string{"k"}, APIBase: srv.URL, Model: "m"}}

	var updates []string
	res, err := a.Request(context.Background(), userParams("hi"), cfg, func(_ context.Context, text string) error {
		updates = append(updates, text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)
	assert.NotEmpty(t, updates)
	assert.True(t, got.get("stream").Bool())
	assert.Equal(t, "text/event-stream", got.header.Get("Accept"))
}

func TestOpenAIRequest_UpstreamError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"quota exceeded"}}`)
	})

	m := metrics.NewCollector()
	a := agents.NewOpenAI(agents.Deps{Metrics: m})
	cfg := &config.AgentConfig{OpenAI: config.OpenAIConfig{APIKeys: []string{"k"}, APIBase: srv.URL, Model: "m"}}

	_, err := a.Request(context.Background(), userParams("hi"), cfg, nil)
	var upstream *completion.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "quota exceeded", upstream.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionsTotal.WithLabelValues("openai", "upstream_error")))
}

func TestOpenAIRequest_NotConfigured(t *testing.T) {
	a := agents.NewOpenAI(agents.Deps{})
	cfg := &config.AgentConfig{}
	assert.False(t, a.Enabled(cfg))
	_, err := a.Request(context.Background(), userParams("hi"), cfg, nil)
	require.Error(t, err)
}

func TestWorkersRequest(t *testing.T) {
	got := &captured{}
	srv := newServer(t, jsonUpstream(got, `{"result":{"response":"from workers"},"success":true}`))

	w := agents.NewWorkers(agents.Deps{}, agents.WithCloudflareBase(srv.URL))
	cfg := &config.AgentConfig{Workers: config.WorkersConfig{AccountID: "acc", Token: "cf-tok", Model: "@cf/meta/llama"}}
	params := &models.LLMParams{Messages: []models.ChatMessage{{
		Role:  models.RoleUser,
		Parts: []models.ContentPart{models.TextPart("look"), models.ImageURLPart("https://img/x.jpg")},
	}}}

	res, err := w.Request(context.Background(), params, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "from workers", res.Text)
	assert.Equal(t, "/accounts/acc/ai/run/@cf/meta/llama", got.path)
	assert.Equal(t, "Bearer cf-tok", got.header.Get("Authorization"))
	assert.False(t, got.get("model").Exists())
	assert.Equal(t, "look", got.get("messages.0.content.0.text").String())
	assert.Equal(t, int64(1), got.get("messages.0.content.#").Int(), "workers gets no images")
}

func TestWorkersRequest_ErrorEnvelope(t *testing.T) {
	srv := newServer(t, jsonUpstream(&captured{}, `{"errors":[{"message":"model not found"}],"success":false}`))

	w := agents.NewWorkers(agents.Deps{}, agents.WithCloudflareBase(srv.URL))
	cfg := &config.AgentConfig{Workers: config.WorkersConfig{AccountID: "acc", Token: "t", Model: "nope"}}

	_, err := w.Request(context.Background(), userParams("hi"), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestCompatibleEnabled(t *testing.T) {
	ds := agents.NewDeepSeek(agents.Deps{})
	ol := agents.NewOllama(agents.Deps{})

	tests := []struct {
		name   string
		cfg    config.AgentConfig
		deep   bool
		ollama bool
	}{
		{name: "empty", cfg: config.AgentConfig{}},
		{
			name: "deepseek base without key",
			cfg:  config.AgentConfig{DeepSeek: config.CompatibleConfig{APIBase: "https://api.deepseek.com"}},
		},
		{
			name: "deepseek with key",
			cfg:  config.AgentConfig{DeepSeek: config.CompatibleConfig{APIBase: "https://api.deepseek.com", APIKey: "k"}},
			deep: true,
		},
		{
			name:   "ollama base only",
			cfg:    config.AgentConfig{Ollama: config.CompatibleConfig{APIBase: "http://localhost:11434/v1"}},
			ollama: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.deep, ds.Enabled(&tt.cfg))
			assert.Equal(t, tt.ollama, ol.Enabled(&tt.cfg))
		})
	}
}

func TestOllamaRequest(t *testing.T) {
	got := &captured{}
	srv := newServer(t, jsonUpstream(got, `{"choices":[{"message":{"content":"local"}}]}`))

	a := agents.NewOllama(agents.Deps{})
	cfg := &config.AgentConfig{Ollama: config.CompatibleConfig{APIBase: srv.URL + "/v1", Model: "llama3.2"}}

	res, err := a.Request(context.Background(), userParams("hi"), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", res.Text)
	assert.Equal(t, "/v1/chat/completions", got.path)
	assert.Empty(t, got.header.Get("Authorization"))
	assert.Equal(t, "llama3.2", got.get("model").String())
	assert.Equal(t, "llama3.2", a.Model(cfg))
}
