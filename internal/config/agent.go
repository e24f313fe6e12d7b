package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AgentConfig selects and configures the upstream LLM providers. A copy is
// taken per request so per-chat overrides never leak between chats.
type AgentConfig struct {
	// Provider names the preferred agent; "auto" picks the first enabled.
	Provider          string        `yaml:"provider"`
	SystemInitMessage string        `yaml:"system_init_message"`
	CompletionTimeout time.Duration `yaml:"completion_timeout" validate:"min=0"`

	OpenAI   OpenAIConfig     `yaml:"openai"`
	Workers  WorkersConfig    `yaml:"workers"`
	DeepSeek CompatibleConfig `yaml:"deepseek"`
	Ollama   CompatibleConfig `yaml:"ollama"`
}

type OpenAIConfig struct {
	APIKeys    []string `yaml:"api_keys"`
	APIBase    string   `yaml:"api_base" validate:"omitempty,url"`
	Model      string   `yaml:"model"`
	ModelsList string   `yaml:"models_list"`
	// ExtraParams are merged into every request body.
	ExtraParams map[string]any `yaml:"extra_params"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TopK        int     `yaml:"top_k"`
	TopP        float64 `yaml:"top_p"`
}

type WorkersConfig struct {
	AccountID  string `yaml:"account_id"`
	Token      string `yaml:"token"`
	Model      string `yaml:"model"`
	ModelsList string `yaml:"models_list"`
}

// CompatibleConfig configures an OpenAI-compatible endpoint.
type CompatibleConfig struct {
	APIKey     string `yaml:"api_key"`
	APIBase    string `yaml:"api_base" validate:"omitempty,url"`
	Model      string `yaml:"model"`
	ModelsList string `yaml:"models_list"`
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		Provider:          "auto",
		CompletionTimeout: 30 * time.Second,
		OpenAI: OpenAIConfig{
			APIBase:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			ExtraParams: map[string]any{},
			Temperature: 0.7,
			MaxTokens:   1000,
			TopK:        40,
			TopP:        0.9,
		},
		Workers: WorkersConfig{
			Model: "@cf/meta/llama-3.1-8b-instruct",
		},
		DeepSeek: CompatibleConfig{
			APIBase: "https://api.deepseek.com",
			Model:   "deepseek-chat",
		},
		Ollama: CompatibleConfig{
			Model: "llama3.2",
		},
	}
}

func (a *AgentConfig) applyEnv() {
	a.Provider = envStr("AI_PROVIDER", a.Provider)
	a.SystemInitMessage = envStr("SYSTEM_INIT_MESSAGE", a.SystemInitMessage)
	a.CompletionTimeout = envSeconds("CHAT_COMPLETE_API_TIMEOUT", a.CompletionTimeout)

	o := &a.OpenAI
	o.APIKeys = envList("OPENAI_API_KEY", o.APIKeys)
	o.APIBase = strings.TrimSuffix(envStr("OPENAI_API_BASE", o.APIBase), "/")
	o.Model = envStr("OPENAI_CHAT_MODEL", o.Model)
	o.ModelsList = envStr("OPENAI_CHAT_MODELS_LIST", o.ModelsList)
	if raw := envStr("OPENAI_API_EXTRA_PARAMS", ""); raw != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(raw), &extra); err == nil {
			o.ExtraParams = extra
		}
	}
	o.Temperature = envFloat("TEMPERATURE", o.Temperature)
	o.MaxTokens = envInt("MAX_TOKENS", o.MaxTokens)
	o.TopK = envInt("TOP_K", o.TopK)
	o.TopP = envFloat("TOP_P", o.TopP)

	w := &a.Workers
	w.AccountID = envStr("CLOUDFLARE_ACCOUNT_ID", w.AccountID)
	w.Token = envStr("CLOUDFLARE_TOKEN", w.Token)
	w.Model = envStr("WORKERS_CHAT_MODEL", w.Model)
	w.ModelsList = envStr("WORKERS_CHAT_MODELS_LIST", w.ModelsList)

	a.DeepSeek.applyEnv("DEEPSEEK")
	a.Ollama.applyEnv("OLLAMA")
}

func (c *CompatibleConfig) applyEnv(prefix string) {
	c.APIKey = envStr(prefix+"_API_KEY", c.APIKey)
	c.APIBase = strings.TrimSuffix(envStr(prefix+"_API_BASE", c.APIBase), "/")
	c.Model = envStr(prefix+"_CHAT_MODEL", c.Model)
	c.ModelsList = envStr(prefix+"_CHAT_MODELS_LIST", c.ModelsList)
}

// Clone returns a deep copy.
func (a AgentConfig) Clone() AgentConfig {
	out := a
	out.OpenAI.APIKeys = slices.Clone(a.OpenAI.APIKeys)
	out.OpenAI.ExtraParams = maps.Clone(a.OpenAI.ExtraParams)
	return out
}

// ── per-chat overrides ──────────────────────────────────────

type setter func(a *AgentConfig, value string) error

func stringSetter(field func(a *AgentConfig) *string) setter {
	return func(a *AgentConfig, v string) error {
		*field(a) = v
		return nil
	}
}

// overridable lists the keys a chat may change with /setenv. Credentials
// are deliberately absent.
var overridable = map[string]setter{
	"AI_PROVIDER":         stringSetter(func(a *AgentConfig) *string { return &a.Provider }),
	"SYSTEM_INIT_MESSAGE": stringSetter(func(a *AgentConfig) *string { return &a.SystemInitMessage }),
	"OPENAI_CHAT_MODEL":   stringSetter(func(a *AgentConfig) *string { return &a.OpenAI.Model }),
	"WORKERS_CHAT_MODEL":  stringSetter(func(a *AgentConfig) *string { return &a.Workers.Model }),
	"DEEPSEEK_CHAT_MODEL": stringSetter(func(a *AgentConfig) *string { return &a.DeepSeek.Model }),
	"OLLAMA_CHAT_MODEL":   stringSetter(func(a *AgentConfig) *string { return &a.Ollama.Model }),
	"TEMPERATURE": func(a *AgentConfig, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TEMPERATURE: %w", err)
		}
		a.OpenAI.Temperature = f
		return nil
	},
	"MAX_TOKENS": func(a *AgentConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_TOKENS: %w", err)
		}
		a.OpenAI.MaxTokens = n
		return nil
	},
}

// OverridableKeys returns the keys accepted by Set, sorted.
func OverridableKeys() []string {
	keys := make([]string, 0, len(overridable))
	for k := range overridable {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set applies one per-chat override.
func (a *AgentConfig) Set(key, value string) error {
	set, ok := overridable[strings.ToUpper(key)]
	if !ok {
		return fmt.Errorf("key %s is not configurable", key)
	}
	return set(a, value)
}

// Apply sets every override in key order, stopping at the first invalid
// one.
func (a *AgentConfig) Apply(overrides map[string]string) error {
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		if err := a.Set(k, overrides[k]); err != nil {
			return err
		}
	}
	return nil
}
