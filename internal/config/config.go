package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the relay.
type Config struct {
	Port      int             `yaml:"port" validate:"min=1,max=65535"`
	Version   string          `yaml:"version"`
	DevMode   bool            `yaml:"dev_mode"`
	// AdminKeys protect the administrative endpoints; empty leaves them open.
	AdminKeys []string        `yaml:"admin_keys"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	History   HistoryConfig   `yaml:"history"`
	Agent     AgentConfig     `yaml:"agent"`
	Plugins   PluginConfig    `yaml:"plugins"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=trace debug info warn error"`
	// File enables a rotating log file next to the console output.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=1"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
}

type StoreConfig struct {
	// URL selects the kv backend (memory://, badger://, postgres://, sqlite://).
	URL     string `yaml:"url"`
	DataDir string `yaml:"data_dir"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`

	// OTLPEndpoint is host:port, or a URL whose scheme picks TLS.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`

	// SampleRatio is the share of new traces recorded.
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

type TelegramConfig struct {
	Tokens    []string `yaml:"tokens" validate:"dive,required"`
	BotNames  []string `yaml:"bot_names"`
	APIDomain string   `yaml:"api_domain" validate:"required,url"`

	WebhookBaseURL string `yaml:"webhook_base_url" validate:"omitempty,url"`
	WebhookSecret  string `yaml:"webhook_secret"`

	ChatWhiteList      []string `yaml:"chat_white_list"`
	GroupWhiteList     []string `yaml:"group_white_list"`
	GenerousPerson     bool     `yaml:"i_am_a_generous_person"`
	GroupChatBotEnable bool     `yaml:"group_chat_bot_enable"`
	GroupShareMode     bool     `yaml:"group_chat_bot_share_mode"`

	StreamMode        bool          `yaml:"stream_mode"`
	MinStreamInterval time.Duration `yaml:"min_stream_interval" validate:"min=0"`
	DefaultParseMode  string        `yaml:"default_parse_mode" validate:"omitempty,oneof=Markdown MarkdownV2 HTML"`
	ImageTransferMode string        `yaml:"image_transfer_mode" validate:"oneof=url base64"`
	// PhotoSizeOffset picks the photo size sent to the model; negative
	// values count from the largest.
	PhotoSizeOffset   int           `yaml:"photo_size_offset"`

	// SafeMode drops updates whose message id was already handled, which
	// happens when the platform redelivers a slow webhook.
	SafeMode bool `yaml:"safe_mode"`
	// HideCommands are left out of the command menus.
	HideCommands []string `yaml:"hide_commands"`

	MaxConcurrentUpdates int     `yaml:"max_concurrent_updates" validate:"min=1"`
	RequestsPerSecond    float64 `yaml:"requests_per_second" validate:"gt=0"`
}

type HistoryConfig struct {
	AutoTrim         bool          `yaml:"auto_trim"`
	MaxLength        int           `yaml:"max_length"`
	MaxTokens        int           `yaml:"max_tokens"`
	ImagePlaceholder string        `yaml:"image_placeholder"`
	TTL              time.Duration `yaml:"ttl" validate:"min=0"`
}

// PluginConfig holds plugin command templates. Commands maps a command name
// (without slash) to a JSON template or an http(s) URL serving one. Scopes
// lists the command menus (Bot API scope types) a command is shown in.
type PluginConfig struct {
	Commands     map[string]string   `yaml:"commands"`
	Descriptions map[string]string   `yaml:"descriptions"`
	Scopes       map[string][]string `yaml:"scopes"`
	Env          map[string]string   `yaml:"env"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:    8080,
		Version: "0.1.0",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Store: StoreConfig{URL: "memory://"},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "chatrelay",
			SampleRatio:  1,
		},
		Telegram: TelegramConfig{
			APIDomain:            "https://api.telegram.org",
			GroupChatBotEnable:   true,
			GroupShareMode:       true,
			StreamMode:           true,
			DefaultParseMode:     "Markdown",
			ImageTransferMode:    "base64",
			PhotoSizeOffset:      1,
			SafeMode:             true,
			MaxConcurrentUpdates: 32,
			RequestsPerSecond:    25,
		},
		History: HistoryConfig{
			AutoTrim:  true,
			MaxLength: 20,
			MaxTokens: -1,
		},
		Agent: defaultAgentConfig(),
		Plugins: PluginConfig{
			Commands:     map[string]string{},
			Descriptions: map[string]string{},
			Scopes:       map[string][]string{},
			Env:          map[string]string{},
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CHATRELAY_CONFIG, then environment variables. A .env file (CHATRELAY_ENV_FILE,
// default ".env") is read into the environment first without overriding
// variables already set.
func Load() (*Config, error) {
	envFile := envStr("CHATRELAY_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	cfg := Default()
	if path := os.Getenv("CHATRELAY_CONFIG"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if n := len(c.Telegram.BotNames); n > 0 && n != len(c.Telegram.Tokens) {
		return fmt.Errorf("invalid configuration: %d bot names for %d tokens", n, len(c.Telegram.Tokens))
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("CHATRELAY_PORT", c.Port)
	c.Version = envStr("CHATRELAY_VERSION", c.Version)
	c.DevMode = envBool("DEV_MODE", c.DevMode)
	c.AdminKeys = envList("CHATRELAY_ADMIN_KEYS", c.AdminKeys)

	c.Log.Level = strings.ToLower(envStr("CHATRELAY_LOG_LEVEL", c.Log.Level))
	c.Log.File = envStr("CHATRELAY_LOG_FILE", c.Log.File)

	c.Store.URL = envStr("STORE_URL", c.Store.URL)
	c.Store.DataDir = envStr("CHATRELAY_DATA_DIR", c.Store.DataDir)

	c.Telemetry.Enabled = envBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", c.Telemetry.SampleRatio)

	t := &c.Telegram
	t.Tokens = envList("TELEGRAM_AVAILABLE_TOKENS", t.Tokens)
	t.BotNames = envList("TELEGRAM_BOT_NAME", t.BotNames)
	t.APIDomain = strings.TrimSuffix(envStr("TELEGRAM_API_DOMAIN", t.APIDomain), "/")
	t.WebhookBaseURL = strings.TrimSuffix(envStr("WEBHOOK_BASE_URL", t.WebhookBaseURL), "/")
	t.WebhookSecret = envStr("TELEGRAM_WEBHOOK_SECRET", t.WebhookSecret)
	t.ChatWhiteList = envList("CHAT_WHITE_LIST", t.ChatWhiteList)
	t.GroupWhiteList = envList("CHAT_GROUP_WHITE_LIST", t.GroupWhiteList)
	t.GenerousPerson = envBool("I_AM_A_GENEROUS_PERSON", t.GenerousPerson)
	t.GroupChatBotEnable = envBool("GROUP_CHAT_BOT_ENABLE", t.GroupChatBotEnable)
	t.GroupShareMode = envBool("GROUP_CHAT_BOT_SHARE_MODE", t.GroupShareMode)
	t.StreamMode = envBool("STREAM_MODE", t.StreamMode)
	t.MinStreamInterval = envMillis("TELEGRAM_MIN_STREAM_INTERVAL", t.MinStreamInterval)
	t.DefaultParseMode = envStr("DEFAULT_PARSE_MODE", t.DefaultParseMode)
	t.ImageTransferMode = envStr("TELEGRAM_IMAGE_TRANSFER_MODE", t.ImageTransferMode)
	t.PhotoSizeOffset = envInt("TELEGRAM_PHOTO_SIZE_OFFSET", t.PhotoSizeOffset)
	t.SafeMode = envBool("SAFE_MODE", t.SafeMode)
	t.HideCommands = envList("HIDE_COMMAND_BUTTONS", t.HideCommands)
	t.MaxConcurrentUpdates = envInt("MAX_CONCURRENT_UPDATES", t.MaxConcurrentUpdates)
	t.RequestsPerSecond = envFloat("TELEGRAM_REQUESTS_PER_SECOND", t.RequestsPerSecond)

	h := &c.History
	h.AutoTrim = envBool("AUTO_TRIM_HISTORY", h.AutoTrim)
	h.MaxLength = envInt("MAX_HISTORY_LENGTH", h.MaxLength)
	h.MaxTokens = envInt("MAX_TOKEN_LENGTH", h.MaxTokens)
	h.ImagePlaceholder = envStr("HISTORY_IMAGE_PLACEHOLDER", h.ImagePlaceholder)
	h.TTL = envDuration("HISTORY_TTL", h.TTL)

	c.Agent.applyEnv()
	c.Plugins.applyEnv(os.Environ())
}

// applyEnv collects PLUGIN_COMMAND_<name>, PLUGIN_DESCRIPTION_<name>,
// PLUGIN_SCOPE_<name> and PLUGIN_ENV_<key> variables.
func (p *PluginConfig) applyEnv(environ []string) {
	if p.Commands == nil {
		p.Commands = map[string]string{}
	}
	if p.Descriptions == nil {
		p.Descriptions = map[string]string{}
	}
	if p.Scopes == nil {
		p.Scopes = map[string][]string{}
	}
	if p.Env == nil {
		p.Env = map[string]string{}
	}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(key, "PLUGIN_COMMAND_"):
			p.Commands[strings.TrimPrefix(key, "PLUGIN_COMMAND_")] = value
		case strings.HasPrefix(key, "PLUGIN_DESCRIPTION_"):
			p.Descriptions[strings.TrimPrefix(key, "PLUGIN_DESCRIPTION_")] = value
		case strings.HasPrefix(key, "PLUGIN_SCOPE_"):
			p.Scopes[strings.TrimPrefix(key, "PLUGIN_SCOPE_")] = ParseList(value)
		case strings.HasPrefix(key, "PLUGIN_ENV_"):
			p.Env[strings.TrimPrefix(key, "PLUGIN_ENV_")] = value
		}
	}
}

// ── env helpers ─────────────────────────────────────────────

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envMillis reads an integer number of milliseconds.
func envMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return fallback
}

// envSeconds reads an integer number of seconds.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList reads a JSON array or a comma separated list.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return ParseList(v)
}

// ParseList splits a JSON array or a comma separated list, dropping blanks.
func ParseList(v string) []string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "[") {
		var list []string
		if err := json.Unmarshal([]byte(v), &list); err == nil {
			return list
		}
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
