package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/internal/kv"
	"github.com/rs/zerolog/log"
)

// Overrides keeps per-chat agent settings changed with /setenv. Values are
// stored as one JSON object per key.
type Overrides struct {
	kv kv.Store
}

// NewOverrides creates an override store backed by store.
func NewOverrides(store kv.Store) *Overrides {
	return &Overrides{kv: store}
}

// Load returns the overrides stored under key. Missing or corrupt values
// load as none.
func (o *Overrides) Load(ctx context.Context, key string) map[string]string {
	raw, err := o.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Warn().Err(err).Str("key", key).Msg("Chat config read failed")
		}
		return map[string]string{}
	}
	values := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &values); err != nil || values == nil {
		log.Warn().Err(err).Str("key", key).Msg("Stored chat config is not an object, ignoring")
		return map[string]string{}
	}
	return values
}

// Set validates and stores one override.
func (o *Overrides) Set(ctx context.Context, key, name, value string) error {
	name = strings.ToUpper(strings.TrimSpace(name))
	var scratch config.AgentConfig
	if err := scratch.Set(name, value); err != nil {
		return err
	}
	values := o.Load(ctx, key)
	values[name] = value
	return o.save(ctx, key, values)
}

// Delete removes one override.
func (o *Overrides) Delete(ctx context.Context, key, name string) error {
	name = strings.ToUpper(strings.TrimSpace(name))
	values := o.Load(ctx, key)
	if _, ok := values[name]; !ok {
		return fmt.Errorf("key %s is not set", name)
	}
	delete(values, name)
	return o.save(ctx, key, values)
}

// Clear removes every override under key.
func (o *Overrides) Clear(ctx context.Context, key string) error {
	return o.kv.Delete(ctx, key)
}

// Resolve returns a copy of base with the overrides under key applied.
// Invalid stored values are logged and skipped.
func (o *Overrides) Resolve(ctx context.Context, base config.AgentConfig, key string) config.AgentConfig {
	cfg := base.Clone()
	for name, value := range o.Load(ctx, key) {
		if err := cfg.Set(name, value); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping invalid chat config value")
		}
	}
	return cfg
}

func (o *Overrides) save(ctx context.Context, key string, values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode chat config: %w", err)
	}
	if err := o.kv.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("store chat config: %w", err)
	}
	return nil
}
