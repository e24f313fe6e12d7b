package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// RemoteLoader fetches a model list from url.
type RemoteLoader func(ctx context.Context, url string) ([]string, error)

// LoadModelList interprets a configured model list: empty yields nothing, a
// JSON array literal is decoded, an http(s) URL is handed to remote, and any
// other value is a single model name.
func LoadModelList(ctx context.Context, raw string, remote RemoteLoader) ([]string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return []string{}, nil
	case strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]"):
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			log.Warn().Err(err).Str("value", raw).Msg("Model list is not a JSON string array")
			return []string{}, nil
		}
		return list, nil
	case strings.HasPrefix(raw, "http") && remote != nil:
		return remote(ctx, raw)
	default:
		return []string{raw}, nil
	}
}

// openAIModelLoader lists models of an OpenAI-style endpoint. URLs ending
// in /models go through the OpenAI client; others are fetched and read
// from data[].id.
func openAIModelLoader(client *http.Client, token string) RemoteLoader {
	return func(ctx context.Context, url string) ([]string, error) {
		if base, ok := strings.CutSuffix(url, "/models"); ok {
			cfg := openai.DefaultConfig(token)
			cfg.BaseURL = base
			cfg.HTTPClient = client
			list, err := openai.NewClientWithConfig(cfg).ListModels(ctx)
			if err != nil {
				return nil, fmt.Errorf("list models: %w", err)
			}
			ids := make([]string, 0, len(list.Models))
			for _, m := range list.Models {
				ids = append(ids, m.ID)
			}
			return ids, nil
		}
		return fetchModelNames(ctx, client, url, token, "data.#.id")
	}
}

// fetchModelNames GETs url with a bearer token and collects the strings at
// the gjson path.
func fetchModelNames(ctx context.Context, client *http.Client, url, token, path string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create model list request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch model list: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read model list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch model list: status %d", resp.StatusCode)
	}

	names := []string{}
	for _, v := range gjson.GetBytes(body, path).Array() {
		if s := v.String(); s != "" {
			names = append(names, s)
		}
	}
	return names, nil
}

// ── cache ───────────────────────────────────────────────────

const (
	modelListCacheSize = 64
	modelListCacheTTL  = time.Hour
)

// ModelListCache keeps model lists across requests, keyed by the agent and
// its list source. Concurrent misses on a key share one load.
type ModelListCache struct {
	lru     *expirable.LRU[string, []string]
	group   singleflight.Group
	metrics *metrics.Collector
}

// NewModelListCache creates a cache; ttl <= 0 uses one hour.
func NewModelListCache(ttl time.Duration, m *metrics.Collector) *ModelListCache {
	if ttl <= 0 {
		ttl = modelListCacheTTL
	}
	return &ModelListCache{
		lru:     expirable.NewLRU[string, []string](modelListCacheSize, nil, ttl),
		metrics: m,
	}
}

// Get returns the cached list for key or loads it. Errors are not cached.
// A nil cache always loads.
func (c *ModelListCache) Get(ctx context.Context, key string, load func(context.Context) ([]string, error)) ([]string, error) {
	if c == nil {
		return load(ctx)
	}
	if list, ok := c.lru.Get(key); ok {
		c.metrics.ModelListLoad("hit")
		return clone(list), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if list, ok := c.lru.Get(key); ok {
			return list, nil
		}
		list, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, list)
		return list, nil
	})
	if err != nil {
		c.metrics.ModelListLoad("error")
		return nil, err
	}
	c.metrics.ModelListLoad("miss")
	return clone(v.([]string)), nil
}

// Purge drops every cached list.
func (c *ModelListCache) Purge() {
	if c != nil {
		c.lru.Purge()
	}
}

func clone(list []string) []string {
	out := make([]string, len(list))
	copy(out, list)
	return out
}
