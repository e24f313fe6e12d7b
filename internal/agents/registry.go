// Package agents holds the upstream completion providers and the registry
// that selects one per request.
// Shipped: openai, workers (Cloudflare Workers AI), deepseek, ollama.
package agents

import (
	"errors"
	"sync"

	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// ErrNoAgent is returned by Select when no agent matches or is enabled.
var ErrNoAgent = errors.New("no enabled chat agent")

// Registry keeps agents in registration order. Thread-safe.
type Registry struct {
	mu     sync.RWMutex
	agents []contracts.Agent
}

// NewRegistry creates a registry holding agents, in order.
func NewRegistry(agents ...contracts.Agent) *Registry {
	r := &Registry{}
	for _, a := range agents {
		r.Register(a)
	}
	return r
}

// Register appends an agent, replacing one registered under the same name
// in place.
func (r *Registry) Register(a contracts.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.agents {
		if existing.Name() == a.Name() {
			r.agents[i] = a
			return
		}
	}
	r.agents = append(r.agents, a)
	log.Debug().Str("agent", a.Name()).Msg("Chat agent registered")
}

// Agents returns a snapshot of the registered agents.
func (r *Registry) Agents() []contracts.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (contracts.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// Select returns the agent named by cfg.Provider; failing that, the first
// enabled agent in registration order.
func (r *Registry) Select(cfg *config.AgentConfig) (contracts.Agent, error) {
	agents := r.Agents()
	for _, a := range agents {
		if a.Name() == cfg.Provider {
			return a, nil
		}
	}
	for _, a := range agents {
		if a.Enabled(cfg) {
			return a, nil
		}
	}
	return nil, ErrNoAgent
}
