// Package chat runs one conversational turn: it loads and bounds the
// history of a chat, asks the selected agent for a completion and persists
// the new turn.
//
// Flow of Complete:
//
//	LOADING → TRIMMING → MERGING → AWAITING_AGENT_RESPONSE → PERSISTING → DONE
//
// An agent failure ends the request before PERSISTING. Persisting is
// best-effort and never fails the request.
package chat

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/agentoven/chatrelay/internal/completion"
	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/internal/history"
	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/agentoven/chatrelay/pkg/contracts"
	"github.com/agentoven/chatrelay/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrHistoryNotFound is returned by Redo when there is nothing to redo.
	ErrHistoryNotFound = errors.New("history not found")
	// ErrRedoMessageNotFound is returned by Redo when the history holds no
	// user message.
	ErrRedoMessageNotFound = errors.New("redo message not found")
)

// Modifier rewrites the bounded history and the new message before the
// agent is called.
type Modifier func(history []models.ChatMessage, msg models.ChatMessage) ([]models.ChatMessage, models.ChatMessage, error)

// Redo drops the history back to the last user message and sends it again,
// or sends replacement instead when it is not empty.
func Redo(replacement string) Modifier {
	return func(h []models.ChatMessage, msg models.ChatMessage) ([]models.ChatMessage, models.ChatMessage, error) {
		if len(h) == 0 {
			return nil, msg, ErrHistoryNotFound
		}
		i := len(h) - 1
		for i >= 0 && h[i].Role != models.RoleUser {
			i--
		}
		if i < 0 && replacement == "" {
			return nil, msg, ErrRedoMessageNotFound
		}
		next := msg
		rest := []models.ChatMessage{}
		if i >= 0 {
			next = h[i].Clone()
			rest = slices.Clone(h[:i])
		}
		if replacement != "" {
			next = models.NewTextMessage(models.RoleUser, replacement)
		}
		return rest, next, nil
	}
}

// Request is one conversational turn.
type Request struct {
	HistoryKey string
	Message    models.ChatMessage
	// Config is the effective agent configuration of the chat.
	Config *config.AgentConfig
	// OnProgress, when set, streams the answer.
	OnProgress contracts.ProgressFunc
	Modifier   Modifier
}

// Result is the answer of a turn.
type Result struct {
	Text      string
	Responses []models.ChatMessage
	Agent     string
	Model     string
}

// Service completes chat turns. Turns on the same history key run one at a
// time.
type Service struct {
	history *history.Store
	agents  contracts.AgentSelector
	locks   *KeyedMutex
	metrics *metrics.Collector
	observe func(key string, p Phase)
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records the duration of every turn.
func WithMetrics(m *metrics.Collector) Option { return func(s *Service) { s.metrics = m } }

// WithLocks shares a KeyedMutex between services.
func WithLocks(k *KeyedMutex) Option { return func(s *Service) { s.locks = k } }

// WithPhaseObserver is called on every phase change.
func WithPhaseObserver(fn func(key string, p Phase)) Option {
	return func(s *Service) { s.observe = fn }
}

// New creates a Service.
func New(h *history.Store, agents contracts.AgentSelector, opts ...Option) *Service {
	s := &Service{history: h, agents: agents}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = NewKeyedMutex()
	}
	return s
}

// Complete runs one turn.
func (s *Service) Complete(ctx context.Context, req Request) (_ *Result, err error) {
	unlock, err := s.locks.Lock(ctx, req.HistoryKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	defer func() { s.metrics.ObserveTurn(completion.Outcome(err), time.Since(start)) }()

	logger := log.With().Str("history_key", req.HistoryKey).Logger()

	s.enter(&logger, req.HistoryKey, PhaseLoading)
	h := s.history.Read(ctx, req.HistoryKey)

	s.enter(&logger, req.HistoryKey, PhaseTrimming)
	h = s.history.Bound(h)

	s.enter(&logger, req.HistoryKey, PhaseMerging)
	msg := req.Message
	if req.Modifier != nil {
		if h, msg, err = req.Modifier(h, msg); err != nil {
			return nil, err
		}
	}
	agent, err := s.agents.Select(req.Config)
	if err != nil {
		return nil, err
	}
	params := &models.LLMParams{
		Prompt:   req.Config.SystemInitMessage,
		Messages: append(slices.Clone(h), msg),
	}

	s.enter(&logger, req.HistoryKey, PhaseAwaitingAgentResponse)
	res, err := agent.Request(ctx, params, req.Config, req.OnProgress)
	if err != nil {
		logger.Warn().Err(err).Str("agent", agent.Name()).Msg("Agent request failed")
		return nil, err
	}

	s.enter(&logger, req.HistoryKey, PhasePersisting)
	s.history.Append(context.WithoutCancel(ctx), req.HistoryKey, h, msg, res.Responses)

	s.enter(&logger, req.HistoryKey, PhaseDone)
	return &Result{
		Text:      res.Text,
		Responses: res.Responses,
		Agent:     agent.Name(),
		Model:     agent.Model(req.Config),
	}, nil
}

func (s *Service) enter(logger *zerolog.Logger, key string, p Phase) {
	logger.Debug().Stringer("phase", p).Msg("Chat phase")
	if s.observe != nil {
		s.observe(key, p)
	}
}
