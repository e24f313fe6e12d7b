// Package history loads, bounds and persists the conversation of a chat.
//
// History is best-effort state: a missing or corrupt stored value loads as
// an empty conversation, and write failures are logged and dropped.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/agentoven/chatrelay/internal/kv"
	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/agentoven/chatrelay/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxCount  = 20
	DefaultMaxTokens = -1
)

// Store keeps conversations in a kv.Store, one JSON array per key.
type Store struct {
	kv          kv.Store
	maxCount    int
	maxTokens   int
	autoTrim    bool
	counter     Counter
	placeholder string
	ttl         time.Duration
	metrics     *metrics.Collector
}

// Option configures a Store.
type Option func(*Store)

// WithMaxCount bounds the number of stored messages. A negative value
// removes the bound.
func WithMaxCount(n int) Option { return func(s *Store) { s.maxCount = n } }

// WithMaxTokens bounds the estimated token cost of the loaded history.
// Non-positive values remove the bound.
func WithMaxTokens(n int) Option { return func(s *Store) { s.maxTokens = n } }

// WithAutoTrim toggles trimming on Load.
func WithAutoTrim(on bool) Option { return func(s *Store) { s.autoTrim = on } }

// WithCounter replaces the token estimator.
func WithCounter(c Counter) Option {
	return func(s *Store) {
		if c != nil {
			s.counter = c
		}
	}
}

// WithImagePlaceholder replaces image parts of the persisted user turn by
// this text, once per image.
func WithImagePlaceholder(p string) Option { return func(s *Store) { s.placeholder = p } }

// WithTTL expires stored conversations after d of inactivity.
func WithTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

// WithMetrics counts trimmed entries and failed writes.
func WithMetrics(m *metrics.Collector) Option { return func(s *Store) { s.metrics = m } }

// New creates a Store over store.
func New(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:        store,
		maxCount:  DefaultMaxCount,
		maxTokens: DefaultMaxTokens,
		autoTrim:  true,
		counter:   CharCounter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Disabled reports that history is neither loaded nor persisted: auto-trim
// is on with a non-positive count bound.
func (s *Store) Disabled() bool { return s.autoTrim && s.maxCount <= 0 }

// Load returns the conversation stored under key, bounded when auto-trim
// is on. It never fails.
func (s *Store) Load(ctx context.Context, key string) []models.ChatMessage {
	return s.Bound(s.Read(ctx, key))
}

// Read returns the conversation stored under key as it is, or an empty one
// when history is disabled or the value is missing or corrupt.
func (s *Store) Read(ctx context.Context, key string) []models.ChatMessage {
	if s.Disabled() {
		return []models.ChatMessage{}
	}

	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Warn().Err(err).Str("key", key).Msg("History read failed, starting empty")
		}
		return []models.ChatMessage{}
	}

	var history []models.ChatMessage
	if err := json.Unmarshal([]byte(raw), &history); err != nil || history == nil {
		log.Warn().Err(err).Str("key", key).Msg("Stored history is not a message list, starting empty")
		return []models.ChatMessage{}
	}
	return history
}

// Bound applies the configured count and token bounds when auto-trim is on
// with a positive count bound; otherwise history is returned unchanged.
func (s *Store) Bound(history []models.ChatMessage) []models.ChatMessage {
	if !s.autoTrim || s.maxCount <= 0 {
		return history
	}
	before := len(history)
	history = Trim(history, s.maxCount, s.maxTokens, s.counter)
	s.metrics.HistoryTrimmed(before - len(history))
	return history
}

// Append persists history followed by msg and responses. The placeholder
// substitution applies to the stored copy of msg only. Failures are logged.
func (s *Store) Append(ctx context.Context, key string, history []models.ChatMessage, msg models.ChatMessage, responses []models.ChatMessage) {
	if s.Disabled() {
		return
	}

	list := make([]models.ChatMessage, 0, len(history)+1+len(responses))
	list = append(list, history...)
	list = append(list, s.withPlaceholder(msg))
	list = append(list, responses...)

	data, err := json.Marshal(list)
	if err != nil {
		s.writeFailed(key, err)
		return
	}
	if err := s.kv.Put(ctx, key, string(data), kv.WithTTL(s.ttl)); err != nil {
		s.writeFailed(key, err)
		return
	}
	log.Debug().Str("key", key).Int("messages", len(list)).Msg("History persisted")
}

// Reset deletes the conversation stored under key.
func (s *Store) Reset(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

func (s *Store) writeFailed(key string, err error) {
	log.Error().Err(err).Str("key", key).Msg("History write failed")
	s.metrics.HistoryWriteFailed()
}

// withPlaceholder returns a copy of msg whose image parts are folded into
// the last text part. Messages without a text part are kept as they are.
func (s *Store) withPlaceholder(msg models.ChatMessage) models.ChatMessage {
	if s.placeholder == "" || !msg.IsMultipart() {
		return msg
	}
	last := -1
	for i, p := range msg.Parts {
		if p.Type == models.PartText {
			last = i
		}
	}
	if last < 0 {
		return msg
	}

	images := msg.ImageCount()
	out := msg.Clone()
	out.Parts = out.Parts[:0]
	for i, p := range msg.Parts {
		switch {
		case p.IsImage():
			continue
		case i == last:
			p.Text += strings.Repeat(" "+s.placeholder, images)
		}
		out.Parts = append(out.Parts, p)
	}
	return out
}
