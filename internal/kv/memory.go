package kv

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// snapshotFile is the name of the JSON file written into the data dir.
const snapshotFile = "kv.json"

type entry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// MemoryStore implements Store with an in-memory map.
// Used when no external store is configured (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	wg           sync.WaitGroup

	evictInterval time.Duration
	now           func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithEvictionInterval sets how often expired entries are swept.
func WithEvictionInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.evictInterval = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates a new in-memory store.
// If dataDir is set, entries are persisted to a JSON file in that directory.
func NewMemoryStore(dataDir string, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		entries:       make(map[string]entry),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
		evictInterval: time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, snapshotFile)
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		m.wg.Add(1)
		go m.saveLoop()
	}

	m.wg.Add(1)
	go m.evictionLoop()

	log.Info().
		Str("snapshot", m.snapshotPath).
		Str("evict_interval", m.evictInterval.String()).
		Msg("Memory store configured")

	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.expired(m.now()) {
		return "", ErrNotFound
	}
	return e.Value, nil
}

func (m *MemoryStore) Put(_ context.Context, key, value string, opts ...PutOption) error {
	o := applyPutOptions(opts)
	m.mu.Lock()
	m.entries[key] = entry{Value: value, ExpiresAt: o.expiresAt(m.now())}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	m.wg.Wait()

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}
	log.Info().Msg("Memory store closed")
	return nil
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-m.doneCh:
				return
			case <-time.After(500 * time.Millisecond):
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) evictionLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

// evictExpired removes entries whose expiry has passed.
func (m *MemoryStore) evictExpired() int {
	now := m.now()

	m.mu.Lock()
	var evicted int
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Evicted expired entries")
		m.requestSave()
	}
	return evicted
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.Marshal(m.entries)
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Int("bytes", len(data)).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var entries map[string]entry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range entries {
		if !e.expired(now) {
			m.entries[k] = e
		}
	}
	log.Info().Int("entries", len(m.entries)).Str("path", m.snapshotPath).Msg("Loaded snapshot")
}
