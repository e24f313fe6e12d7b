// Package kv provides the key/value storage used for chat history and
// per-chat state. Values are opaque strings; entries may carry an expiry.
//
// Backends are selected by URL:
//
//	memory://           in-process maps, optional JSON snapshot on disk
//	badger:///path      embedded BadgerDB (badger://memory for in-memory)
//	postgres://...      PostgreSQL through a pgx pool
//	sqlite:///path      SQLite file (sqlite://memory for in-memory)
package kv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is an opaque get/put/delete interface with optional expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, opts ...PutOption) error
	Delete(ctx context.Context, key string) error

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// PutOption configures a single Put.
type PutOption func(*putOptions)

type putOptions struct {
	ttl time.Duration
}

// WithTTL expires the entry after d. Non-positive values mean no expiry.
func WithTTL(d time.Duration) PutOption {
	return func(o *putOptions) { o.ttl = d }
}

func applyPutOptions(opts []PutOption) putOptions {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// expiresAt returns the absolute expiry for o, or the zero time.
func (o putOptions) expiresAt(now time.Time) time.Time {
	if o.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(o.ttl)
}

// Open creates the backend named by rawURL. An empty URL selects the memory
// backend. dataDir is only used by the memory backend for its snapshot file.
func Open(ctx context.Context, rawURL, dataDir string) (Store, error) {
	if rawURL == "" {
		return NewMemoryStore(dataDir), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory", "mem":
		return NewMemoryStore(dataDir), nil
	case "badger":
		if u.Host == "memory" {
			return OpenBadger(BadgerConfig{InMemory: true})
		}
		return OpenBadger(BadgerConfig{Path: u.Path})
	case "postgres", "postgresql":
		return OpenPostgres(ctx, rawURL)
	case "sqlite", "sqlite3":
		if u.Host == "memory" {
			return OpenSQLite(ctx, ":memory:")
		}
		return OpenSQLite(ctx, u.Path)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}
