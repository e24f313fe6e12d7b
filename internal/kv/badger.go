package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

// BadgerConfig configures the BadgerDB backend.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	InMemory bool

	// GCInterval controls value log garbage collection. Zero uses five
	// minutes; GC never runs for in-memory databases.
	GCInterval time.Duration
}

// BadgerStore implements Store on BadgerDB. Expiry uses Badger's native
// entry TTL.
type BadgerStore struct {
	db     *badger.DB
	stopCh chan struct{}
	doneCh chan struct{}
}

// badgerLogger routes Badger's internal logging into zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	log.Error().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...any) {
	log.Warn().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Infof(format string, args ...any) {
	log.Debug().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...any) {
	log.Trace().Str("component", "badger").Msgf(format, args...)
}

// OpenBadger opens (or creates) a Badger database.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	if cfg.InMemory {
		close(s.doneCh)
	} else {
		interval := cfg.GCInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		go s.gcLoop(interval)
	}

	log.Info().Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).Msg("Badger store opened")
	return s, nil
}

func (s *BadgerStore) Get(_ context.Context, key string) (string, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("badger get %q: %w", key, err)
	}
	return string(value), nil
}

func (s *BadgerStore) Put(_ context.Context, key, value string, opts ...PutOption) error {
	o := applyPutOptions(opts)
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value))
		if o.ttl > 0 {
			e = e.WithTTL(o.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("badger put %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	select {
	case <-s.stopCh:
		return nil
	default:
		close(s.stopCh)
	}
	<-s.doneCh
	return s.db.Close()
}

func (s *BadgerStore) gcLoop(interval time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				log.Warn().Err(err).Msg("Badger value log GC failed")
			}
		}
	}
}
