package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on a PostgreSQL table. Expired rows are
// filtered on read and swept on write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to connURL and applies the schema migrations.
func OpenPostgres(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = migrate(ctx, db, goose.DialectPostgres, "postgres")
	db.Close()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Str("host", pool.Config().ConnConfig.Host).Msg("Postgres store initialized")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE key = $1 AND (expires_at = 0 OR expires_at > $2)`,
		key, time.Now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres get %q: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Put(ctx context.Context, key, value string, opts ...PutOption) error {
	now := time.Now()
	var expires int64
	if at := applyPutOptions(opts).expiresAt(now); !at.IsZero() {
		expires = at.UnixMilli()
	}

	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expires)
	batch.Queue(`DELETE FROM kv_entries WHERE expires_at <> 0 AND expires_at <= $1`, now.UnixMilli())

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres put %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
