package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/stuffwatch/internal/config"
	"github.com/goodtune/stuffwatch/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied on Open. The partial unique index keeps passkeys unique
// among active sessions while ended rows keep theirs.
const schema = `
CREATE TABLE IF NOT EXISTS monitoring_sessions (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL,
	passkey    TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS monitoring_sessions_active_passkey
	ON monitoring_sessions (passkey) WHERE active;
CREATE INDEX IF NOT EXISTS monitoring_sessions_active_created
	ON monitoring_sessions (created_at DESC) WHERE active;
`

// Store implements the storage.Store interface using PostgreSQL
type Store struct {
	pool         *pgxpool.Pool
	sessionStore *sessionStore
}

// Open connects to PostgreSQL and ensures the schema exists
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	timeout := 5 * time.Second
	if cfg.ConnectTimeout != "" {
		if timeout, err = time.ParseDuration(cfg.ConnectTimeout); err != nil {
			return nil, fmt.Errorf("invalid connect_timeout: %w", err)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		pool:         pool,
		sessionStore: &sessionStore{pool: pool},
	}, nil
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}
