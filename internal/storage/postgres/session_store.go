package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/stuffwatch/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation    = "23505"
	activePasskeyIndex = "monitoring_sessions_active_passkey"
	sessionColumns     = "id, email, passkey, active, created_at, ended_at"
)

type sessionStore struct {
	pool *pgxpool.Pool
}

func (s *sessionStore) Create(ctx context.Context, session storage.MonitoringSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO monitoring_sessions (id, email, passkey, active, created_at)
		VALUES ($1,$2,$3,TRUE,$4)`,
		session.ID, session.Email, session.Passkey, session.CreatedAt.UTC(),
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == activePasskeyIndex {
			return storage.ErrPasskeyInUse
		}
		return storage.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.MonitoringSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM monitoring_sessions WHERE id=$1`, id)
	return scanSession(row)
}

func (s *sessionStore) End(ctx context.Context, email, passkey string, endedAt time.Time) (*storage.MonitoringSession, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE monitoring_sessions
		SET active=FALSE, ended_at=$3
		WHERE email=$1 AND passkey=$2 AND active
		RETURNING `+sessionColumns,
		email, passkey, endedAt.UTC(),
	)
	return scanSession(row)
}

func (s *sessionStore) LatestActive(ctx context.Context) (*storage.MonitoringSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM monitoring_sessions
		WHERE active ORDER BY created_at DESC, id DESC LIMIT 1`)
	return scanSession(row)
}

func (s *sessionStore) ListActive(ctx context.Context) ([]storage.MonitoringSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM monitoring_sessions
		WHERE active ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []storage.MonitoringSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *session)
	}
	return results, rows.Err()
}

func scanSession(row pgx.Row) (*storage.MonitoringSession, error) {
	var session storage.MonitoringSession
	if err := row.Scan(&session.ID, &session.Email, &session.Passkey, &session.Active, &session.CreatedAt, &session.EndedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	session.CreatedAt = session.CreatedAt.UTC()
	if session.EndedAt != nil {
		ended := session.EndedAt.UTC()
		session.EndedAt = &ended
	}
	return &session, nil
}
