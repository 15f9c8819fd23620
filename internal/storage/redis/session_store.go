package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/stuffwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
	create *redis.Script
	end    *redis.Script
}

func newSessionStore(client *redis.Client) *sessionStore {
	return &sessionStore{
		client: client,
		create: redis.NewScript(createSessionScript),
		end:    redis.NewScript(endSessionScript),
	}
}

// Create stores a new active session
func (s *sessionStore) Create(ctx context.Context, session storage.MonitoringSession) error {
	createdAt := session.CreatedAt.UTC()

	keys := []string{
		sessionKey(session.ID),
		activeSetKey,
		lookupKey(session.Email, session.Passkey),
		passkeySetKey,
	}
	args := []interface{}{
		session.ID,
		session.Email,
		session.Passkey,
		createdAt.Format(time.RFC3339Nano),
		createdAt.UnixMicro(),
	}

	result, err := s.create.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	switch result {
	case 1:
		return nil
	case 0:
		return storage.ErrPasskeyInUse
	default:
		return storage.ErrDuplicateID
	}
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id string) (*storage.MonitoringSession, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseSession(data)
}

// End deactivates the active session matching email and passkey
func (s *sessionStore) End(ctx context.Context, email, passkey string, endedAt time.Time) (*storage.MonitoringSession, error) {
	keys := []string{lookupKey(email, passkey), activeSetKey, passkeySetKey}
	args := []interface{}{passkey, endedAt.UTC().Format(time.RFC3339Nano), sessionPrefix}

	fields, err := s.end.Run(ctx, s.client, keys, args...).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}

	return parseSession(hashFields(fields))
}

// LatestActive returns the most recently created active session
func (s *sessionStore) LatestActive(ctx context.Context) (*storage.MonitoringSession, error) {
	ids, err := s.client.ZRevRange(ctx, activeSetKey, 0, 0).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, storage.ErrNotFound
	}

	return s.Get(ctx, ids[0])
}

// ListActive returns all active sessions, newest first
func (s *sessionStore) ListActive(ctx context.Context) ([]storage.MonitoringSession, error) {
	ids, err := s.client.ZRevRange(ctx, activeSetKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.MonitoringSession{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	sessions := make([]storage.MonitoringSession, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		session, err := parseSession(data)
		if err == nil {
			sessions = append(sessions, *session)
		}
	}

	return sessions, nil
}
