package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/stuffwatch/internal/storage"
)

const (
	sessionPrefix = "stuffwatch:session:"
	activeSetKey  = "stuffwatch:sessions:active"
	passkeySetKey = "stuffwatch:sessions:passkeys"
)

func sessionKey(id string) string {
	return sessionPrefix + id
}

func lookupKey(email, passkey string) string {
	return fmt.Sprintf("stuffwatch:sessions:lookup:%s:%s", email, passkey)
}

// hashFields pairs up a flat HGETALL reply.
func hashFields(flat []string) map[string]string {
	data := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		data[flat[i]] = flat[i+1]
	}
	return data
}

// parseSession converts a Redis hash to MonitoringSession
func parseSession(data map[string]string) (*storage.MonitoringSession, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	active, err := strconv.ParseBool(data["active"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse active: %w", err)
	}

	session := &storage.MonitoringSession{
		ID:        data["id"],
		Email:     data["email"],
		Passkey:   data["passkey"],
		Active:    active,
		CreatedAt: createdAt,
	}

	if raw, ok := data["ended_at"]; ok && raw != "" {
		endedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		session.EndedAt = &endedAt
	}

	return session, nil
}
