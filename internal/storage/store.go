package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrPasskeyInUse is returned when a new session's passkey is already held by
// another active session.
var ErrPasskeyInUse = errors.New("storage: passkey held by an active session")

// ErrDuplicateID is returned when a session identifier already exists.
var ErrDuplicateID = errors.New("storage: duplicate session id")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
}

// SessionStore manages monitoring sessions. Records are never deleted; ending
// a session flips it inactive exactly once.
type SessionStore interface {
	// Create persists a new active session. It fails with ErrPasskeyInUse when
	// another active session holds the same passkey.
	Create(ctx context.Context, session MonitoringSession) error

	// Get returns a session by id, active or not.
	Get(ctx context.Context, id string) (*MonitoringSession, error)

	// End atomically deactivates the active session matching email and passkey
	// and returns it. ErrNotFound when nothing matches.
	End(ctx context.Context, email, passkey string, endedAt time.Time) (*MonitoringSession, error)

	// LatestActive returns the most recently created active session.
	LatestActive(ctx context.Context) (*MonitoringSession, error)

	// ListActive returns active sessions, newest first.
	ListActive(ctx context.Context) ([]MonitoringSession, error)
}
