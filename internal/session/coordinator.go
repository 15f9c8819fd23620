package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goodtune/stuffwatch/internal/clock"
	"github.com/goodtune/stuffwatch/internal/metrics"
	"github.com/goodtune/stuffwatch/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultPasskeyDigits is the passkey length handed to owners.
	DefaultPasskeyDigits = 6

	maxPasskeyAttempts = 8
)

// Config configures the coordinator.
type Config struct {
	PasskeyDigits int
}

// StartResult is returned to the caller that started a session.
type StartResult struct {
	SessionID string `json:"session_id"`
	Passkey   string `json:"passkey"`
}

// Coordinator owns the monitoring-session lifecycle and answers who should be
// notified when an alarm fires.
type Coordinator struct {
	store    storage.SessionStore
	clock    clock.Clock
	validate *validator.Validate
	digits   int
	logger   zerolog.Logger

	newPasskey func(digits int) (string, error)
}

// NewCoordinator creates a session coordinator backed by store.
func NewCoordinator(store storage.SessionStore, cfg Config, clk clock.Clock, logger zerolog.Logger) *Coordinator {
	digits := cfg.PasskeyDigits
	if digits <= 0 {
		digits = DefaultPasskeyDigits
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Coordinator{
		store:      store,
		clock:      clk,
		validate:   validator.New(),
		digits:     digits,
		logger:     logger.With().Str("component", "session").Logger(),
		newPasskey: generatePasskey,
	}
}

// StartSession registers email as the owner of a new active session and
// returns its one-time passkey.
func (c *Coordinator) StartSession(ctx context.Context, email string) (StartResult, error) {
	email = strings.TrimSpace(email)
	if err := c.validate.Var(email, "required,email"); err != nil {
		return StartResult{}, &ValidationError{Field: "email", Message: "a valid email address is required"}
	}

	for attempt := 1; attempt <= maxPasskeyAttempts; attempt++ {
		passkey, err := c.newPasskey(c.digits)
		if err != nil {
			return StartResult{}, fmt.Errorf("generate passkey: %w", err)
		}

		session := storage.MonitoringSession{
			ID:        uuid.NewString(),
			Email:     email,
			Passkey:   passkey,
			Active:    true,
			CreatedAt: c.clock.Now().UTC(),
		}

		err = c.store.Create(ctx, session)
		switch {
		case err == nil:
			metrics.SessionsStarted.Inc()
			c.logger.Info().
				Str("session_id", session.ID).
				Str("email", email).
				Msg("Monitoring session started")
			return StartResult{SessionID: session.ID, Passkey: passkey}, nil

		case errors.Is(err, storage.ErrPasskeyInUse), errors.Is(err, storage.ErrDuplicateID):
			c.logger.Debug().Int("attempt", attempt).Err(err).Msg("Passkey collision, retrying")
			continue

		default:
			c.logger.Error().Err(err).Msg("Failed to persist session")
			return StartResult{}, &StoreUnavailableError{Op: "start", Err: err}
		}
	}

	return StartResult{}, ErrPasskeysExhausted
}

// EndSession deactivates the active session matching email and passkey.
func (c *Coordinator) EndSession(ctx context.Context, email, passkey string) error {
	if email == "" || passkey == "" {
		metrics.SessionAuthFailures.Inc()
		return ErrUnauthorized
	}

	session, err := c.store.End(ctx, email, passkey, c.clock.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		metrics.SessionAuthFailures.Inc()
		c.logger.Warn().Str("email", email).Msg("End session rejected")
		return ErrUnauthorized
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to end session")
		return &StoreUnavailableError{Op: "end", Err: err}
	}

	metrics.SessionsEnded.Inc()
	c.logger.Info().
		Str("session_id", session.ID).
		Str("email", email).
		Msg("Monitoring session ended")
	return nil
}

// ActiveNotificationTarget returns the email of the most recently created
// active session. Store failures are logged and reported as no target.
func (c *Coordinator) ActiveNotificationTarget(ctx context.Context) (string, bool) {
	session, err := c.store.LatestActive(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Session store lookup failed; treating as no active session")
		return "", false
	}
	return session.Email, true
}

// ActiveSessions returns the number of active sessions.
func (c *Coordinator) ActiveSessions(ctx context.Context) (int, error) {
	sessions, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, &StoreUnavailableError{Op: "list", Err: err}
	}
	metrics.SessionsActive.Set(float64(len(sessions)))
	return len(sessions), nil
}

// NotificationTarget returns the email of sessionID when that session is active.
func (c *Coordinator) NotificationTarget(ctx context.Context, sessionID string) (string, bool) {
	session, err := c.store.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Session store lookup failed")
		return "", false
	}
	if !session.Active {
		return "", false
	}
	return session.Email, true
}

// generatePasskey draws a zero-padded numeric passkey from crypto/rand.
func generatePasskey(digits int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	s := n.String()
	return strings.Repeat("0", digits-len(s)) + s, nil
}
