package session

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when no active session matches an email and
// passkey pair. The message never says which half was wrong.
var ErrUnauthorized = errors.New("invalid email or passkey")

// ErrPasskeysExhausted is returned when no unused passkey could be drawn.
var ErrPasskeysExhausted = errors.New("no free passkey available")

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// StoreUnavailableError wraps a session store failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("session store unavailable (%s): %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}
