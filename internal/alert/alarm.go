package alert

import "time"

// Alarm is raised once per monitoring run when the object count stays below
// the baseline for long enough.
type Alarm struct {
	Feed      string    `json:"feed"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
	Baseline  int       `json:"baseline"`
	Smoothed  float64   `json:"smoothed"`
}

// Outcome is the result of one dispatch attempt.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeNoTarget   Outcome = "no_target"
	OutcomeFailed     Outcome = "failed"
)

// Record is the latest dispatch outcome for a feed.
type Record struct {
	Feed      string    `json:"feed"`
	SessionID string    `json:"session_id,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Recipient string    `json:"recipient,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
