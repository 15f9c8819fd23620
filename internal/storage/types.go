package storage

import "time"

// MonitoringSession is one owner's watch request.
type MonitoringSession struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Passkey   string     `json:"-"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
