// Package sessionguard keeps the elevated admin session: a short-lived
// marker written after a successful second-factor check, extended by
// activity and dropped once it has been idle for IdleTimeout.
package sessionguard

import (
	"errors"
	"time"
)

const (
	// IdleTimeout is how long an elevated session survives without activity.
	IdleTimeout = 10 * time.Minute
	// TickInterval is how often a running IdleMonitor re-reads the marker.
	TickInterval = time.Second
)

var (
	// ErrNoMarker means no marker is stored or it could not be read.
	ErrNoMarker = errors.New("sessionguard: no elevated session")
	// ErrMismatch means the marker belongs to another user.
	ErrMismatch = errors.New("sessionguard: elevated session belongs to another user")
	// ErrExpired means the marker is past its expiry.
	ErrExpired = errors.New("sessionguard: elevated session expired")
)

// Marker is the elevated-session token. It is only trusted after Check.
type Marker struct {
	UserID    string
	ExpiresAt time.Time
}

// NewMarker returns a marker for userID expiring a full IdleTimeout after now.
func NewMarker(userID string, now time.Time) Marker {
	return Marker{UserID: userID, ExpiresAt: now.Add(IdleTimeout)}
}

// Check validates m for userID at now. The expiry instant itself counts
// as expired.
func (m Marker) Check(userID string, now time.Time) error {
	switch {
	case m.UserID == "" || m.ExpiresAt.IsZero():
		return ErrNoMarker
	case m.UserID != userID:
		return ErrMismatch
	case !now.Before(m.ExpiresAt):
		return ErrExpired
	}
	return nil
}

// Remaining is the time left at now, never negative.
func (m Marker) Remaining(now time.Time) time.Duration {
	if d := m.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
