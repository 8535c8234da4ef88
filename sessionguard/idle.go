package sessionguard

import (
	"context"
	"sync"
	"time"
)

// IdleMonitor watches one user's elevated session while they are inside
// the protected area. Every tick it re-reads the stored marker and locks
// once the marker is gone, belongs to someone else or has expired.
type IdleMonitor struct {
	Session *Session
	UserID  string
	// OnLock runs once, after the marker was cleared.
	OnLock func(reason error)

	// newTicker is swapped in tests.
	newTicker func(d time.Duration) (<-chan time.Time, func())

	mu     sync.Mutex
	locked bool
}

func NewIdleMonitor(s *Session, userID string, onLock func(reason error)) *IdleMonitor {
	return &IdleMonitor{Session: s, UserID: userID, OnLock: onLock}
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Run enters the protected area and ticks every TickInterval until the
// session locks or ctx is done. It returns the lock reason, or ctx.Err()
// when stopped from outside; stopping does not clear the marker.
func (m *IdleMonitor) Run(ctx context.Context) error {
	if _, err := m.Session.Enter(m.UserID); err != nil {
		return m.lock(err)
	}

	mk := m.newTicker
	if mk == nil {
		mk = realTicker
	}
	ticks, stop := mk(TickInterval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			if _, err := m.Session.Current(m.UserID); err != nil {
				return m.lock(err)
			}
		}
	}
}

// Activity extends the session. It is a no-op once locked.
func (m *IdleMonitor) Activity() {
	m.mu.Lock()
	locked := m.locked
	m.mu.Unlock()
	if locked {
		return
	}
	if _, err := m.Session.Touch(m.UserID); err != nil {
		m.lock(err)
	}
}

// Locked reports whether the monitor has locked the session.
func (m *IdleMonitor) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

func (m *IdleMonitor) lock(reason error) error {
	m.mu.Lock()
	already := m.locked
	m.locked = true
	m.mu.Unlock()
	if already {
		return reason
	}
	_ = m.Session.Clear()
	if m.OnLock != nil {
		m.OnLock(reason)
	}
	return reason
}
