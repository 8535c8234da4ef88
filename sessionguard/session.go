package sessionguard

import (
	"errors"
	"time"
)

// Session applies the idle-timeout rules on top of a MarkerStore.
type Session struct {
	Store MarkerStore
	Now   func() time.Time
}

func NewSession(store MarkerStore) *Session {
	return &Session{Store: store}
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Establish starts a fresh elevated session after a successful code check.
func (s *Session) Establish(userID string) (Marker, error) {
	m := NewMarker(userID, s.now())
	if err := s.Store.Save(m); err != nil {
		return Marker{}, err
	}
	return m, nil
}

// Current returns the stored marker if it is valid for userID. Store
// failures read as ErrNoMarker.
func (s *Session) Current(userID string) (Marker, error) {
	m, err := s.Store.Load()
	if err != nil {
		return Marker{}, ErrNoMarker
	}
	if err := m.Check(userID, s.now()); err != nil {
		return Marker{}, err
	}
	return m, nil
}

// Touch records activity: a valid marker is pushed out to now+IdleTimeout.
// An invalid marker is cleared and the reason returned; activity never
// revives an expired session.
func (s *Session) Touch(userID string) (Marker, error) {
	if _, err := s.Current(userID); err != nil {
		_ = s.Store.Clear()
		return Marker{}, err
	}
	m, err := s.Establish(userID)
	if err != nil {
		_ = s.Store.Clear()
		return Marker{}, errors.Join(ErrNoMarker, err)
	}
	return m, nil
}

// Enter is called when the protected area is (re)entered. It counts as
// activity, so a still-valid session gets a full window.
func (s *Session) Enter(userID string) (Marker, error) {
	return s.Touch(userID)
}

// Remaining is the time left for userID, zero when not elevated.
func (s *Session) Remaining(userID string) time.Duration {
	m, err := s.Current(userID)
	if err != nil {
		return 0
	}
	return m.Remaining(s.now())
}

// Clear drops the marker (lock, logout or primary session loss).
func (s *Session) Clear() error {
	return s.Store.Clear()
}
