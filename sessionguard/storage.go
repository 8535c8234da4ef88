package sessionguard

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client storage keys. The expiry is stored as unix milliseconds.
const (
	KeyUserID    = "elevated_user_id"
	KeyExpiresAt = "elevated_expires_at"
)

// MarkerStore persists the elevated-session marker. Load returns
// ErrNoMarker when nothing usable is stored.
type MarkerStore interface {
	Load() (Marker, error)
	Save(m Marker) error
	Clear() error
}

// Storage is a string key-value store scoped to one client session.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: map[string]string{}}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = map[string]string{}
	}
	s.data[key] = value
	return nil
}

func (s *MemoryStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// KVStore lays a Marker out over two Storage keys.
type KVStore struct {
	Storage Storage
}

// Load reads both keys. A missing key or an unparsable expiry reads as
// ErrNoMarker.
func (s KVStore) Load() (Marker, error) {
	uid, ok := s.Storage.Get(KeyUserID)
	if !ok || strings.TrimSpace(uid) == "" {
		return Marker{}, ErrNoMarker
	}
	raw, ok := s.Storage.Get(KeyExpiresAt)
	if !ok {
		return Marker{}, ErrNoMarker
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return Marker{}, ErrNoMarker
	}
	return Marker{UserID: uid, ExpiresAt: time.UnixMilli(ms)}, nil
}

func (s KVStore) Save(m Marker) error {
	if err := s.Storage.Set(KeyUserID, m.UserID); err != nil {
		return err
	}
	return s.Storage.Set(KeyExpiresAt, strconv.FormatInt(m.ExpiresAt.UnixMilli(), 10))
}

// Clear removes both keys, reporting the first failure.
func (s KVStore) Clear() error {
	err := s.Storage.Delete(KeyUserID)
	if e := s.Storage.Delete(KeyExpiresAt); err == nil {
		err = e
	}
	return err
}
