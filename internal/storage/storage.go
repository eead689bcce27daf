package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/ksvietme/vmdefaults/internal/settings"
)

var (
	// ErrNotLoaded indicates no settings have been stored yet.
	ErrNotLoaded = errors.New("settings have not been loaded yet")
)

// Storage provides access to the most recent successfully loaded settings.
type Storage interface {
	Get() (settings.Settings, time.Time, error)
	Set(s settings.Settings) error
}

// MemoryStorage keeps the settings snapshot in-memory and guards access with a RWMutex.
type MemoryStorage struct {
	mu       sync.RWMutex
	current  settings.Settings
	loadedAt time.Time
	loaded   bool

	clock func() time.Time
}

// Option configures MemoryStorage.
type Option func(*MemoryStorage)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *MemoryStorage) {
		s.clock = clock
	}
}

// NewMemoryStorage initialises an empty storage.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	s := &MemoryStorage{
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a defensive copy of the stored settings and the time they were stored.
func (s *MemoryStorage) Get() (settings.Settings, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.loaded {
		return settings.Settings{}, time.Time{}, ErrNotLoaded
	}
	return s.current.Clone(), s.loadedAt, nil
}

// Set replaces the snapshot with a copy of the provided settings.
func (s *MemoryStorage) Set(next settings.Settings) error {
	snapshot := next.Clone()
	now := s.clock()

	s.mu.Lock()
	s.current = snapshot
	s.loadedAt = now
	s.loaded = true
	s.mu.Unlock()

	return nil
}
