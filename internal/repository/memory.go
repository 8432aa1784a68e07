package repository

import (
	"context"
	"sync"
	"time"

	"getitdone/internal/clock"
)

// MemoryInFlightSet keeps in-flight marks in process memory.
type MemoryInFlightSet struct {
	mu      sync.Mutex
	expires map[string]time.Time
	clock   clock.Clock
}

func NewMemoryInFlightSet(c clock.Clock) *MemoryInFlightSet {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryInFlightSet{
		expires: make(map[string]time.Time),
		clock:   c,
	}
}

// Mark records id until ttl elapses. Expired marks are swept on every call.
func (s *MemoryInFlightSet) Mark(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.sweep(now)
	s.expires[id] = now.Add(ttl)
	return nil
}

func (s *MemoryInFlightSet) Contains(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expires[id]
	if !ok {
		return false, nil
	}
	if !s.clock.Now().Before(exp) {
		delete(s.expires, id)
		return false, nil
	}
	return true, nil
}

func (s *MemoryInFlightSet) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, id)
	return nil
}

// Len counts live marks, dropping expired ones.
func (s *MemoryInFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.clock.Now())
	return len(s.expires)
}

func (s *MemoryInFlightSet) sweep(now time.Time) {
	for id, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, id)
		}
	}
}
