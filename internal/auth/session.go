// Package auth holds the signed-in identity used by the sync engine.
package auth

import "sync"

// Session is the current owner and bearer credential. The zero value is signed out.
type Session struct {
	mu      sync.RWMutex
	ownerID string
	token   string
}

func NewSession(ownerID, token string) *Session {
	return &Session{ownerID: ownerID, token: token}
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownerID != "" && s.token != ""
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) OwnerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownerID
}

// Set replaces the identity and returns the previous owner.
func (s *Session) Set(ownerID, token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.ownerID
	s.ownerID = ownerID
	s.token = token
	return prev
}

// Clear signs out and returns the previous owner.
func (s *Session) Clear() string {
	return s.Set("", "")
}
