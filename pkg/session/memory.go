package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Suitable for a single
// instance; a restart logs everyone out.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create implements Store
func (s *MemoryStore) Create(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return ErrSessionExists
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

// Touch implements Store
func (s *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.LastAccessAt = at
	return nil
}

// Update implements Store
func (s *MemoryStore) Update(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteExpired implements Store
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Count implements Store
func (s *MemoryStore) Count(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := 0
	for _, session := range s.sessions {
		if !session.Expired(now) {
			live++
		}
	}
	return live, nil
}

// Len reports the number of stored sessions, expired or not
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
