package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
	}
}

func (s *MemoryStore) Create(_ context.Context, rec Session) error {
	id := normalizeID(rec.ID)
	if id == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.sessions[id]; exists {
		return fmt.Errorf("session %s already exists", id)
	}
	rec.ID = id
	s.sessions[id] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Session{}, ErrStoreClosed
	}

	rec, ok := s.sessions[normalizeID(id)]
	if !ok {
		return Session{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Session) error) (Session, error) {
	id = normalizeID(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Session{}, ErrStoreClosed
	}

	rec, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	working := rec.Clone()
	if err := fn(&working); err != nil {
		return Session{}, err
	}
	working.ID = id
	s.sessions[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	id = normalizeID(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) ExpireBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	removed := 0
	for id, rec := range s.sessions {
		if expired(rec, cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Len is the number of retained sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sessions = make(map[string]Session)
	return nil
}
