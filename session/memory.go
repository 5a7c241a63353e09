package session

import (
	"context"
	"sync"
)

// MemoryStore keeps bindings in process memory. Bindings live for the
// lifetime of the process and there is no eviction, which fits the
// expected scale of a handful of active conversations.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]string),
	}
}

// Resolve returns the session bound to identity
func (s *MemoryStore) Resolve(_ context.Context, identity string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, found := s.sessions[identity]
	return sessionID, found, nil
}

// Bind associates identity with sessionID
func (s *MemoryStore) Bind(_ context.Context, identity, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[identity] = sessionID
	return nil
}

// Unbind removes the binding for identity
func (s *MemoryStore) Unbind(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, identity)
	return nil
}

// Len returns the number of bound identities
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}
