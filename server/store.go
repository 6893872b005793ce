package server

import (
	"sync"
)

// SessionStore is the pluggable backing store for session records. The
// in-memory implementation below is the default; deployments needing
// replication inject their own.
type SessionStore interface {
	// Get returns the record for a composite ID, if present.
	Get(id string) (*SessionRecord, bool)
	// GetOrCreate atomically returns the existing record for rec.ID or
	// installs rec as the new one. Two concurrent callers for the same new
	// composite ID observe the same record.
	GetOrCreate(rec *SessionRecord) *SessionRecord
	// Delete removes a record.
	Delete(id string)
}

// InMemoryStore keeps session records in a process-local map.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*SessionRecord)}
}

// Get retrieves a session by composite ID.
func (s *InMemoryStore) Get(id string) (*SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// GetOrCreate installs rec unless a record with the same ID already exists.
func (s *InMemoryStore) GetOrCreate(rec *SessionRecord) *SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[rec.ID]; ok {
		return existing
	}
	s.sessions[rec.ID] = rec
	return rec
}

// Delete removes a session.
func (s *InMemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
