package session

import (
	"context"
	"sync"
	"time"
)

// Store loads and saves whole session records keyed by code.
type Store interface {
	// Get returns ErrNotFound when no session has the code.
	Get(ctx context.Context, code string) (*Session, error)

	// Create inserts s only if its code is free, otherwise ErrCodeTaken.
	Create(ctx context.Context, s *Session) error

	// Put replaces the stored record if its version still equals s.Version,
	// then bumps s.Version. A stale record yields ErrConflict.
	Put(ctx context.Context, s *Session) error

	// Delete removes the session. Deleting an absent code is not an error.
	Delete(ctx context.Context, code string) error
}

// Bindings maps transport connection ids to the session code they play in.
type Bindings interface {
	Bind(ctx context.Context, connID, code string) error
	// Lookup returns ErrNotFound for an unbound connection.
	Lookup(ctx context.Context, connID string) (string, error)
	Unbind(ctx context.Context, connID string) error
}

// Sweeper removes sessions that are over, or that everyone left, once they
// have been idle for longer than olderThan.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// MemoryStore is an in-process Store, Bindings and Sweeper. Records are deep
// copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bindings map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		bindings: make(map[string]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, code string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[code]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.Code]; ok {
		return ErrCodeTaken
	}
	s.Version = 1
	m.sessions[s.Code] = s.Clone()
	return nil
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[s.Code]
	if !ok {
		return ErrNotFound
	}
	if current.Version != s.Version {
		return ErrConflict
	}
	s.Version++
	m.sessions[s.Code] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, code)
	return nil
}

func (m *MemoryStore) Bind(_ context.Context, connID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[connID] = code
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, connID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	code, ok := m.bindings[connID]
	if !ok {
		return "", ErrNotFound
	}
	return code, nil
}

func (m *MemoryStore) Unbind(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, connID)
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	deleted := 0
	for code, s := range m.sessions {
		if Sweepable(s, cutoff) {
			delete(m.sessions, code)
			deleted++
		}
	}
	for connID, code := range m.bindings {
		if _, ok := m.sessions[code]; !ok {
			delete(m.bindings, connID)
		}
	}
	return deleted, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Sweepable reports whether s is finished or empty and untouched since cutoff.
func Sweepable(s *Session, cutoff time.Time) bool {
	return (s.Status.Terminal() || len(s.Players) == 0) && s.UpdatedAt.Before(cutoff)
}
