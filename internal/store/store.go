// Package store provides the session persistence boundary. The orchestrator
// only requires load/save of a session's state mapping plus outcome
// bookkeeping; durability concerns live behind this interface.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for loads and saves against unknown sessions.
var ErrSessionNotFound = fmt.Errorf("session not found")

// Session is the persisted record of one pipeline session.
type Session struct {
	ID        uuid.UUID              `json:"id"`
	Name      string                 `json:"name"`
	State     map[string]interface{} `json:"state"`
	Outcome   string                 `json:"outcome,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// SessionStore is the persistence contract consumed by the orchestration
// service.
type SessionStore interface {
	CreateSession(ctx context.Context, name string) (uuid.UUID, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error)
	// Load returns the session's persisted state mapping.
	Load(ctx context.Context, sessionID uuid.UUID) (map[string]interface{}, error)
	// Save replaces the session's persisted state mapping.
	Save(ctx context.Context, sessionID uuid.UUID, state map[string]interface{}) error
	// SetOutcome records the terminal classification of the session's last run.
	SetOutcome(ctx context.Context, sessionID uuid.UUID, outcome, reason string) error
}

// MemoryStore is an in-process SessionStore for tests and single-node use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID]*Session)}
}

// CreateSession implements SessionStore.
func (s *MemoryStore) CreateSession(ctx context.Context, name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	now := time.Now().UTC()
	s.sessions[id] = &Session{
		ID:        id,
		Name:      name,
		State:     map[string]interface{}{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// GetSession implements SessionStore.
func (s *MemoryStore) GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	cp.State = copyState(sess.State)
	return &cp, nil
}

// Load implements SessionStore.
func (s *MemoryStore) Load(ctx context.Context, sessionID uuid.UUID) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copyState(sess.State), nil
}

// Save implements SessionStore.
func (s *MemoryStore) Save(ctx context.Context, sessionID uuid.UUID, state map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.State = copyState(state)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// SetOutcome implements SessionStore.
func (s *MemoryStore) SetOutcome(ctx context.Context, sessionID uuid.UUID, outcome, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Outcome = outcome
	sess.Reason = reason
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func copyState(state map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
