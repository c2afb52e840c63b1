package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status        Status
	Channel       string
	ChannelID     string
	UpdatedBefore time.Time
}

func (f Filter) match(s *Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Channel != "" && s.Channel != f.Channel {
		return false
	}
	if f.ChannelID != "" && s.ChannelID != f.ChannelID {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// Store persists sessions. Implementations return copies so callers never
// share memory with the stored record.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	// List returns matching sessions, most recently updated first.
	List(ctx context.Context, f Filter) ([]*Session, error)
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if f.match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}
