package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// MemoryStore is an in-memory Repository for tests and ephemeral daemons.
// It stores and returns deep copies so callers cannot mutate stored state.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[protocol.Key]*protocol.State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[protocol.Key]*protocol.State)}
}

// Load returns a copy of the stored state.
func (s *MemoryStore) Load(_ context.Context, key protocol.Key) (*protocol.State, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
	}
	return st.Clone(), nil
}

// Save stores a copy of st.
func (s *MemoryStore) Save(_ context.Context, st *protocol.State) error {
	next, _, err := prepare(st)
	if err != nil {
		return err
	}
	key := st.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	var stored int64
	if cur, ok := s.states[key]; ok {
		stored = cur.Version
	}
	if stored != st.Version {
		return conflict(key, stored, st.Version)
	}
	s.states[key] = next
	st.Version = next.Version
	return nil
}

// Exists reports whether key is stored.
func (s *MemoryStore) Exists(_ context.Context, key protocol.Key) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.states[key]
	return ok, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key protocol.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[key]; !ok {
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
	}
	delete(s.states, key)
	return nil
}

// List returns the stored keys for kind.
func (s *MemoryStore) List(_ context.Context, kind string) ([]protocol.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]protocol.Key, 0, len(s.states))
	for k := range s.states {
		if kind == "" || k.Kind == kind {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys, nil
}
