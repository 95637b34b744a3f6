// Package kvstore defines the key-addressed store the transaction engine
// commits into. The engine only ever talks to the Store interface; the
// in-memory implementation here is the default sink for a standalone node.
package kvstore

import "sync"

// Store is the committed-state collaborator of the transaction engine.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the committed value for key, or false if the key has
	// never been written.
	Get(key string) ([]byte, bool)
	// Put installs the committed value for key.
	Put(key string, value []byte) error
	// Delete removes the committed value for key.
	Delete(key string) error
}

// MemoryStore is a Store backed by an in-process map.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

func (s *MemoryStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len reports the number of committed keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
