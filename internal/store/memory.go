package store

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store, used when no database path is configured
// and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	// SaveErr, if set, is returned by Save without storing anything.
	SaveErr error
	saves   int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Load(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[key]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Save(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.records[key] = append([]byte(nil), data...)
	m.saves++
	return nil
}

// Saves returns how many successful Save calls were made.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error { return nil }
