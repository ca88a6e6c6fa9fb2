package keychain

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemoryStore keeps secrets in process memory. It backs the daemon on
// platforms without a Keychain and stands in for one in tests. The zero
// value is ready to use.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Set(key, value string) error {
	if key == "" {
		return fmt.Errorf("keychain: empty secret key")
	}
	m.mu.Lock()
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.Lock()
	v, ok := m.values[key]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// List returns the stored keys in lexical order.
func (m *MemoryStore) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.values)), nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}
