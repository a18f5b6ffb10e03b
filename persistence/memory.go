package persistence

import (
	"context"
	"sync"

	uuid "github.com/satori/go.uuid"
)

// Memory is a trivial in-process Store used by the corestate test suites in
// place of a real document store. It is not part of the exported surface
// meant for production use.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	ids  map[string]string
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
		ids:  make(map[string]string),
	}
}

func (m *Memory) Save(_ context.Context, key string, value []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewV4().String()
	clone := make([]byte, len(value))
	copy(clone, value)
	m.data[key] = clone
	m.ids[key] = id
	return id, nil
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	clone := make([]byte, len(v))
	copy(clone, v)
	return clone, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.data[key]
	delete(m.data, key)
	delete(m.ids, key)
	return existed, nil
}

func (m *Memory) BatchSave(ctx context.Context, items map[string][]byte) (map[string]string, error) {
	ids := make(map[string]string, len(items))
	for key, value := range items {
		id, err := m.Save(ctx, key, value)
		if err != nil {
			return ids, err
		}
		ids[key] = id
	}
	return ids, nil
}

// Snapshot returns a copy of the stored keys, for test assertions.
func (m *Memory) Snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		clone := make([]byte, len(v))
		copy(clone, v)
		out[k] = clone
	}
	return out
}
