package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a process-local Store. It has no atomic increment, so
// counters written through it follow the read-modify-write path.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *MemoryStore) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	return nil
}

// List pages through keys in lexical order. The cursor is the last key of the
// previous page.
func (m *MemoryStore) List(_ context.Context, prefix, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = 1000
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) && key > cursor {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)

	if len(keys) <= limit {
		return Page{Keys: keys, Complete: true}, nil
	}

	keys = keys[:limit]
	return Page{Keys: keys, Cursor: keys[len(keys)-1]}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
