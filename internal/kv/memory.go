package kv

import (
	"context"
	"sync"
)

type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{Value: append([]byte(nil), e.Value...), Revision: e.Revision}, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.entries[key].Revision
	if current != revision {
		return 0, ErrConflict
	}
	next := current + 1
	m.entries[key] = Entry{Value: append([]byte(nil), value...), Revision: next}
	return next, nil
}
