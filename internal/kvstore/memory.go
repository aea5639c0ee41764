package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
	subs   listeners
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", key, err)
	}
	m.mu.Lock()
	old := m.values[key]
	_, had := m.values[key]
	m.values[key] = raw
	m.mu.Unlock()

	before := map[string]json.RawMessage{}
	if had {
		before[key] = old
	}
	m.subs.notify(diff(before, map[string]json.RawMessage{key: raw}))
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	old, had := m.values[key]
	delete(m.values, key)
	m.mu.Unlock()
	if had {
		m.subs.notify(Changes{key: {OldValue: old}})
	}
	return nil
}

func (m *Memory) OnChanged(fn func(Changes)) func() {
	return m.subs.add(fn)
}
