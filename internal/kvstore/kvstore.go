// Package kvstore is the persisted key-value store contract used by the
// coordinator (get / set / change-notify) plus two adapters: an in-memory map and
// a JSON file watched with fsnotify.
package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
)

// Change describes one key's transition. HasNewValue is false when the key was removed.
type Change struct {
	OldValue    json.RawMessage `json:"oldValue,omitempty"`
	NewValue    json.RawMessage `json:"newValue,omitempty"`
	HasNewValue bool            `json:"-"`
}

// Changes maps each changed key to its transition.
type Changes map[string]Change

// Store is the persisted key-value contract.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value any) error
	Remove(ctx context.Context, key string) error
	// OnChanged registers fn for every subsequent change. The returned func unregisters it.
	OnChanged(fn func(Changes)) func()
}

// GetInto decodes key into v. It reports false without touching v when the key is absent.
func GetInto(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// listeners is the callback registry shared by both adapters.
type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Changes)
}

func (l *listeners) add(fn func(Changes)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(Changes))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// notify copies the callbacks under the lock and invokes them unlocked.
func (l *listeners) notify(changes Changes) {
	if len(changes) == 0 {
		return
	}
	l.mu.Lock()
	fns := make([]func(Changes), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(changes)
	}
}

func diff(old, next map[string]json.RawMessage) Changes {
	changes := Changes{}
	for k, nv := range next {
		ov, had := old[k]
		if had && bytes.Equal(ov, nv) {
			continue
		}
		changes[k] = Change{OldValue: ov, NewValue: nv, HasNewValue: true}
	}
	for k, ov := range old {
		if _, still := next[k]; !still {
			changes[k] = Change{OldValue: ov}
		}
	}
	return changes
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return compact(raw)
	}
	return json.Marshal(value)
}
