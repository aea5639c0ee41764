package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File is a Store persisted as one JSON object on disk. Edits made by other
// processes are picked up by Watch and reported as changes.
type File struct {
	path string

	mu     sync.RWMutex
	values map[string]json.RawMessage
	subs   listeners
}

// OpenFile loads path, creating its directory if needed. A missing file is an empty store.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: mkdir %s: %w", filepath.Dir(path), err)
	}
	f := &File{path: path}
	values, err := f.read()
	if err != nil {
		return nil, err
	}
	f.values = values
	return f, nil
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

func (f *File) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *File) Set(_ context.Context, key string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", key, err)
	}

	f.mu.Lock()
	before := f.cloneLocked()
	f.values[key] = raw
	if err := f.writeLocked(); err != nil {
		f.values = before
		f.mu.Unlock()
		return err
	}
	after := f.cloneLocked()
	f.mu.Unlock()

	f.subs.notify(diff(before, after))
	return nil
}

func (f *File) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	if _, ok := f.values[key]; !ok {
		f.mu.Unlock()
		return nil
	}
	before := f.cloneLocked()
	delete(f.values, key)
	if err := f.writeLocked(); err != nil {
		f.values = before
		f.mu.Unlock()
		return err
	}
	after := f.cloneLocked()
	f.mu.Unlock()

	f.subs.notify(diff(before, after))
	return nil
}

func (f *File) OnChanged(fn func(Changes)) func() {
	return f.subs.add(fn)
}

// Watch reloads the file whenever another process rewrites it and notifies
// listeners of the keys that differ. It blocks until ctx is done.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("kvstore: watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Debug("kvstore watcher close failed", "error", err)
		}
	}()

	// Watch the directory: editors and our own writer replace the file by rename.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("kvstore: watch %s: %w", filepath.Dir(f.path), err)
	}
	slog.Info("kvstore watching", "path", f.path)

	name := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			slog.Debug("kvstore file event", "op", ev.Op.String(), "file", ev.Name)
			f.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("kvstore watcher error", "error", err)
		}
	}
}

func (f *File) reload() {
	next, err := f.read()
	if err != nil {
		slog.Warn("kvstore reload failed", "path", f.path, "error", err)
		return
	}
	f.mu.Lock()
	before := f.cloneLocked()
	f.values = next
	f.mu.Unlock()

	changes := diff(before, next)
	if len(changes) > 0 {
		slog.Info("kvstore external change", "path", f.path, "keys", len(changes))
	}
	f.subs.notify(changes)
}

func (f *File) read() (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, fmt.Errorf("kvstore: read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return values, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("kvstore: decode %s: %w", f.path, err)
	}
	for k, v := range raw {
		c, err := compact(v)
		if err != nil {
			return nil, fmt.Errorf("kvstore: decode %s key %s: %w", f.path, k, err)
		}
		values[k] = c
	}
	return values, nil
}

// writeLocked replaces the file atomically. f.mu must be held.
func (f *File) writeLocked() error {
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return fmt.Errorf("kvstore: marshal: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("kvstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("kvstore: rename %s: %w", tmp, err)
	}
	return nil
}

func (f *File) cloneLocked() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}
