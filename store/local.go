package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Local keeps every key in memory and, when backed by a file, rewrites the
// whole file atomically after each mutation.
type Local struct {
	mu       sync.RWMutex
	path     string // empty for memory-only
	data     map[string]json.RawMessage
	closed   bool
	watchers map[int]*watcher
	nextID   int
}

type watcher struct {
	keys map[string]struct{}
	ch   chan Change
}

// watchBuffer bounds how far a slow watcher may fall behind before changes
// are dropped for it.
const watchBuffer = 64

// NewMemory creates a store that is not persisted.
func NewMemory() *Local {
	return &Local{
		data:     make(map[string]json.RawMessage),
		watchers: make(map[int]*watcher),
	}
}

// Open loads the store file at path, creating its directory as needed. A
// missing file starts an empty store; a corrupt one is set aside and also
// starts empty.
func Open(path string) (*Local, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	s := NewMemory()
	s.path = path

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read store: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		if rerr := os.Rename(path, path+".corrupt"); rerr != nil {
			return nil, fmt.Errorf("failed to set aside corrupt store: %w", rerr)
		}
		log.Printf("Warning: store file %s is corrupt (%v). Starting empty.", path, err)
		s.data = make(map[string]json.RawMessage)
	}
	return s, nil
}

// Get implements Store.
func (s *Local) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out, nil
}

// Set implements Store.
func (s *Local) Set(ctx context.Context, items map[string]json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var changes []Change
	for k, v := range items {
		if !json.Valid(v) {
			return fmt.Errorf("value for %s is not valid JSON", k)
		}
	}
	for k, v := range items {
		if old, ok := s.data[k]; ok && bytes.Equal(old, v) {
			continue
		}
		val := append(json.RawMessage(nil), v...)
		s.data[k] = val
		changes = append(changes, Change{Key: k, Value: val})
	}
	if len(changes) == 0 {
		return nil
	}
	if err := s.flush(); err != nil {
		return err
	}
	s.notify(changes)
	return nil
}

// Remove implements Store.
func (s *Local) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var changes []Change
	for _, k := range keys {
		if _, ok := s.data[k]; !ok {
			continue
		}
		delete(s.data, k)
		changes = append(changes, Change{Key: k})
	}
	if len(changes) == 0 {
		return nil
	}
	if err := s.flush(); err != nil {
		return err
	}
	s.notify(changes)
	return nil
}

// Watch implements Store.
func (s *Local) Watch(keys ...string) (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &watcher{ch: make(chan Change, watchBuffer)}
	if len(keys) > 0 {
		w.keys = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			w.keys[k] = struct{}{}
		}
	}
	id := s.nextID
	s.nextID++
	if s.closed {
		close(w.ch)
		return w.ch, func() {}
	}
	s.watchers[id] = w

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(w.ch)
			}
		})
	}
}

// Close flushes nothing further and ends every watch stream.
func (s *Local) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, w := range s.watchers {
		close(w.ch)
		delete(s.watchers, id)
	}
	return nil
}

// notify must be called with mu held.
func (s *Local) notify(changes []Change) {
	for _, w := range s.watchers {
		for _, c := range changes {
			if w.keys != nil {
				if _, ok := w.keys[c.Key]; !ok {
					continue
				}
			}
			select {
			case w.ch <- c:
			default:
				log.Printf("Warning: store watcher is full, dropping change for %s", c.Key)
			}
		}
	}
}

// flush must be called with mu held.
func (s *Local) flush() error {
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	return os.Rename(tmp, s.path)
}
