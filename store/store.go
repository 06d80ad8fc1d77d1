// Package store is the persistent key-value collaborator: get/set/remove by
// key with change notifications. There are no multi-key transactions beyond
// a single Set call landing as one write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Change describes a key that was written or removed. Value is nil on removal.
type Change struct {
	Key   string
	Value json.RawMessage
}

// Store is a key-value store holding JSON values.
type Store interface {
	// Get returns the values present for keys. Missing keys are absent from
	// the map.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	// Set writes every item in one operation.
	Set(ctx context.Context, items map[string]json.RawMessage) error
	// Remove deletes keys. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error
	// Watch streams changes to keys (all keys when none are given) until
	// cancel is called.
	Watch(keys ...string) (changes <-chan Change, cancel func())
}

// GetJSON reads a single key into T. A missing key yields the zero value and
// found=false.
func GetJSON[T any](ctx context.Context, s Store, key string) (v T, found bool, err error) {
	m, err := s.Get(ctx, key)
	if err != nil {
		return v, false, err
	}
	raw, ok := m[key]
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

// Values encodes items for Set.
func Values(items map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(items))
	for k, v := range items {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// SetJSON encodes and writes items in one Set call.
func SetJSON(ctx context.Context, s Store, items map[string]any) error {
	vals, err := Values(items)
	if err != nil {
		return err
	}
	return s.Set(ctx, vals)
}
