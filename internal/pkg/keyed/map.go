// Package keyed provides a string-keyed concurrent map split into
// independently locked shards. All per-vehicle stores in the hub use it, so
// operations on different vehicle ids rarely contend on the same lock.
package keyed

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shardCount must be a power of two.
const shardCount = 64

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// Map is a sharded map from string keys to V. The zero value is not usable;
// construct with New.
type Map[V any] struct {
	shards [shardCount]*shard[V]
}

// New returns an empty map.
func New[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)&(shardCount-1)]
}

// Load returns the value stored under key.
func (m *Map[V]) Load(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Store sets the value for key, replacing any previous value.
func (m *Map[V]) Store(key string, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores and returns value. loaded reports whether the value was present.
func (m *Map[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, true
	}
	s.m[key] = value
	return value, false
}

// LoadAndDelete removes key and returns the value it held.
func (m *Map[V]) LoadAndDelete(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	return v, ok
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Compute replaces the value under key with the result of fn while holding
// the shard lock. fn receives the current value and whether it exists; when
// keep is false the key is removed. fn must not call back into the map.
func (m *Map[V]) Compute(key string, fn func(old V, exists bool) (value V, keep bool)) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.m[key]
	value, keep := fn(old, exists)
	if keep {
		s.m[key] = value
	} else {
		delete(s.m, key)
	}
	return value, keep
}

// Range calls fn for every entry until fn returns false. Each shard is read
// under its own lock, so the walk is not a snapshot of the whole map.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		entries := make([]entry[V], 0, len(s.m))
		for k, v := range s.m {
			entries = append(entries, entry[V]{k, v})
		}
		s.mu.RUnlock()

		for _, e := range entries {
			if !fn(e.key, e.value) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

type entry[V any] struct {
	key   string
	value V
}
