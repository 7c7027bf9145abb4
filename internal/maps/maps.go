// Package maps provides the thread-safe entity registries used to track
// live contexts, child workflows, activity futures and workflow queues.
package maps

import (
	"github.com/sasha-s/go-deadlock"
)

// Map is a mutex-guarded map keyed by a generated identifier. Get on a
// missing key reports absence instead of failing: callers racing a reply
// against context cleanup must be able to tolerate entries that are
// already gone.
type Map[K comparable, V any] struct {
	mu      deadlock.RWMutex
	entries map[K]V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		entries: make(map[K]V),
	}
}

// Add stores value under key and returns the key.
func (m *Map[K, V]) Add(key K, value V) K {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return key
}

// Remove deletes the entry under key and returns it, reporting whether
// it was present.
func (m *Map[K, V]) Remove(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	return value, ok
}

// Get returns the entry under key, reporting whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.entries[key]
	return value, ok
}

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Range calls fn for each entry until fn returns false. fn must not call
// back into the map.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.entries {
		if !fn(k, v) {
			return
		}
	}
}

// Drain empties the map and returns everything it held. Used during
// context teardown so pending waiters can be failed outside the lock.
func (m *Map[K, V]) Drain() map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	drained := m.entries
	m.entries = make(map[K]V)
	return drained
}
