// Package contextstore holds the session context payload and derives
// reduced, task-specific views of it.
package contextstore

import "sort"

// Context is the opaque key->value payload a session runs over.
type Context map[string]string

// Clone returns an independent copy of the context.
func (c Context) Clone() Context {
	cloned := make(Context, len(c))
	for k, v := range c {
		cloned[k] = v
	}
	return cloned
}

// Keys returns the context keys in sorted order.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store owns the full input payload for one session. It copies the payload
// on construction and exposes it read-only: no component may mutate the
// context after the session starts.
type Store struct {
	values Context
}

// NewStore copies the payload into an immutable session store.
func NewStore(values Context) *Store {
	return &Store{values: values.Clone()}
}

// Get returns the value for a key and whether it is present.
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns all stored keys in sorted order.
func (s *Store) Keys() []string {
	return s.values.Keys()
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	return len(s.values)
}

// Snapshot returns an independent copy of the full payload. Mutating the
// copy never affects the store.
func (s *Store) Snapshot() Context {
	return s.values.Clone()
}
