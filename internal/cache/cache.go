package cache

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no live entry exists for an id.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("cache: entry already exists")
	// ErrConflict is returned by CompareAndUpdate on a stale version.
	ErrConflict = errors.New("cache: version conflict")
)

// Value is a cached value that can produce an independent copy of itself.
type Value[V any] interface {
	Clone() V
}

// Snapshot is an immutable copy of an entry at a given version.
type Snapshot[V any] struct {
	Value     V
	Version   uint64
	UpdatedAt time.Time
}

// Action tells Update what to do with the entry after a successful mutation.
type Action int

const (
	// Keep stores the mutated value.
	Keep Action = iota
	// Drop removes the entry; later lookups report ErrNotFound.
	Drop
)

type entry[V any] struct {
	mu        sync.Mutex
	value     V
	version   uint64
	updatedAt time.Time
	removed   bool
}

// Store is a concurrent map from id to value. Mutations of one entry are
// serialized by a per-entry lock; distinct entries never contend beyond the
// short map lookup.
//
// Lock order is entry then map. Expire holds the map lock and only TryLocks
// entries.
type Store[V Value[V]] struct {
	mu      sync.RWMutex
	entries map[string]*entry[V]
	now     func() time.Time
}

// New creates an empty store.
func New[V Value[V]]() *Store[V] {
	return NewWithNow[V](time.Now)
}

// NewWithNow creates an empty store with a custom time source (for tests).
func NewWithNow[V Value[V]](now func() time.Time) *Store[V] {
	if now == nil {
		now = time.Now
	}
	return &Store[V]{
		entries: make(map[string]*entry[V]),
		now:     now,
	}
}

func (s *Store[V]) lookup(id string) *entry[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Create inserts v under id. It fails with ErrExists if id is live. The
// store takes ownership of v; the caller must not modify it afterwards.
func (s *Store[V]) Create(id string, v V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return ErrExists
	}
	s.entries[id] = &entry[V]{
		value:     v,
		version:   1,
		updatedAt: s.now(),
	}
	return nil
}

// Save stores v under id, replacing any existing value.
func (s *Store[V]) Save(id string, v V) {
	for {
		e := s.lookup(id)
		if e == nil {
			if err := s.Create(id, v); err == nil {
				return
			}
			continue
		}
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		e.value = v.Clone()
		e.version++
		e.updatedAt = s.now()
		e.mu.Unlock()
		return
	}
}

// Get returns a snapshot of the entry for id.
func (s *Store[V]) Get(id string) (Snapshot[V], bool) {
	e := s.lookup(id)
	if e == nil {
		return Snapshot[V]{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Snapshot[V]{}, false
	}
	return Snapshot[V]{Value: e.value.Clone(), Version: e.version, UpdatedAt: e.updatedAt}, true
}

// CompareAndUpdate replaces the value for id only if its version is still
// expected. It returns the new version.
func (s *Store[V]) CompareAndUpdate(id string, expected uint64, v V) (uint64, error) {
	e := s.lookup(id)
	if e == nil {
		return 0, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return 0, ErrNotFound
	}
	if e.version != expected {
		return e.version, ErrConflict
	}
	e.value = v.Clone()
	e.version++
	e.updatedAt = s.now()
	return e.version, nil
}

// Update runs fn on the live value for id while holding the entry lock, so
// concurrent updates of the same id never lose a write. fn mutates v in
// place; nothing is copied. If fn fails, the top-level value is restored and
// the version is left unchanged, so fn must not modify data it reaches
// through pointers until it can no longer fail. If fn returns Drop the entry
// is removed atomically with the mutation. Update returns the new version.
func (s *Store[V]) Update(id string, fn func(v *V) (Action, error)) (uint64, error) {
	e := s.lookup(id)
	if e == nil {
		return 0, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return 0, ErrNotFound
	}

	prev := e.value
	action, err := fn(&e.value)
	if err != nil {
		e.value = prev
		return e.version, err
	}
	e.version++
	e.updatedAt = s.now()

	if action == Drop {
		e.removed = true
		s.mu.Lock()
		if s.entries[id] == e {
			delete(s.entries, id)
		}
		s.mu.Unlock()
	}
	return e.version, nil
}

// View runs fn on the live value for id under the entry lock without
// copying it. fn must not retain v or anything it references. View reports
// whether the entry exists.
func (s *Store[V]) View(id string, fn func(v *V)) bool {
	e := s.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	fn(&e.value)
	return true
}

// Has reports whether a live entry exists for id.
func (s *Store[V]) Has(id string) bool {
	return s.View(id, func(*V) {})
}

// Remove deletes the entry for id and returns its last value.
func (s *Store[V]) Remove(id string) (V, bool) {
	var zero V
	e := s.lookup(id)
	if e == nil {
		return zero, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return zero, false
	}
	e.removed = true
	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return e.value, true
}

// Count returns the number of live entries. The value is a point-in-time
// estimate.
func (s *Store[V]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Expire removes entries not updated within ttl of now and returns their
// values. Entries locked by an in-flight operation are skipped.
func (s *Store[V]) Expire(now time.Time, ttl time.Duration) []V {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []V
	for id, e := range s.entries {
		if !e.mu.TryLock() {
			continue
		}
		if now.Sub(e.updatedAt) > ttl {
			e.removed = true
			delete(s.entries, id)
			expired = append(expired, e.value)
		}
		e.mu.Unlock()
	}
	return expired
}
