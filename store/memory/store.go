// Package memory provides an in-memory implementation of store.Store.
// This implementation is suitable for testing and single-process use.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lirancohen/plinth/entity"
	"github.com/lirancohen/plinth/store"
)

// Store is a thread-safe in-memory implementation of store.Store.
// The zero value is ready for use.
type Store struct {
	mu        sync.RWMutex
	snapshots map[entity.Key][]entity.Snapshot // ascending by version; version V at index V-1
	events    map[entity.Key][]entity.Event    // ascending by version
	ids       map[string]struct{}              // set of all event IDs for duplicate detection
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		snapshots: make(map[entity.Key][]entity.Snapshot),
		events:    make(map[entity.Key][]entity.Event),
		ids:       make(map[string]struct{}),
	}
}

// initLocked initializes maps if nil (supports zero value).
// Caller must hold s.mu.
func (s *Store) initLocked() {
	if s.snapshots == nil {
		s.snapshots = make(map[entity.Key][]entity.Snapshot)
	}
	if s.events == nil {
		s.events = make(map[entity.Key][]entity.Event)
	}
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
}

// Commit persists the set's snapshots and events as one atomic unit.
// All writes are validated against current state before any is applied
// (all-or-nothing).
func (s *Store) Commit(ctx context.Context, set store.CommitSet) error {
	if len(set.Writes) == 0 {
		return nil
	}
	if err := set.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	// Validate every write before applying any
	newIDs := make(map[string]struct{}, len(set.Writes))
	for _, w := range set.Writes {
		key := w.Snapshot.Key()
		current := int64(len(s.snapshots[key]))
		if current != w.Base {
			return &store.VersionConflictError{Key: key, Base: w.Base, Current: current}
		}
		if _, exists := s.ids[w.Event.ID]; exists {
			return store.ErrDuplicateEvent
		}
		if _, exists := newIDs[w.Event.ID]; exists {
			return store.ErrDuplicateEvent
		}
		newIDs[w.Event.ID] = struct{}{}
	}

	// All validation passed, apply writes
	for _, w := range set.Writes {
		key := w.Snapshot.Key()
		s.snapshots[key] = append(s.snapshots[key], w.Snapshot)
		s.events[key] = append(s.events[key], w.Event)
		s.ids[w.Event.ID] = struct{}{}
	}

	return nil
}

// Latest returns the current snapshot for the entity.
func (s *Store) Latest(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.snapshots[key]
	if len(versions) == 0 {
		return entity.Snapshot{}, fmt.Errorf("latest %s: %w", key, store.ErrNotFound)
	}
	return versions[len(versions)-1].Clone(), nil
}

// AtVersion returns the snapshot at an exact version.
func (s *Store) AtVersion(ctx context.Context, key entity.Key, version int64) (entity.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.snapshots[key]
	if version < 1 || version > int64(len(versions)) {
		return entity.Snapshot{}, fmt.Errorf("%s at version %d: %w", key, version, store.ErrNotFound)
	}
	return versions[version-1].Clone(), nil
}

// AtTime returns the snapshot with the greatest CommittedAt <= t.
func (s *Store) AtTime(ctx context.Context, key entity.Key, t time.Time) (entity.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.snapshots[key]
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].CommittedAt.After(t) {
			return versions[i].Clone(), nil
		}
	}
	return entity.Snapshot{}, fmt.Errorf("%s at time %s: %w", key, t.Format(time.RFC3339), store.ErrNotFound)
}

// History returns the entity's committed versions in ascending order.
func (s *Store) History(ctx context.Context, key entity.Key) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.snapshots[key])
	history := make([]int64, n)
	for i := range history {
		history[i] = int64(i + 1)
	}
	return history, nil
}

// Events returns the entity's events ascending by version.
// upTo <= 0 means all events.
func (s *Store) Events(ctx context.Context, key entity.Key, upTo int64) ([]entity.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[key]
	if upTo > 0 && upTo < int64(len(all)) {
		all = all[:upTo]
	}

	// Return copies to prevent external modification
	result := make([]entity.Event, len(all))
	for i, e := range all {
		result[i] = e.Clone()
	}
	return result, nil
}

// LastVersion returns the entity's current version, 0 if never committed.
func (s *Store) LastVersion(ctx context.Context, key entity.Key) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.snapshots[key])), nil
}

