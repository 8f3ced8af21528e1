// Package store defines persistence for the version store and event log,
// and the atomic commit contract the transaction manager writes through.
//
// The version store and event log are co-located behind one interface so
// that a backend can persist a transaction's snapshots and events inside
// a single native atomic section.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/plinth/entity"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound indicates no snapshot or event matches the requested
	// key, version, or time.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict indicates a write's base version no longer
	// matches the entity's stored current version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateEvent indicates an event with the same ID already exists.
	ErrDuplicateEvent = errors.New("duplicate event ID")

	// ErrInvalidCommit indicates a malformed commit set. It signals a bug
	// in the caller, not a data race, and must never be retried.
	ErrInvalidCommit = errors.New("invalid commit set")
)

// VersionConflictError details a commit rejected because an entity's
// current version moved past the version the transaction read.
type VersionConflictError struct {
	Key     entity.Key
	Base    int64
	Current int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for %s: read version %d, current is %d", e.Key, e.Base, e.Current)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// Write pairs the snapshot and event produced by one staged mutation.
type Write struct {
	// Base is the entity version the transaction read before staging,
	// 0 for a previously-unseen entity. Commit fails with a
	// VersionConflictError if the stored current version differs.
	Base int64

	// Snapshot is the new version to persist. Its Version must equal
	// Base+1.
	Snapshot entity.Snapshot

	// Event is the log record for the mutation. Its Version and key
	// must match the snapshot's.
	Event entity.Event
}

// CommitSet is the atomic unit the transaction manager persists: one
// write per mutated entity.
type CommitSet struct {
	Writes []Write
}

// Validate checks the internal consistency of the commit set. It does
// not consult stored state; base-version checks happen inside Commit.
func (cs CommitSet) Validate() error {
	seen := make(map[entity.Key]struct{}, len(cs.Writes))
	for _, w := range cs.Writes {
		key := w.Snapshot.Key()
		if err := key.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommit, err)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate write for %s", ErrInvalidCommit, key)
		}
		seen[key] = struct{}{}

		if w.Base < 0 {
			return fmt.Errorf("%w: negative base version %d for %s", ErrInvalidCommit, w.Base, key)
		}
		if w.Snapshot.Version != w.Base+1 {
			return fmt.Errorf("%w: snapshot version %d for %s does not follow base %d",
				ErrInvalidCommit, w.Snapshot.Version, key, w.Base)
		}
		if w.Event.Key() != key {
			return fmt.Errorf("%w: event key %s does not match snapshot key %s", ErrInvalidCommit, w.Event.Key(), key)
		}
		if w.Event.Version != w.Snapshot.Version {
			return fmt.Errorf("%w: event version %d does not match snapshot version %d for %s",
				ErrInvalidCommit, w.Event.Version, w.Snapshot.Version, key)
		}
		if w.Event.ID == "" {
			return fmt.Errorf("%w: event for %s has no ID", ErrInvalidCommit, key)
		}
		if !w.Event.Type.Valid() {
			return fmt.Errorf("%w: unknown event type %q for %s", ErrInvalidCommit, w.Event.Type, key)
		}
	}
	return nil
}

// Store combines the version store read surface, the event log read
// surface, and the atomic commit used by the transaction manager.
// Implementations must be safe for concurrent use.
type Store interface {
	// Latest returns the current (highest-version) snapshot.
	// Returns ErrNotFound if the entity has never been committed.
	Latest(ctx context.Context, key entity.Key) (entity.Snapshot, error)

	// AtVersion returns the snapshot at an exact version.
	// Returns ErrNotFound if that version was never committed.
	AtVersion(ctx context.Context, key entity.Key, version int64) (entity.Snapshot, error)

	// AtTime returns the snapshot with the greatest CommittedAt <= t.
	// Returns ErrNotFound if nothing was committed at or before t.
	AtTime(ctx context.Context, key entity.Key, t time.Time) (entity.Snapshot, error)

	// History returns the entity's committed versions in ascending
	// order. Returns an empty slice for an unknown entity.
	History(ctx context.Context, key entity.Key) ([]int64, error)

	// Events returns the entity's events ascending by version.
	// upTo <= 0 means all events.
	Events(ctx context.Context, key entity.Key, upTo int64) ([]entity.Event, error)

	// LastVersion returns the entity's current version, 0 if the entity
	// has never been committed.
	LastVersion(ctx context.Context, key entity.Key) (int64, error)

	// Commit persists the set's snapshots and events as one atomic
	// unit: either every write lands or none do. Returns a
	// VersionConflictError if any write's Base no longer matches the
	// stored current version, ErrInvalidCommit if the set is malformed.
	Commit(ctx context.Context, set CommitSet) error
}
