// Package entity defines the common envelope shared by every record the
// state core tracks, and the pure fold that reconstructs payloads from
// the event log.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type partitions the entity key space.
type Type string

const (
	// TypeWorkflow is a workflow definition or execution record.
	TypeWorkflow Type = "workflow"

	// TypeAgent is an agent registration and health record.
	TypeAgent Type = "agent"

	// TypeTask is a unit of work assigned to an agent.
	TypeTask Type = "task"

	// TypeResource is a shared resource tracked by the platform.
	TypeResource Type = "resource"

	// TypeSystem is platform-wide health and configuration state.
	TypeSystem Type = "system"
)

// Valid reports whether t is one of the known entity types.
func (t Type) Valid() bool {
	switch t {
	case TypeWorkflow, TypeAgent, TypeTask, TypeResource, TypeSystem:
		return true
	default:
		return false
	}
}

// String returns the string representation of the type.
func (t Type) String() string {
	return string(t)
}

// ErrInvalidKey indicates an entity key with an unknown type or empty ID.
var ErrInvalidKey = errors.New("invalid entity key")

// Key identifies one entity within the key space.
// Keys are comparable and usable as map keys.
type Key struct {
	// Type partitions the key space.
	Type Type `json:"entity_type"`

	// ID is an opaque identifier, unique within Type.
	ID string `json:"entity_id"`
}

// NewKey builds a Key from an entity type and ID.
func NewKey(t Type, id string) Key {
	return Key{Type: t, ID: id}
}

// Validate checks that the key has a known type and a non-empty ID.
func (k Key) Validate() error {
	if !k.Type.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidKey, k.Type)
	}
	if k.ID == "" {
		return fmt.Errorf("%w: empty entity ID", ErrInvalidKey)
	}
	return nil
}

// String returns the canonical "type:id" form used for lock and cache keys.
func (k Key) String() string {
	return string(k.Type) + ":" + k.ID
}

// Snapshot is one committed version of an entity.
// Snapshots are immutable once committed; a mutation produces a new
// snapshot at the next version rather than modifying an existing one.
type Snapshot struct {
	// EntityType partitions the key space.
	EntityType Type `json:"entity_type"`

	// EntityID is unique within EntityType.
	EntityID string `json:"entity_id"`

	// Version is the committed version number (1, 2, 3, ...).
	// Versions are gapless and monotonically increasing per entity.
	Version int64 `json:"version"`

	// Payload is the entity-type-specific business state as JSON.
	Payload json.RawMessage `json:"payload"`

	// CommittedAt is the wall-clock commit time, set by the transaction
	// manager and never by the caller.
	CommittedAt time.Time `json:"committed_at"`

	// Actor identifies who or what requested the mutation, for audit.
	Actor string `json:"actor"`
}

// Key returns the snapshot's entity key.
func (s Snapshot) Key() Key {
	return Key{Type: s.EntityType, ID: s.EntityID}
}

// Clone returns a deep copy of the snapshot. Stores and caches hand out
// clones so callers cannot mutate shared payload bytes.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Payload != nil {
		out.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	return out
}
