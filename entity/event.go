package entity

import (
	"encoding/json"
	"strconv"
	"time"
)

// EventType classifies committed state-change events.
type EventType string

const (
	// EventCreated records the first version of a previously-unseen entity.
	EventCreated EventType = "created"

	// EventUpdated records a mutation of an existing entity.
	EventUpdated EventType = "updated"

	// EventRollback records a mutation whose payload restores a prior
	// version or point-in-time state. Rollback is a first-class audited
	// operation, not an erasure of history.
	EventRollback EventType = "rollback"
)

// Valid reports whether et is one of the known event types.
func (et EventType) Valid() bool {
	switch et {
	case EventCreated, EventUpdated, EventRollback:
		return true
	default:
		return false
	}
}

// Event is an immutable record of one committed mutation.
// The event at version N carries the delta between the payloads at
// versions N-1 and N; folding deltas in order reconstructs any payload.
type Event struct {
	// ID is the unique identifier for this event (UUID).
	ID string `json:"id"`

	// EntityType partitions the key space.
	EntityType Type `json:"entity_type"`

	// EntityID is unique within EntityType.
	EntityID string `json:"entity_id"`

	// Version is the entity version this event produced (1, 2, 3, ...).
	// Versions are gapless and monotonically increasing per entity.
	Version int64 `json:"version"`

	// Type classifies the event (created, updated, rollback).
	Type EventType `json:"type"`

	// Delta is an RFC 7386 JSON merge patch against the payload at
	// Version-1 (against the empty document {} for version 1). Payload
	// fields set to JSON null are recorded as deletions.
	Delta json.RawMessage `json:"delta,omitempty"`

	// Actor identifies who or what requested the mutation, for audit.
	Actor string `json:"actor"`

	// CommittedAt is the wall-clock commit time, set by the transaction
	// manager.
	CommittedAt time.Time `json:"committed_at"`

	// Metadata holds additional context such as rollback provenance and
	// correlation IDs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Key returns the event's entity key.
func (e Event) Key() Key {
	return Key{Type: e.EntityType, ID: e.EntityID}
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	if e.Delta != nil {
		out.Delta = append(json.RawMessage(nil), e.Delta...)
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Metadata keys written by the core.
const (
	// MetaRollbackToVersion records the version a rollback restored.
	MetaRollbackToVersion = "rollback_to_version"

	// MetaRollbackToTime records the point-in-time a rollback restored,
	// in RFC 3339 format. Set only for timestamp-targeted rollbacks.
	MetaRollbackToTime = "rollback_to_time"

	// MetaRollbackReason records the caller-supplied rollback reason.
	MetaRollbackReason = "rollback_reason"
)

// RollbackDetails describes the provenance of a rollback event.
type RollbackDetails struct {
	// ToVersion is the version whose payload was restored.
	ToVersion int64

	// ToTime is the requested point in time, zero for version targets.
	ToTime time.Time

	// Reason is the caller-supplied justification.
	Reason string
}

// Metadata encodes the details as event metadata.
func (d RollbackDetails) Metadata() map[string]string {
	md := map[string]string{
		MetaRollbackToVersion: strconv.FormatInt(d.ToVersion, 10),
		MetaRollbackReason:    d.Reason,
	}
	if !d.ToTime.IsZero() {
		md[MetaRollbackToTime] = d.ToTime.Format(time.RFC3339Nano)
	}
	return md
}

// RollbackDetailsOf extracts rollback provenance from a rollback event.
// The second return is false if the event carries no rollback metadata.
func RollbackDetailsOf(e Event) (RollbackDetails, bool) {
	raw, ok := e.Metadata[MetaRollbackToVersion]
	if !ok {
		return RollbackDetails{}, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return RollbackDetails{}, false
	}
	d := RollbackDetails{
		ToVersion: v,
		Reason:    e.Metadata[MetaRollbackReason],
	}
	if ts, ok := e.Metadata[MetaRollbackToTime]; ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.ToTime = t
		}
	}
	return d, true
}
