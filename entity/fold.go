package entity

import (
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// emptyDoc is the base document that version-1 deltas patch against.
var emptyDoc = json.RawMessage(`{}`)

// Apply folds one event into the payload at the event's prior version,
// producing the payload at the event's version. It is a pure function
// with no storage dependency. A nil payload is treated as the empty
// document, and a nil delta as a no-op patch.
func Apply(payload json.RawMessage, e Event) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = emptyDoc
	}
	if len(e.Delta) == 0 {
		out := make(json.RawMessage, len(payload))
		copy(out, payload)
		return out, nil
	}
	merged, err := jsonpatch.MergePatch(payload, e.Delta)
	if err != nil {
		return nil, fmt.Errorf("apply event %s/%s v%d: %w", e.EntityType, e.EntityID, e.Version, err)
	}
	return merged, nil
}

// Diff computes the RFC 7386 merge patch that transforms old into new.
// A nil old payload is treated as the empty document, so the version-1
// delta is the initial payload itself.
func Diff(old, new json.RawMessage) (json.RawMessage, error) {
	if len(old) == 0 {
		old = emptyDoc
	}
	if len(new) == 0 {
		new = emptyDoc
	}
	patch, err := jsonpatch.CreateMergePatch(old, new)
	if err != nil {
		return nil, fmt.Errorf("diff payloads: %w", err)
	}
	return patch, nil
}

// Fold replays events in order from the empty document and returns the
// payload produced by the final event. The slice must start at version 1
// and be gapless; Fold returns an error describing the first violation
// otherwise. Folding an empty slice returns nil.
func Fold(events []Event) (json.RawMessage, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if events[0].Version != 1 {
		return nil, fmt.Errorf("fold: events must start at version 1, got %d", events[0].Version)
	}
	payload := json.RawMessage(nil)
	for i, e := range events {
		if i > 0 && e.Version != events[i-1].Version+1 {
			return nil, fmt.Errorf("fold: gap after version %d: next is %d", events[i-1].Version, e.Version)
		}
		var err error
		payload, err = Apply(payload, e)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// FoldAt replays events committed at or before t and returns the
// resulting state as a snapshot. The found result is false when no
// event was committed at or before t.
func FoldAt(events []Event, t time.Time) (Snapshot, bool, error) {
	upTo := 0
	for upTo < len(events) && !events[upTo].CommittedAt.After(t) {
		upTo++
	}
	if upTo == 0 {
		return Snapshot{}, false, nil
	}
	payload, err := Fold(events[:upTo])
	if err != nil {
		return Snapshot{}, false, err
	}
	last := events[upTo-1]
	return Snapshot{
		EntityType:  last.EntityType,
		EntityID:    last.EntityID,
		Version:     last.Version,
		Payload:     payload,
		CommittedAt: last.CommittedAt,
		Actor:       last.Actor,
	}, true, nil
}
