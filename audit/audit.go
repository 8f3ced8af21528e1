// Package audit provides pure projection functions that transform
// entity event histories into audit-friendly views.
//
// All functions in this package are pure: they take []entity.Event as
// input and return derived structures. They do not perform I/O or have
// side effects. Callers load histories through the event log read
// surface and project them here, keeping the store interface free of
// presentation concerns.
package audit

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/lirancohen/plinth/entity"
)

// TimelineEntry is one committed mutation in an entity's audit
// timeline.
type TimelineEntry struct {
	Version     int64
	Type        entity.EventType
	Actor       string
	CommittedAt time.Time

	// Message is a human-readable description of the mutation.
	Message string

	// Rollback carries provenance for rollback entries, nil otherwise.
	Rollback *entity.RollbackDetails
}

// Timeline projects an entity's event history into chronological audit
// entries, oldest first. Rollback events are annotated with their
// provenance so the timeline shows what was restored, by whom, and why.
func Timeline(events []entity.Event) []TimelineEntry {
	result := make([]TimelineEntry, 0, len(events))
	for _, e := range events {
		entry := TimelineEntry{
			Version:     e.Version,
			Type:        e.Type,
			Actor:       e.Actor,
			CommittedAt: e.CommittedAt,
		}
		switch e.Type {
		case entity.EventCreated:
			entry.Message = "created by " + e.Actor
		case entity.EventRollback:
			entry.Message = "rolled back by " + e.Actor
			if details, ok := entity.RollbackDetailsOf(e); ok {
				d := details
				entry.Rollback = &d
				entry.Message = "rolled back to v" + strconv.FormatInt(d.ToVersion, 10) + " by " + e.Actor
				if d.Reason != "" {
					entry.Message += ": " + d.Reason
				}
			}
		default:
			entry.Message = "updated by " + e.Actor
		}
		result = append(result, entry)
	}
	return result
}

// ActorActivity aggregates one actor's committed mutations of an
// entity.
type ActorActivity struct {
	Actor     string
	Commits   int
	Creates   int
	Updates   int
	Rollbacks int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Actors projects per-actor activity from an entity's event history.
// The result is keyed by actor name.
func Actors(events []entity.Event) map[string]ActorActivity {
	result := make(map[string]ActorActivity)
	for _, e := range events {
		a := result[e.Actor]
		a.Actor = e.Actor
		a.Commits++
		switch e.Type {
		case entity.EventCreated:
			a.Creates++
		case entity.EventRollback:
			a.Rollbacks++
		default:
			a.Updates++
		}
		if a.FirstSeen.IsZero() || e.CommittedAt.Before(a.FirstSeen) {
			a.FirstSeen = e.CommittedAt
		}
		if e.CommittedAt.After(a.LastSeen) {
			a.LastSeen = e.CommittedAt
		}
		result[e.Actor] = a
	}
	return result
}

// RollbackRecord describes one rollback in an entity's history.
type RollbackRecord struct {
	// Version is the version the rollback produced.
	Version int64

	Details     entity.RollbackDetails
	Actor       string
	CommittedAt time.Time

	// Reverted lists the versions whose effects the rollback undid:
	// everything after the restored version up to, but excluding, the
	// rollback itself.
	Reverted []int64
}

// Rollbacks projects every rollback in an entity's event history,
// oldest first. Events without rollback provenance metadata are
// skipped even if tagged as rollbacks.
func Rollbacks(events []entity.Event) []RollbackRecord {
	var result []RollbackRecord
	for _, e := range events {
		if e.Type != entity.EventRollback {
			continue
		}
		details, ok := entity.RollbackDetailsOf(e)
		if !ok {
			continue
		}
		rec := RollbackRecord{
			Version:     e.Version,
			Details:     details,
			Actor:       e.Actor,
			CommittedAt: e.CommittedAt,
		}
		for v := details.ToVersion + 1; v < e.Version; v++ {
			rec.Reverted = append(rec.Reverted, v)
		}
		result = append(result, rec)
	}
	return result
}

// FieldChange describes one top-level payload field touched by an
// event's delta.
type FieldChange struct {
	Field string

	// Deleted is true when the delta removed the field (JSON null in
	// the merge patch).
	Deleted bool
}

// Changes lists the top-level payload fields an event's delta touched,
// sorted by field name. An event with no delta yields no changes.
func Changes(e entity.Event) ([]FieldChange, error) {
	if len(e.Delta) == 0 {
		return nil, nil
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(e.Delta, &patch); err != nil {
		return nil, err
	}
	result := make([]FieldChange, 0, len(patch))
	for field, raw := range patch {
		result = append(result, FieldChange{
			Field:   field,
			Deleted: string(raw) == "null",
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Field < result[j].Field })
	return result, nil
}
