package entity

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func jsonEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var av, bv any
	if len(a) == 0 {
		a = json.RawMessage(`{}`)
	}
	if len(b) == 0 {
		b = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(a, &av); err != nil {
		t.Fatalf("unmarshal %q: %v", a, err)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		t.Fatalf("unmarshal %q: %v", b, err)
	}
	return reflect.DeepEqual(av, bv)
}

func TestDiffApply_Roundtrip(t *testing.T) {
	tests := []struct {
		name string
		old  json.RawMessage
		new  json.RawMessage
	}{
		{
			name: "create from empty",
			old:  nil,
			new:  json.RawMessage(`{"status":"pending","attempts":0}`),
		},
		{
			name: "change a field",
			old:  json.RawMessage(`{"status":"pending","attempts":0}`),
			new:  json.RawMessage(`{"status":"running","attempts":0}`),
		},
		{
			name: "add a field",
			old:  json.RawMessage(`{"status":"running"}`),
			new:  json.RawMessage(`{"status":"running","assigned_agent":"agent-7"}`),
		},
		{
			name: "remove a field",
			old:  json.RawMessage(`{"status":"running","assigned_agent":"agent-7"}`),
			new:  json.RawMessage(`{"status":"running"}`),
		},
		{
			name: "nested object change",
			old:  json.RawMessage(`{"status":"running","tasks":{"t1":{"state":"open"},"t2":{"state":"open"}}}`),
			new:  json.RawMessage(`{"status":"running","tasks":{"t1":{"state":"done"},"t2":{"state":"open"}}}`),
		},
		{
			name: "array replaced wholesale",
			old:  json.RawMessage(`{"tags":["a","b"]}`),
			new:  json.RawMessage(`{"tags":["a","b","c"]}`),
		},
		{
			name: "no change",
			old:  json.RawMessage(`{"status":"running"}`),
			new:  json.RawMessage(`{"status":"running"}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, err := Diff(tt.old, tt.new)
			if err != nil {
				t.Fatalf("Diff() error = %v", err)
			}

			got, err := Apply(tt.old, Event{Version: 1, Delta: delta})
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if !jsonEqual(t, got, tt.new) {
				t.Errorf("Apply(Diff()) = %s, want %s", got, tt.new)
			}
		})
	}
}

func TestApply_NilDelta(t *testing.T) {
	payload := json.RawMessage(`{"status":"running"}`)
	got, err := Apply(payload, Event{Version: 2})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !jsonEqual(t, got, payload) {
		t.Errorf("Apply() = %s, want unchanged %s", got, payload)
	}

	// The returned payload must be a copy, not an alias.
	got[2] = 'X'
	if string(payload) != `{"status":"running"}` {
		t.Error("Apply() aliased the input payload")
	}
}

// chain builds a gapless event sequence whose deltas step through the
// given payloads in order.
func chain(t *testing.T, payloads ...string) []Event {
	t.Helper()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	events := make([]Event, 0, len(payloads))
	prev := json.RawMessage(nil)
	for i, p := range payloads {
		next := json.RawMessage(p)
		delta, err := Diff(prev, next)
		if err != nil {
			t.Fatalf("Diff() error = %v", err)
		}
		typ := EventUpdated
		if i == 0 {
			typ = EventCreated
		}
		events = append(events, Event{
			EntityType:  TypeTask,
			EntityID:    "T1",
			Version:     int64(i + 1),
			Type:        typ,
			Delta:       delta,
			Actor:       "tester",
			CommittedAt: base.Add(time.Duration(i) * time.Minute),
		})
		prev = next
	}
	return events
}

func TestFold(t *testing.T) {
	events := chain(t,
		`{"status":"pending"}`,
		`{"status":"running","assigned_agent":"agent-7"}`,
		`{"status":"cancelled"}`,
	)

	got, err := Fold(events)
	if err != nil {
		t.Fatalf("Fold() error = %v", err)
	}
	if !jsonEqual(t, got, json.RawMessage(`{"status":"cancelled"}`)) {
		t.Errorf("Fold() = %s, want cancelled payload", got)
	}

	// Every prefix reproduces the payload at that version.
	for i := range events {
		prefix, err := Fold(events[:i+1])
		if err != nil {
			t.Fatalf("Fold(prefix %d) error = %v", i+1, err)
		}
		wants := []string{
			`{"status":"pending"}`,
			`{"status":"running","assigned_agent":"agent-7"}`,
			`{"status":"cancelled"}`,
		}
		if !jsonEqual(t, prefix, json.RawMessage(wants[i])) {
			t.Errorf("Fold(prefix %d) = %s, want %s", i+1, prefix, wants[i])
		}
	}
}

func TestFold_Empty(t *testing.T) {
	got, err := Fold(nil)
	if err != nil {
		t.Fatalf("Fold(nil) error = %v", err)
	}
	if got != nil {
		t.Errorf("Fold(nil) = %s, want nil", got)
	}
}

func TestFold_BadSequences(t *testing.T) {
	events := chain(t, `{"a":1}`, `{"a":2}`, `{"a":3}`)

	tests := []struct {
		name   string
		events []Event
	}{
		{"starts past version 1", events[1:]},
		{"gap in versions", []Event{events[0], events[2]}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Fold(tt.events); err == nil {
				t.Error("Fold() error = nil, want sequence error")
			}
		})
	}
}

func TestFoldAt(t *testing.T) {
	events := chain(t,
		`{"status":"pending"}`,
		`{"status":"running"}`,
		`{"status":"done"}`,
	)
	base := events[0].CommittedAt

	tests := []struct {
		name        string
		at          time.Time
		wantFound   bool
		wantVersion int64
		wantPayload string
	}{
		{
			name:      "before first commit",
			at:        base.Add(-time.Second),
			wantFound: false,
		},
		{
			name:        "exactly at second commit",
			at:          base.Add(time.Minute),
			wantFound:   true,
			wantVersion: 2,
			wantPayload: `{"status":"running"}`,
		},
		{
			name:        "between second and third",
			at:          base.Add(90 * time.Second),
			wantFound:   true,
			wantVersion: 2,
			wantPayload: `{"status":"running"}`,
		},
		{
			name:        "after last commit",
			at:          base.Add(time.Hour),
			wantFound:   true,
			wantVersion: 3,
			wantPayload: `{"status":"done"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, found, err := FoldAt(events, tt.at)
			if err != nil {
				t.Fatalf("FoldAt() error = %v", err)
			}
			if found != tt.wantFound {
				t.Fatalf("FoldAt() found = %v, want %v", found, tt.wantFound)
			}
			if !found {
				return
			}
			if snap.Version != tt.wantVersion {
				t.Errorf("FoldAt() version = %d, want %d", snap.Version, tt.wantVersion)
			}
			if !jsonEqual(t, snap.Payload, json.RawMessage(tt.wantPayload)) {
				t.Errorf("FoldAt() payload = %s, want %s", snap.Payload, tt.wantPayload)
			}
		})
	}
}
