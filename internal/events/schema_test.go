package events

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	e := New("sess-1", "call", TypeTurnAppended, map[string]any{"role": "user", "stress": 0.4})

	if len(e.EventID) != 36 {
		t.Errorf("expected UUID event_id, got %s", e.EventID)
	}
	if e.SessionID != "sess-1" {
		t.Errorf("expected session_id sess-1, got %s", e.SessionID)
	}
	if e.EventType != TypeTurnAppended {
		t.Errorf("expected event_type %s, got %s", TypeTurnAppended, e.EventType)
	}
	if time.Since(e.Timestamp) > 5*time.Second {
		t.Errorf("timestamp too far from now: %v", e.Timestamp)
	}
	if got := e.MetadataField("role"); got != "user" {
		t.Errorf("expected role user, got %q", got)
	}
	if f, ok := e.MetadataFloat("stress"); !ok || f != 0.4 {
		t.Errorf("expected stress 0.4, got %v %v", f, ok)
	}
}

func TestNew_NilAndBadMetadata(t *testing.T) {
	if e := New("s", "call", TypeSessionIdle, nil); string(e.Metadata) != "{}" {
		t.Errorf("expected {}, got %s", e.Metadata)
	}
	if e := New("s", "call", TypeSessionIdle, map[string]any{"bad": math.NaN()}); string(e.Metadata) != "{}" {
		t.Errorf("expected {} for unserialisable metadata, got %s", e.Metadata)
	}
}

func TestNormalize_ValidEvent(t *testing.T) {
	ts := time.Date(2026, 2, 12, 14, 30, 0, 0, time.UTC)
	raw, _ := json.Marshal(map[string]any{
		"event_id":   "abc-123",
		"session_id": "sess-1",
		"source":     "call",
		"event_type": "session.active",
		"timestamp":  ts.Format(time.RFC3339),
		"metadata":   map[string]any{"call_id": "call-9"},
	})

	event, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if event.EventID != "abc-123" {
		t.Errorf("expected event_id abc-123, got %s", event.EventID)
	}
	if event.SessionID != "sess-1" {
		t.Errorf("expected session_id sess-1, got %s", event.SessionID)
	}
	if event.Source != "call" {
		t.Errorf("expected source call, got %s", event.Source)
	}
	if event.EventType != TypeSessionActive {
		t.Errorf("expected event_type session.active, got %s", event.EventType)
	}
	if !event.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, event.Timestamp)
	}
}

func TestNormalize_MissingEventID(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"session_id": "sess-1",
		"event_type": "session.active",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})

	event, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(event.EventID) != 36 {
		t.Errorf("expected UUID format, got %s", event.EventID)
	}
}

func TestNormalize_MissingTimestampAndMetadata(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"event_id":   "abc-123",
		"session_id": "sess-1",
		"event_type": "session.idle",
	})

	event, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(event.Timestamp) > 5*time.Second {
		t.Errorf("generated timestamp too far from now: %v", event.Timestamp)
	}
	if string(event.Metadata) != "{}" {
		t.Errorf("expected empty JSON object, got %s", string(event.Metadata))
	}
}

func TestNormalize_InvalidJSON(t *testing.T) {
	if _, err := Normalize([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, typ := range []string{TypeSessionFinished, TypeSessionStartFailed, TypeSessionUnreconcilable} {
		if !IsTerminal(typ) {
			t.Errorf("expected %s to be terminal", typ)
		}
	}
	for _, typ := range []string{TypeSessionActive, TypeTurnAppended, TypeSessionIdle} {
		if IsTerminal(typ) {
			t.Errorf("expected %s not to be terminal", typ)
		}
	}
}

func TestMetadataField(t *testing.T) {
	e := Event{Metadata: json.RawMessage(`{"user_id":"u1","turns":3}`)}

	if got := e.MetadataField("user_id"); got != "u1" {
		t.Errorf("expected u1, got %q", got)
	}
	if got := e.MetadataField("missing"); got != "" {
		t.Errorf("expected empty string for missing key, got %q", got)
	}
	if got := e.MetadataField("turns"); got != "" {
		t.Errorf("expected empty string for non-string field, got %q", got)
	}
}

func TestMetadata_InvalidJSON(t *testing.T) {
	e := Event{Metadata: json.RawMessage(`not json`)}

	if m := e.MetadataMap(); m != nil {
		t.Error("expected nil for invalid JSON metadata")
	}
	if got := e.MetadataField("anything"); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if _, ok := e.MetadataFloat("anything"); ok {
		t.Error("expected no float from invalid metadata")
	}
}
