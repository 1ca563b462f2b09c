package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
}

// New builds an event stamped with a fresh id and the current time.
// metadata is marshalled to JSON; nil or an unmarshallable value becomes {}.
func New(sessionID, source, eventType string, metadata map[string]any) Event {
	meta := json.RawMessage(`{}`)
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			meta = b
		} else {
			slog.Warn("event metadata not serialisable", "event_type", eventType, "error", err)
		}
	}
	return Event{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		Source:    source,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}
}

// Normalize fills in missing fields with sensible defaults.
// It never drops an event; the result is always usable.
func Normalize(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, err
	}

	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}

	if e.Timestamp.IsZero() {
		slog.Warn("event missing timestamp, using ingestion time", "event_id", e.EventID)
		e.Timestamp = time.Now().UTC()
	}

	if e.Metadata == nil {
		e.Metadata = json.RawMessage(`{}`)
	}

	return e, nil
}

// Session lifecycle and activity event types.
const (
	TypeSessionConnecting     = "session.connecting"
	TypeSessionActive         = "session.active"
	TypeSessionFinished       = "session.finished"
	TypeSessionIdle           = "session.idle"
	TypeSessionStartFailed    = "session.start_failed"
	TypeSessionUnreconcilable = "session.unreconcilable"

	TypeTurnAppended      = "turn.appended"
	TypeQuestionPublished = "question.published"
	TypeSolutionSubmitted = "solution.submitted"
	TypeContextAttached   = "context.attached"
	TypeTransportError    = "transport.error"

	TypeCallSaved      = "call.saved"
	TypeCallSaveFailed = "call.save_failed"
)

// IsTerminal reports whether the type ends a session's active life.
func IsTerminal(eventType string) bool {
	switch eventType {
	case TypeSessionFinished, TypeSessionStartFailed, TypeSessionUnreconcilable:
		return true
	}
	return false
}

// MetadataField extracts a string field from the metadata JSON.
func (e *Event) MetadataField(key string) string {
	var m map[string]any
	if err := json.Unmarshal(e.Metadata, &m); err != nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MetadataFloat extracts a numeric field from the metadata JSON.
func (e *Event) MetadataFloat(key string) (float64, bool) {
	m := e.MetadataMap()
	if m == nil {
		return 0, false
	}
	f, ok := m[key].(float64)
	return f, ok
}

// MetadataMap returns metadata as a generic map.
func (e *Event) MetadataMap() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(e.Metadata, &m); err != nil {
		return nil
	}
	return m
}
