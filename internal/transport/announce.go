package transport

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/MikeSquared-Agency/espadas/internal/events"
)

// publisher is the subset of jetstream.JetStream the announcer needs.
type publisher interface {
	PublishAsync(subject string, payload []byte, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error)
}

// Announcer publishes session lifecycle events into the interview stream so
// other services can follow sessions. It satisfies call.Recorder.
type Announcer struct {
	js publisher
}

// NewAnnouncer returns an announcer on js.
func NewAnnouncer(js jetstream.JetStream) *Announcer {
	return &Announcer{js: js}
}

// LifecycleSubject returns the stream subject for a lifecycle event, or ""
// when the event is not announced.
func LifecycleSubject(e events.Event) string {
	var state string
	switch {
	case strings.HasPrefix(e.EventType, "session."):
		state = strings.TrimPrefix(e.EventType, "session.")
	case e.EventType == events.TypeCallSaved, e.EventType == events.TypeCallSaveFailed:
		state = strings.ReplaceAll(e.EventType, ".", "_")
	default:
		return ""
	}
	if e.SessionID == "" {
		return ""
	}
	return "interview.session." + e.SessionID + "." + state
}

// Add announces e if it is a lifecycle event. Publishing is asynchronous and
// failures are only logged.
func (a *Announcer) Add(e events.Event) {
	subject := LifecycleSubject(e)
	if subject == "" {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("marshal lifecycle event", "event_id", e.EventID, "error", err)
		return
	}
	if _, err := a.js.PublishAsync(subject, data); err != nil {
		slog.Warn("announce lifecycle event", "subject", subject, "error", err)
	}
}
