package call

import "context"

// EventKind names a transport event stream.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventEnded     EventKind = "ended"
	EventUtterance EventKind = "utterance"
	EventSpeech    EventKind = "speech"
	EventError     EventKind = "error"
)

// EventKinds lists every kind the machine subscribes to.
var EventKinds = []EventKind{EventStarted, EventEnded, EventUtterance, EventSpeech, EventError}

// Event is one message from the transport. Which fields are set depends on
// Kind: utterances carry Role, Final, Text and optionally TimestampMs; speech
// boundaries carry Speaking; errors carry Message. Started may carry CallID.
type Event struct {
	Kind        EventKind `json:"kind"`
	CallID      string    `json:"call_id,omitempty"`
	Role        Role      `json:"role,omitempty"`
	Final       bool      `json:"final,omitempty"`
	Text        string    `json:"text,omitempty"`
	TimestampMs int64     `json:"timestamp_ms,omitempty"`
	Speaking    bool      `json:"speaking,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Envelope is an out-of-band message injected into the conversation.
type Envelope struct {
	Type    string          `json:"type"`
	Message EnvelopeMessage `json:"message"`
}

// EnvelopeMessage is the chat message carried by an Envelope.
type EnvelopeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AddMessage builds an add-message envelope.
func AddMessage(role, content string) Envelope {
	return Envelope{Type: "add-message", Message: EnvelopeMessage{Role: role, Content: content}}
}

// Subscription is a registered event handler. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the voice call provider as seen by the machine.
type Transport interface {
	// Start asks the provider to begin a call. The returned call id may be
	// empty when the provider does not report one synchronously.
	Start(ctx context.Context, assistantID string, vars map[string]string) (string, error)
	// Stop requests graceful termination. Errors after the call already
	// ended are harmless.
	Stop(ctx context.Context) error
	// Send injects an envelope into the live conversation, best-effort.
	Send(ctx context.Context, env Envelope) error
	// Subscribe registers fn for events of kind.
	Subscribe(kind EventKind, fn func(Event)) (Subscription, error)
	// ProbeCallID is the bounded fallback lookup of the provider call id.
	// An empty id with a nil error means the id is unknown.
	ProbeCallID(ctx context.Context) (string, error)
}
