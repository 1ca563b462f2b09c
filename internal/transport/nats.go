// Package transport bridges the call machine to the voice provider over NATS.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MikeSquared-Agency/espadas/internal/call"
)

// Subjects used on the voice bridge.
const (
	SubjectStart   = "voice.call.start"
	sessionPrefix  = "voice.session."
	StreamName     = "INTERVIEW_EVENTS"
	StreamSubjects = "interview.session.>"
)

// ErrRejected is returned when the bridge refuses a request.
var ErrRejected = errors.New("bridge rejected request")

// Conn is a NATS connection to the voice bridge.
type Conn struct {
	nc             *nats.Conn
	js             jetstream.JetStream
	requestTimeout time.Duration
}

// Connect dials NATS with unlimited reconnects.
func Connect(natsURL string, requestTimeout time.Duration) (*Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("espadas"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &Conn{nc: nc, js: js, requestTimeout: requestTimeout}, nil
}

// EnsureStream creates the interview event stream if it does not exist.
func (c *Conn) EnsureStream(ctx context.Context) error {
	if _, err := c.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{StreamSubjects},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	slog.Info("created stream", "name", StreamName, "subjects", StreamSubjects)
	return nil
}

// Publish sends a plain NATS message.
func (c *Conn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

// JetStream returns the JetStream context for announcers.
func (c *Conn) JetStream() jetstream.JetStream {
	return c.js
}

// Close drains the connection.
func (c *Conn) Close() {
	if err := c.nc.Drain(); err != nil {
		slog.Warn("NATS drain failed", "error", err)
	}
}

// ForSession returns a call.Transport scoped to one bridge session.
func (c *Conn) ForSession(id string) *Session {
	return &Session{conn: c, id: id}
}

// Session is a call.Transport bound to one bridge session id.
type Session struct {
	conn *Conn
	id   string
}

var _ call.Transport = (*Session)(nil)

type startRequest struct {
	SessionID   string            `json:"session_id"`
	AssistantID string            `json:"assistant_id"`
	Variables   map[string]string `json:"variables"`
}

type reply struct {
	CallID string `json:"call_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ID returns the bridge session id.
func (s *Session) ID() string { return s.id }

func (s *Session) subject(suffix string) string {
	return sessionPrefix + s.id + "." + suffix
}

// Start requests a new provider call.
func (s *Session) Start(ctx context.Context, assistantID string, vars map[string]string) (string, error) {
	r, err := s.request(ctx, SubjectStart, startRequest{SessionID: s.id, AssistantID: assistantID, Variables: vars})
	if err != nil {
		return "", fmt.Errorf("start call: %w", err)
	}
	return r.CallID, nil
}

// Stop requests graceful termination of the call.
func (s *Session) Stop(ctx context.Context) error {
	if _, err := s.request(ctx, s.subject("stop"), struct{}{}); err != nil {
		return fmt.Errorf("stop call: %w", err)
	}
	return nil
}

// Send publishes an envelope for injection into the conversation.
func (s *Session) Send(_ context.Context, env call.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := s.conn.nc.Publish(s.subject("inject"), data); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// ProbeCallID asks the bridge for the provider call id.
func (s *Session) ProbeCallID(ctx context.Context) (string, error) {
	r, err := s.request(ctx, s.subject("probe"), struct{}{})
	if err != nil {
		return "", fmt.Errorf("probe call id: %w", err)
	}
	return r.CallID, nil
}

// Subscribe registers fn for one event kind on this session.
func (s *Session) Subscribe(kind call.EventKind, fn func(call.Event)) (call.Subscription, error) {
	subject := s.subject(string(kind))
	sub, err := s.conn.nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := DecodeEvent(kind, msg.Data)
		if err != nil {
			slog.Warn("malformed bridge event, skipping", "subject", msg.Subject, "error", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &subscription{sub: sub}, nil
}

func (s *Session) request(ctx context.Context, subject string, payload any) (reply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return reply{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.conn.requestTimeout)
		defer cancel()
	}
	msg, err := s.conn.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return reply{}, fmt.Errorf("request %s: %w", subject, err)
	}
	var r reply
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			return reply{}, fmt.Errorf("decode reply: %w", err)
		}
	}
	if r.Error != "" {
		return reply{}, fmt.Errorf("%w: %s", ErrRejected, r.Error)
	}
	return r, nil
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// wireEvent is the bridge's event payload. Providers differ in naming, so
// several aliases are accepted.
type wireEvent struct {
	CallID         string `json:"call_id"`
	Role           string `json:"role"`
	Type           string `json:"type"`
	TranscriptType string `json:"transcriptType"`
	Final          *bool  `json:"final"`
	Transcript     string `json:"transcript"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"`
	Speaking       *bool  `json:"speaking"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	Error          string `json:"error"`
}

// DecodeEvent converts a bridge payload of the given kind into a call.Event.
// Empty payloads are valid for kinds that carry no data.
func DecodeEvent(kind call.EventKind, data []byte) (call.Event, error) {
	ev := call.Event{Kind: kind}
	if len(data) == 0 {
		return ev, nil
	}
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return ev, fmt.Errorf("decode %s event: %w", kind, err)
	}

	ev.CallID = w.CallID
	ev.TimestampMs = w.Timestamp
	switch kind {
	case call.EventUtterance:
		ev.Role = normalizeRole(w.Role)
		ev.Text = w.Transcript
		if ev.Text == "" {
			ev.Text = w.Text
		}
		if w.Final != nil {
			ev.Final = *w.Final
		} else {
			ev.Final = strings.EqualFold(w.TranscriptType, "final")
		}
	case call.EventSpeech:
		if w.Speaking != nil {
			ev.Speaking = *w.Speaking
		} else {
			ev.Speaking = w.Status == "started" || w.Type == "speech-start"
		}
	case call.EventError:
		ev.Message = w.Message
		if ev.Message == "" {
			ev.Message = w.Error
		}
	}
	return ev, nil
}

func normalizeRole(r string) call.Role {
	switch strings.ToLower(r) {
	case "user", "customer", "candidate":
		return call.User
	case "assistant", "bot", "agent", "interviewer":
		return call.Assistant
	}
	return call.Role(strings.ToLower(r))
}
