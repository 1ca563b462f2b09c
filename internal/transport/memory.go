package transport

import (
	"context"
	"sync"

	"github.com/MikeSquared-Agency/espadas/internal/call"
)

// Memory is an in-process call.Transport. Events are injected with Emit.
// It backs tests and local runs without a bridge.
type Memory struct {
	mu       sync.Mutex
	handlers map[call.EventKind]map[int]func(call.Event)
	next     int

	// CallID is returned from Start and from ProbeCallID.
	CallID   string
	StartErr error
	SendErr  error

	starts int
	stops  int
	vars   map[string]string
	sent   []call.Envelope
}

var _ call.Transport = (*Memory)(nil)

func NewMemory(callID string) *Memory {
	return &Memory{CallID: callID, handlers: make(map[call.EventKind]map[int]func(call.Event))}
}

func (m *Memory) Start(_ context.Context, _ string, vars map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	m.vars = vars
	if m.StartErr != nil {
		return "", m.StartErr
	}
	return m.CallID, nil
}

func (m *Memory) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *Memory) Send(_ context.Context, env call.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *Memory) ProbeCallID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallID, nil
}

func (m *Memory) Subscribe(kind call.EventKind, fn func(call.Event)) (call.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers[kind] == nil {
		m.handlers[kind] = make(map[int]func(call.Event))
	}
	m.next++
	m.handlers[kind][m.next] = fn
	return &memorySub{m: m, kind: kind, id: m.next}, nil
}

// Emit delivers ev to the current subscribers of its kind.
func (m *Memory) Emit(ev call.Event) {
	m.mu.Lock()
	fns := make([]func(call.Event), 0, len(m.handlers[ev.Kind]))
	for _, fn := range m.handlers[ev.Kind] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, hs := range m.handlers {
		n += len(hs)
	}
	return n
}

// Starts returns how many times Start was called and the last variables.
func (m *Memory) Starts() (int, map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.vars
}

// Stops returns how many times Stop was called.
func (m *Memory) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Sent returns the envelopes sent so far.
func (m *Memory) Sent() []call.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call.Envelope(nil), m.sent...)
}

type memorySub struct {
	m    *Memory
	kind call.EventKind
	id   int
}

func (s *memorySub) Unsubscribe() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.handlers[s.kind], s.id)
	return nil
}
