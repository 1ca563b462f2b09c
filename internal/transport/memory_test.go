package transport

import (
	"context"
	"testing"

	"github.com/MikeSquared-Agency/espadas/internal/call"
)

func TestMemory_SubscribeEmitUnsubscribe(t *testing.T) {
	m := NewMemory("call-1")
	var got []call.Event
	sub, err := m.Subscribe(call.EventUtterance, func(ev call.Event) { got = append(got, ev) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m.Emit(call.Event{Kind: call.EventUtterance, Text: "hello"})
	m.Emit(call.Event{Kind: call.EventStarted})
	if len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("expected one utterance, got %+v", got)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	m.Emit(call.Event{Kind: call.EventUtterance, Text: "again"})
	if len(got) != 1 || m.Subscribers() != 0 {
		t.Errorf("expected no delivery after unsubscribe, got %d events, %d subs", len(got), m.Subscribers())
	}
}

func TestMemory_StartRecordsVariables(t *testing.T) {
	m := NewMemory("call-9")
	id, err := m.Start(context.Background(), "asst", map[string]string{"username": "Ada"})
	if err != nil || id != "call-9" {
		t.Fatalf("unexpected start result %q %v", id, err)
	}
	n, vars := m.Starts()
	if n != 1 || vars["username"] != "Ada" {
		t.Errorf("unexpected starts %d %v", n, vars)
	}
	if probe, _ := m.ProbeCallID(context.Background()); probe != "call-9" {
		t.Errorf("expected probe to return call id, got %q", probe)
	}
}
