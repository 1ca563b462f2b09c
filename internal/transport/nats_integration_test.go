package transport

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MikeSquared-Agency/espadas/internal/call"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_SessionRoundTrip(t *testing.T) {
	natsURL := skipWithoutNATS(t)

	conn, err := Connect(natsURL, 2*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	// A minimal bridge answering start and probe requests.
	bridge, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("bridge connect: %v", err)
	}
	defer bridge.Close()

	var gotStart startRequest
	if _, err := bridge.Subscribe(SubjectStart, func(m *nats.Msg) {
		_ = json.Unmarshal(m.Data, &gotStart)
		_ = m.Respond([]byte(`{"call_id":""}`))
	}); err != nil {
		t.Fatal(err)
	}
	sess := conn.ForSession("it-session")
	if _, err := bridge.Subscribe(sess.subject("probe"), func(m *nats.Msg) {
		_ = m.Respond([]byte(`{"call_id":"call-it"}`))
	}); err != nil {
		t.Fatal(err)
	}
	injected := make(chan call.Envelope, 1)
	if _, err := bridge.Subscribe(sess.subject("inject"), func(m *nats.Msg) {
		var env call.Envelope
		_ = json.Unmarshal(m.Data, &env)
		injected <- env
	}); err != nil {
		t.Fatal(err)
	}
	_ = bridge.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := sess.Start(ctx, "asst-1", map[string]string{"username": "Ada"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "" {
		t.Errorf("expected no synchronous call id, got %q", id)
	}
	if gotStart.SessionID != "it-session" || gotStart.Variables["username"] != "Ada" {
		t.Errorf("unexpected start request %+v", gotStart)
	}

	probed, err := sess.ProbeCallID(ctx)
	if err != nil || probed != "call-it" {
		t.Fatalf("probe: %q %v", probed, err)
	}

	got := make(chan call.Event, 1)
	sub, err := sess.Subscribe(call.EventUtterance, func(ev call.Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	_ = conn.nc.Flush()

	if err := bridge.Publish(sess.subject("utterance"), []byte(`{"role":"user","transcript":"hello there friend","transcriptType":"final"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-got:
		if ev.Role != call.User || !ev.Final || ev.Text != "hello there friend" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for utterance")
	}

	if err := sess.Send(ctx, call.AddMessage("user", "hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case env := <-injected:
		if env.Type != "add-message" || env.Message.Content != "hi" {
			t.Errorf("unexpected envelope %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for injected envelope")
	}
}
