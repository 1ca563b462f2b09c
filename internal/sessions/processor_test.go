package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/events"
	"github.com/MikeSquared-Agency/espadas/internal/testutil"
)

func event(sessionID, eventType, meta string, ts time.Time) events.Event {
	return events.Event{
		EventID:   "e-" + eventType,
		SessionID: sessionID,
		Source:    "call",
		EventType: eventType,
		Timestamp: ts,
		Metadata:  json.RawMessage(meta),
	}
}

func TestProcess_Lifecycle(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)
	ctx := context.Background()

	start := time.Now().UTC()
	p.Process(ctx, event("s1", events.TypeSessionConnecting, `{"user_id":"u1"}`, start.Add(-time.Second)))
	p.Process(ctx, event("s1", events.TypeSessionActive, `{"user_id":"u1","call_id":"call-1"}`, start))
	p.Process(ctx, event("s1", events.TypeTurnAppended, `{"role":"user"}`, start.Add(time.Second)))
	p.Process(ctx, event("s1", events.TypeTurnAppended, `{"role":"assistant"}`, start.Add(2*time.Second)))
	p.Process(ctx, event("s1", events.TypeQuestionPublished, `{"title":"Reverse a linked list"}`, start.Add(3*time.Second)))
	p.Process(ctx, event("s1", events.TypeSessionFinished, `{"turns":2}`, start.Add(90*time.Second)))

	sess, err := ms.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("session not found: %v", err)
	}
	if sess["status"] != "finished" {
		t.Errorf("expected status finished, got %v", sess["status"])
	}
	if sess["user_id"] != "u1" || sess["call_id"] != "call-1" {
		t.Errorf("unexpected identity %v", sess)
	}
	if sess["turn_count"] != 2 {
		t.Errorf("expected 2 turns, got %v", sess["turn_count"])
	}
	if sess["question_title"] != "Reverse a linked list" {
		t.Errorf("unexpected question title %v", sess["question_title"])
	}
	if sess["duration_ms"] != int64(90000) {
		t.Errorf("expected duration 90000ms, got %v", sess["duration_ms"])
	}
	if sess["event_count"] != 6 {
		t.Errorf("expected 6 events, got %v", sess["event_count"])
	}
}

func TestProcess_StartFailed(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	p.Process(context.Background(), event("s2", events.TypeSessionStartFailed, `{"error":"bridge rejected request"}`, time.Now()))

	sess, _ := ms.GetSession(context.Background(), "s2")
	if sess["status"] != "failed" || sess["error"] != "bridge rejected request" {
		t.Errorf("unexpected session %v", sess)
	}
}

func TestProcess_ReconcileStates(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{events.TypeSessionUnreconcilable, "unreconcilable"},
		{events.TypeCallSaved, "saved"},
		{events.TypeCallSaveFailed, "save_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			ms := testutil.NewMockStore()
			NewProcessor(ms).Process(context.Background(), event("s3", tt.eventType, `{}`, time.Now()))
			sess, _ := ms.GetSession(context.Background(), "s3")
			if sess["reconcile_state"] != tt.want {
				t.Errorf("expected %s, got %v", tt.want, sess["reconcile_state"])
			}
		})
	}
}

func TestProcess_FinishedWithoutStart(t *testing.T) {
	ms := testutil.NewMockStore()
	p := NewProcessor(ms)

	p.Process(context.Background(), event("s4", events.TypeSessionFinished, `{}`, time.Now()))

	sess, _ := ms.GetSession(context.Background(), "s4")
	if _, ok := sess["duration_ms"]; ok {
		t.Error("expected no duration without started_at")
	}
}

func TestProcess_SkipsEventsWithoutSession(t *testing.T) {
	ms := testutil.NewMockStore()
	NewProcessor(ms).Process(context.Background(), event("", events.TypeSessionActive, `{}`, time.Now()))
	if ms.UpsertSessionCalls != 0 {
		t.Errorf("expected no upsert, got %d", ms.UpsertSessionCalls)
	}
}

func TestProcess_StoreErrorIsAbsorbed(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.UpsertSessionErr = errors.New("db down")
	NewProcessor(ms).Process(context.Background(), event("s5", events.TypeSessionActive, `{}`, time.Now()))
	if ms.UpsertSessionCalls != 1 {
		t.Errorf("expected one upsert attempt, got %d", ms.UpsertSessionCalls)
	}
}
