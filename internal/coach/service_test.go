package coach

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/affect"
	"github.com/MikeSquared-Agency/espadas/internal/call"
	"github.com/MikeSquared-Agency/espadas/internal/callstore"
	"github.com/MikeSquared-Agency/espadas/internal/events"
	"github.com/MikeSquared-Agency/espadas/internal/feedback"
	"github.com/MikeSquared-Agency/espadas/internal/reconcile"
	"github.com/MikeSquared-Agency/espadas/internal/store"
	"github.com/MikeSquared-Agency/espadas/internal/testutil"
	"github.com/MikeSquared-Agency/espadas/internal/transport"
)

const reportJSON = `{"overallScore":80,"communicationScore":75,"technicalScore":85,"problemSolvingScore":70,"confidenceScore":90,
"strengths":["clear"],"weaknesses":["pace"],"suggestions":["slow down"],"nextSteps":["practice"],"aiSummary":"good","personalizedPlan":["daily"]}`

type recordingNotifier struct {
	mu      sync.Mutex
	notices []call.Notice
}

func (n *recordingNotifier) PostNotice(_ context.Context, notice call.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, x := range n.notices {
		out = append(out, x.Kind)
	}
	return out
}

type eventLog struct {
	mu   sync.Mutex
	evts []events.Event
}

func (l *eventLog) Add(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evts = append(l.evts, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.evts {
		out = append(out, e.EventType)
	}
	return out
}

type harness struct {
	svc      *Service
	mem      *transport.Memory
	calls    *testutil.FakeCalls
	store    *testutil.MockStore
	gen      *testutil.StubGenerator
	notifier *recordingNotifier
	events   *eventLog

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mem:      transport.NewMemory("call-1"),
		calls:    testutil.NewFakeCalls(),
		store:    testutil.NewMockStore(),
		gen:      testutil.NewStubGenerator(reportJSON),
		notifier: &recordingNotifier{},
		events:   &eventLog{},
	}
	cfg := Config{
		Call: call.Config{
			AssistantID:   "asst-1",
			SettlingDelay: 10 * time.Millisecond,
			AutoIdleDelay: 10 * time.Millisecond,
			ProbeDelay:    10 * time.Millisecond,
			ProbeTimeout:  50 * time.Millisecond,
			SendTimeout:   50 * time.Millisecond,
		},
		SaveNotFoundRetries: 2,
		SaveRetryDelay:      time.Second,
		Retention:           time.Minute,
	}
	h.svc = New(Deps{
		Transports: func(string) call.Transport { return h.mem },
		Classifier: affect.NewLexicon(),
		Calls:      h.calls,
		Generator:  h.gen,
		Store:      h.store,
		Recorders:  []call.Recorder{h.events, nil},
		Notifier:   h.notifier,
	}, cfg)
	h.svc.SetSleep(func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return nil
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.svc.Close(ctx)
	})
	return h
}

func (h *harness) sleepCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sleeps)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func endedCall(id string) *callstore.RawCall {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(12 * time.Minute)
	return &callstore.RawCall{
		ID:        id,
		Status:    "ended",
		StartedAt: &start,
		EndedAt:   &end,
		Messages: []callstore.RawMessage{
			{Role: "assistant", Message: "Tell me about yourself.", SecondsFromStart: 1},
			{Role: "user", Message: "I build backend services.", SecondsFromStart: 4},
		},
	}
}

func (h *harness) runCall(t *testing.T) string {
	t.Helper()
	view, err := h.svc.RunInterviewSession(call.Participant{UserName: "Ada", UserID: "user-1"}, "")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if view.Status != call.Connecting {
		t.Fatalf("expected connecting, got %s", view.Status)
	}
	h.mem.Emit(call.Event{Kind: call.EventStarted})
	h.mem.Emit(call.Event{Kind: call.EventUtterance, Role: call.User, Final: true, Text: "I think arrays are great"})
	h.mem.Emit(call.Event{Kind: call.EventEnded})
	return view.SessionID
}

func TestRunInterviewSession_SavesCallLog(t *testing.T) {
	h := newHarness(t)
	h.calls.Put(endedCall("call-1"))
	h.calls.Pending["call-1"] = 1

	id := h.runCall(t)

	waitFor(t, "call log", func() bool { _, ok := h.store.CallLog("call-1"); return ok })
	log, _ := h.store.CallLog("call-1")
	if log.SessionID != id || log.UserID != "user-1" || log.UserName != "Ada" {
		t.Errorf("unexpected call log %+v", log)
	}
	if log.Record == nil {
		t.Error("expected reconciled record on call log")
	}
	if h.calls.Gets() != 2 || h.sleepCount() != 1 {
		t.Errorf("expected one re-poll, got %d fetches and %d sleeps", h.calls.Gets(), h.sleepCount())
	}

	waitFor(t, "saved notice", func() bool {
		v, err := h.svc.Session(id)
		return err == nil && len(v.Notices) == 1 && v.Notices[0].Kind == call.NoticeSaved
	})
	waitFor(t, "idle", func() bool {
		v, _ := h.svc.Session(id)
		return v.Status == call.Idle
	})
	v, _ := h.svc.Session(id)
	if len(v.Turns) != 1 || v.Turns[0].Affect == nil {
		t.Errorf("expected one classified turn, got %+v", v.Turns)
	}
}

func TestRunInterviewSession_RecordNeverWritten(t *testing.T) {
	h := newHarness(t)
	h.runCall(t)

	waitFor(t, "call log", func() bool { _, ok := h.store.CallLog("call-1"); return ok })
	log, _ := h.store.CallLog("call-1")
	if log.Record != nil {
		t.Errorf("expected call log without record, got %s", log.Record)
	}
	if h.calls.Gets() != 3 {
		t.Errorf("expected initial fetch plus 2 re-polls, got %d", h.calls.Gets())
	}
}

func TestRunInterviewSession_SaveFailureNotifies(t *testing.T) {
	h := newHarness(t)
	h.calls.Put(endedCall("call-1"))
	h.store.SaveCallLogErr = errors.New("db down")

	id := h.runCall(t)

	waitFor(t, "save_failed notice", func() bool {
		for _, k := range h.notifier.kinds() {
			if k == call.NoticeSaveFailed {
				return true
			}
		}
		return false
	})
	v, err := h.svc.Session(id)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(v.Notices) == 0 || v.Notices[0].Kind != call.NoticeSaveFailed {
		t.Errorf("expected save_failed notice on view, got %+v", v.Notices)
	}
	waitFor(t, "save failed event", func() bool {
		for _, typ := range h.events.types() {
			if typ == events.TypeCallSaveFailed {
				return true
			}
		}
		return false
	})
}

func TestRunInterviewSession_ContextPassedToStart(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.RunInterviewSession(call.Participant{UserName: "Ada", UserID: "user-1"}, "10 years of Go"); err != nil {
		t.Fatalf("run session: %v", err)
	}
	waitFor(t, "start", func() bool { n, _ := h.mem.Starts(); return n == 1 })
	_, vars := h.mem.Starts()
	if vars["resumeContent"] != "10 years of Go" || vars["username"] != "Ada" {
		t.Errorf("unexpected start variables %v", vars)
	}
}

func TestSessionOperations_UnknownSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Session("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := h.svc.Disconnect("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := h.svc.SubmitSolution("nope", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestOwners(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view, err := h.svc.RunInterviewSession(call.Participant{UserID: "user-1"}, "")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if owner, err := h.svc.SessionOwner(ctx, view.SessionID); err != nil || owner != "user-1" {
		t.Errorf("live session owner = %q, %v", owner, err)
	}

	h.store.SetSession("s-old", map[string]any{"user_id": "user-2"})
	if owner, err := h.svc.SessionOwner(ctx, "s-old"); err != nil || owner != "user-2" {
		t.Errorf("stored session owner = %q, %v", owner, err)
	}
	if _, err := h.svc.SessionOwner(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	h.store.SaveCallLog(ctx, store.CallLog{CallID: "call-9", UserID: "user-2"})
	if owner, err := h.svc.CallOwner(ctx, "call-9"); err != nil || owner != "user-2" {
		t.Errorf("call owner = %q, %v", owner, err)
	}
	if _, err := h.svc.CallOwner(ctx, "call-none"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected store.ErrNotFound, got %v", err)
	}
}

func TestListCalls_FiltersByUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.calls.Summaries = []callstore.Summary{{ID: "call-1"}, {ID: "call-2"}, {ID: "call-3"}}
	h.store.SaveCallLog(ctx, store.CallLog{CallID: "call-2", UserID: "user-1"})

	all, err := h.svc.ListCalls(ctx, "", 10)
	if err != nil || len(all) != 3 {
		t.Fatalf("unfiltered list = %+v, %v", all, err)
	}
	mine, err := h.svc.ListCalls(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "call-2" {
		t.Errorf("expected only call-2, got %+v", mine)
	}
}

func TestDisconnectWhileConnecting(t *testing.T) {
	h := newHarness(t)
	view, err := h.svc.RunInterviewSession(call.Participant{UserID: "user-1"}, "")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if err := h.svc.Disconnect(view.SessionID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitFor(t, "idle", func() bool {
		v, _ := h.svc.Session(view.SessionID)
		return v.Status == call.Idle
	})
	v, _ := h.svc.Session(view.SessionID)
	if len(v.Turns) != 0 {
		t.Errorf("expected no turns, got %d", len(v.Turns))
	}
	if h.calls.Gets() != 0 {
		t.Errorf("expected no reconciliation, got %d fetches", h.calls.Gets())
	}
}

func TestFetchFeedback(t *testing.T) {
	h := newHarness(t)
	h.calls.Put(endedCall("call-1"))

	report, err := h.svc.FetchFeedback(context.Background(), "call-1", "user-1")
	if err != nil {
		t.Fatalf("fetch feedback: %v", err)
	}
	if report.OverallScore != 80 || report.CompletionRate != feedback.CompletedRate || report.Duration != 12 {
		t.Errorf("unexpected report %+v", report)
	}
	if _, ok := h.store.Feedback["call-1"]; !ok {
		t.Error("expected report to be stored")
	}
}

func TestFetchFeedback_Errors(t *testing.T) {
	h := newHarness(t)
	empty := endedCall("call-empty")
	empty.Messages = nil
	h.calls.Put(empty)

	if _, err := h.svc.FetchFeedback(context.Background(), "  ", "u"); !errors.Is(err, reconcile.ErrMissingCallID) {
		t.Errorf("expected ErrMissingCallID, got %v", err)
	}
	if _, err := h.svc.FetchFeedback(context.Background(), "missing", "u"); !errors.Is(err, reconcile.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := h.svc.FetchFeedback(context.Background(), "call-empty", "u"); !errors.Is(err, feedback.ErrEmptyTranscript) {
		t.Errorf("expected ErrEmptyTranscript, got %v", err)
	}
	if h.gen.Calls() != 0 {
		t.Errorf("expected no generation calls, got %d", h.gen.Calls())
	}
}

func TestEvaluate(t *testing.T) {
	h := newHarness(t)
	h.calls.Put(endedCall("call-1"))
	h.gen.Responses = []string{`Here you go: {"overallRating":12,"aspects":[{"aspect":"Problem Solving","rating":7,"feedback":"ok"}],
"strengths":["a"],"areasForImprovement":["b"],"recommendation":"hire","confidenceLevel":0.8,"detailedFeedback":"fine"}`}

	ev, err := h.svc.Evaluate(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ev.OverallRating != 10 || ev.Recommendation != feedback.Hire {
		t.Errorf("unexpected evaluation %+v", ev)
	}
}
