package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/callstore"
)

type fakeFetcher struct {
	call *callstore.RawCall
	err  error
	ids  []string
}

func (f *fakeFetcher) GetCall(_ context.Context, id string) (*callstore.RawCall, error) {
	f.ids = append(f.ids, id)
	return f.call, f.err
}

func ptr[T any](v T) *T { return &v }

func TestReconcile_MissingCallID(t *testing.T) {
	f := &fakeFetcher{}
	_, err := New(f).Reconcile(context.Background(), "  ")
	if !errors.Is(err, ErrMissingCallID) {
		t.Fatalf("expected ErrMissingCallID, got %v", err)
	}
	if len(f.ids) != 0 {
		t.Error("expected no fetch for a missing id")
	}
}

func TestReconcile_NotFound(t *testing.T) {
	f := &fakeFetcher{err: callstore.ErrNotFound}
	_, err := New(f).Reconcile(context.Background(), "call-1")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	f.err = errors.New("connection reset")
	_, err = New(f).Reconcile(context.Background(), "call-1")
	if err == nil || errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected a transient error, got %v", err)
	}
}

func TestNormalize_RecordingPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		raw        callstore.RawCall
		wantPrim   string
		wantStereo string
	}{
		{
			name: "top level beats mono",
			raw: callstore.RawCall{
				RecordingURL: "https://rec/top.wav",
				Artifact: &callstore.Artifact{Recording: &callstore.Recording{
					Mono: &callstore.MonoRecording{CombinedURL: "https://rec/mono.wav"},
				}},
			},
			wantPrim: "https://rec/top.wav",
		},
		{
			name: "artifact first",
			raw: callstore.RawCall{
				RecordingURL:       "https://rec/top.wav",
				StereoRecordingURL: "https://rec/top-stereo.wav",
				Artifact: &callstore.Artifact{
					RecordingURL: "https://rec/artifact.wav",
					Recording:    &callstore.Recording{StereoURL: "https://rec/nested-stereo.wav"},
				},
			},
			wantPrim:   "https://rec/artifact.wav",
			wantStereo: "https://rec/nested-stereo.wav",
		},
		{
			name: "mono only",
			raw: callstore.RawCall{Artifact: &callstore.Artifact{Recording: &callstore.Recording{
				Mono: &callstore.MonoRecording{CombinedURL: "https://rec/mono.wav"},
			}}},
			wantPrim: "https://rec/mono.wav",
		},
		{name: "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Normalize(&tt.raw)
			if rec.RecordingURL != tt.wantPrim || rec.StereoRecordingURL != tt.wantStereo {
				t.Errorf("got (%q, %q), want (%q, %q)", rec.RecordingURL, rec.StereoRecordingURL, tt.wantPrim, tt.wantStereo)
			}
		})
	}
}

func TestNormalize_Messages(t *testing.T) {
	raw := &callstore.RawCall{
		ID: "call-1",
		Messages: []callstore.RawMessage{
			{Role: "system", Message: "You are an interviewer"},
			{Role: "bot", Message: "Tell me about arrays", SecondsFromStart: 2},
			{Role: "user", Message: "They are contiguous", SecondsFromStart: 5},
			{Role: "user", Message: "   "},
		},
		Artifact: &callstore.Artifact{Messages: []callstore.RawMessage{{Role: "user", Message: "ignored"}}},
	}
	rec := Normalize(raw)
	if len(rec.Messages) != 2 || rec.MessageCount != 2 {
		t.Fatalf("expected 2 displayable messages, got %+v", rec.Messages)
	}
	if rec.Messages[0].Role != "assistant" || rec.Messages[0].Text != "Tell me about arrays" {
		t.Errorf("unexpected first message %+v", rec.Messages[0])
	}
	if len(rec.RawMessages) != 4 || rec.RawMessages[0].Role != "system" {
		t.Errorf("expected raw messages to keep system entries, got %+v", rec.RawMessages)
	}

	// Empty top-level list falls back to artifact messages.
	raw.Messages = nil
	rec = Normalize(raw)
	if len(rec.Messages) != 1 || rec.Messages[0].Text != "ignored" {
		t.Errorf("expected artifact messages, got %+v", rec.Messages)
	}
}

func TestNormalize_CostPassthrough(t *testing.T) {
	raw := &callstore.RawCall{
		Cost:          ptr(0.51),
		CostBreakdown: &callstore.CostBreakdown{LLM: ptr(0.2), STT: ptr(0.1), Vapi: ptr(0.05), Total: ptr(0.5)},
	}
	c := Normalize(raw).Cost
	if c.LLM != 0.2 || c.STT != 0.1 || c.TTS != 0 || c.Platform != 0.05 {
		t.Errorf("unexpected components %+v", c)
	}
	if c.Total != 0.51 {
		t.Errorf("expected provider total 0.51, got %v", c.Total)
	}

	raw.Cost = nil
	if got := Normalize(raw).Cost.Total; got != 0.5 {
		t.Errorf("expected breakdown total 0.5, got %v", got)
	}
}

func TestNormalize_Duration(t *testing.T) {
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	rec := Normalize(&callstore.RawCall{StartedAt: &start, EndedAt: &end})
	if rec.Duration.InProgress || rec.Duration.Minutes != 1.5 {
		t.Errorf("expected 1.5 minutes, got %+v", rec.Duration)
	}
	if rec.Duration.RoundedMinutes(30) != 2 {
		t.Errorf("expected rounding to 2, got %d", rec.Duration.RoundedMinutes(30))
	}

	rec = Normalize(&callstore.RawCall{StartedAt: &start})
	if !rec.Duration.InProgress {
		t.Fatal("expected in-progress duration")
	}
	if rec.Duration.RoundedMinutes(30) != 30 {
		t.Error("expected default minutes for in-progress call")
	}
	b, err := json.Marshal(rec.Duration)
	if err != nil || string(b) != `"in progress"` {
		t.Errorf("unexpected JSON %s %v", b, err)
	}

	var d Duration
	if err := json.Unmarshal([]byte(`"in progress"`), &d); err != nil || !d.InProgress {
		t.Errorf("sentinel did not round trip: %+v %v", d, err)
	}
}
