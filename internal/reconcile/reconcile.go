// Package reconcile turns the provider's heterogeneous call payloads into a
// normalized call record.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/callstore"
)

var (
	// ErrMissingCallID is returned when reconciliation is requested without an id.
	ErrMissingCallID = errors.New("missing call id")
	// ErrRecordNotFound is returned when the provider has no record yet.
	// Artifacts may still be written, so callers may re-poll.
	ErrRecordNotFound = errors.New("call record not found")
)

// InProgress is the JSON form of an unterminated call's duration.
const InProgress = "in progress"

// Message is one flattened, displayable call message.
type Message struct {
	Role             string  `json:"role"`
	Text             string  `json:"text"`
	SecondsFromStart float64 `json:"seconds_from_start,omitempty"`
}

// Cost is the provider's cost breakdown. Missing components are zero;
// Total is the provider's reported total and is never re-derived.
type Cost struct {
	LLM      float64 `json:"llm"`
	STT      float64 `json:"stt"`
	TTS      float64 `json:"tts"`
	Platform float64 `json:"platform"`
	Total    float64 `json:"total"`
}

// Duration is a call length in minutes, or in progress when the call has
// not ended.
type Duration struct {
	Minutes    float64
	InProgress bool
}

// MarshalJSON encodes an in-progress duration as the InProgress sentinel.
func (d Duration) MarshalJSON() ([]byte, error) {
	if d.InProgress {
		return json.Marshal(InProgress)
	}
	return json.Marshal(d.Minutes)
}

// UnmarshalJSON accepts either a number of minutes or the sentinel.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != InProgress {
			return fmt.Errorf("unexpected duration %q", s)
		}
		*d = Duration{InProgress: true}
		return nil
	}
	var m float64
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	*d = Duration{Minutes: m}
	return nil
}

// RoundedMinutes returns the duration rounded to whole minutes, or def when
// the call is still in progress.
func (d Duration) RoundedMinutes(def int) int {
	if d.InProgress {
		return def
	}
	return int(math.Round(d.Minutes))
}

// Record is a normalized call record. It is rebuilt on every fetch.
type Record struct {
	CallID             string                 `json:"call_id"`
	Status             string                 `json:"status"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	EndedAt            *time.Time             `json:"ended_at,omitempty"`
	EndedReason        string                 `json:"ended_reason,omitempty"`
	Messages           []Message              `json:"messages"`
	RawMessages        []callstore.RawMessage `json:"raw_messages,omitempty"`
	RecordingURL       string                 `json:"recording_url,omitempty"`
	StereoRecordingURL string                 `json:"stereo_recording_url,omitempty"`
	Cost               Cost                   `json:"cost"`
	Duration           Duration               `json:"duration"`
	MessageCount       int                    `json:"message_count"`
	Summary            string                 `json:"summary,omitempty"`
}

// CallFetcher fetches raw call payloads.
type CallFetcher interface {
	GetCall(ctx context.Context, callID string) (*callstore.RawCall, error)
}

// Reconciler fetches and normalizes call records.
type Reconciler struct {
	fetcher CallFetcher
}

// New returns a reconciler over f.
func New(f CallFetcher) *Reconciler {
	return &Reconciler{fetcher: f}
}

// Reconcile fetches callID and normalizes it. Not-found maps to
// ErrRecordNotFound; other fetch failures are returned wrapped.
func (r *Reconciler) Reconcile(ctx context.Context, callID string) (*Record, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, ErrMissingCallID
	}
	raw, err := r.fetcher.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, callstore.ErrNotFound) {
			return nil, fmt.Errorf("reconcile %s: %w", callID, ErrRecordNotFound)
		}
		return nil, fmt.Errorf("reconcile %s: %w", callID, err)
	}
	rec := Normalize(raw)
	if rec.CallID == "" {
		rec.CallID = callID
	}
	return rec, nil
}

// Normalize builds a Record from a raw payload.
func Normalize(raw *callstore.RawCall) *Record {
	rec := &Record{
		CallID:      raw.ID,
		Status:      raw.Status,
		StartedAt:   raw.StartedAt,
		EndedAt:     raw.EndedAt,
		EndedReason: raw.EndedReason,
		Summary:     raw.Summary,
	}
	if rec.Summary == "" && raw.Analysis != nil {
		rec.Summary = raw.Analysis.Summary
	}

	rec.RawMessages = rawMessages(raw)
	rec.Messages = make([]Message, 0, len(rec.RawMessages))
	for _, m := range rec.RawMessages {
		role := normalizeRole(m.Role)
		if role == "system" {
			continue
		}
		text := messageText(m)
		if text == "" {
			continue
		}
		rec.Messages = append(rec.Messages, Message{Role: role, Text: text, SecondsFromStart: m.SecondsFromStart})
	}
	rec.MessageCount = len(rec.Messages)

	rec.RecordingURL, rec.StereoRecordingURL = recordingURLs(raw)
	rec.Cost = cost(raw)
	rec.Duration = duration(raw.StartedAt, raw.EndedAt)
	return rec
}

func rawMessages(raw *callstore.RawCall) []callstore.RawMessage {
	if len(raw.Messages) > 0 {
		return raw.Messages
	}
	if raw.Artifact != nil {
		return raw.Artifact.Messages
	}
	return nil
}

func messageText(m callstore.RawMessage) string {
	for _, s := range []string{m.Message, m.Content, m.Transcript} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func normalizeRole(r string) string {
	switch strings.ToLower(r) {
	case "bot", "assistant":
		return "assistant"
	case "customer", "user":
		return "user"
	}
	return strings.ToLower(r)
}

// recordingURLs resolves the primary and stereo recording URLs. The first
// non-empty candidate wins.
func recordingURLs(raw *callstore.RawCall) (primary, stereo string) {
	var art callstore.Artifact
	if raw.Artifact != nil {
		art = *raw.Artifact
	}
	var rec callstore.Recording
	if art.Recording != nil {
		rec = *art.Recording
	}
	var mono callstore.MonoRecording
	if rec.Mono != nil {
		mono = *rec.Mono
	}
	primary = firstNonEmpty(art.RecordingURL, raw.RecordingURL, mono.CombinedURL)
	stereo = firstNonEmpty(art.StereoRecordingURL, rec.StereoURL, raw.StereoRecordingURL)
	return primary, stereo
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func cost(raw *callstore.RawCall) Cost {
	var c Cost
	if b := raw.CostBreakdown; b != nil {
		c.LLM = deref(b.LLM)
		c.STT = deref(b.STT)
		c.TTS = deref(b.TTS)
		c.Platform = deref(b.Vapi)
		c.Total = deref(b.Total)
	}
	if raw.Cost != nil {
		c.Total = *raw.Cost
	}
	return c
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func duration(start, end *time.Time) Duration {
	if start == nil || end == nil {
		return Duration{InProgress: true}
	}
	return Duration{Minutes: end.Sub(*start).Minutes()}
}
