// Package callstore fetches call records from the voice provider's REST API.
package callstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the provider has no record for a call id.
var ErrNotFound = errors.New("call not found")

// RawMessage is one message as the provider reports it. Providers fill
// different text fields depending on message type.
type RawMessage struct {
	Role             string  `json:"role"`
	Message          string  `json:"message,omitempty"`
	Content          string  `json:"content,omitempty"`
	Transcript       string  `json:"transcript,omitempty"`
	Type             string  `json:"type,omitempty"`
	TranscriptType   string  `json:"transcriptType,omitempty"`
	Time             float64 `json:"time,omitempty"`
	Timestamp        float64 `json:"timestamp,omitempty"`
	SecondsFromStart float64 `json:"secondsFromStart,omitempty"`
}

// MonoRecording holds the mono recording variants.
type MonoRecording struct {
	CombinedURL  string `json:"combinedUrl,omitempty"`
	AssistantURL string `json:"assistantUrl,omitempty"`
	CustomerURL  string `json:"customerUrl,omitempty"`
}

// Recording is the nested recording block of an artifact.
type Recording struct {
	StereoURL string         `json:"stereoUrl,omitempty"`
	Mono      *MonoRecording `json:"mono,omitempty"`
}

// Artifact holds post-call artifacts.
type Artifact struct {
	RecordingURL       string       `json:"recordingUrl,omitempty"`
	StereoRecordingURL string       `json:"stereoRecordingUrl,omitempty"`
	Recording          *Recording   `json:"recording,omitempty"`
	Messages           []RawMessage `json:"messages,omitempty"`
	Transcript         string       `json:"transcript,omitempty"`
}

// CostBreakdown is the provider's per-component cost. Missing components
// are nil.
type CostBreakdown struct {
	LLM   *float64 `json:"llm,omitempty"`
	STT   *float64 `json:"stt,omitempty"`
	TTS   *float64 `json:"tts,omitempty"`
	Vapi  *float64 `json:"vapi,omitempty"`
	Total *float64 `json:"total,omitempty"`
}

// Analysis is the provider's own post-call analysis.
type Analysis struct {
	Summary           string `json:"summary,omitempty"`
	SuccessEvaluation string `json:"successEvaluation,omitempty"`
}

// RawCall is a call record in the provider's shape.
type RawCall struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	AssistantID        string         `json:"assistantId,omitempty"`
	CreatedAt          *time.Time     `json:"createdAt,omitempty"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	EndedAt            *time.Time     `json:"endedAt,omitempty"`
	EndedReason        string         `json:"endedReason,omitempty"`
	Cost               *float64       `json:"cost,omitempty"`
	CostBreakdown      *CostBreakdown `json:"costBreakdown,omitempty"`
	Messages           []RawMessage   `json:"messages,omitempty"`
	Artifact           *Artifact      `json:"artifact,omitempty"`
	Transcript         string         `json:"transcript,omitempty"`
	RecordingURL       string         `json:"recordingUrl,omitempty"`
	StereoRecordingURL string         `json:"stereoRecordingUrl,omitempty"`
	Summary            string         `json:"summary,omitempty"`
	Analysis           *Analysis      `json:"analysis,omitempty"`
	WebCallURL         string         `json:"webCallUrl,omitempty"`
}

// Summary is a list entry for one call.
type Summary struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	AssistantID string     `json:"assistant_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndedReason string     `json:"ended_reason,omitempty"`
	Cost        *float64   `json:"cost,omitempty"`
}

// Client talks to the provider API with a bearer key.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient returns a client for baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// GetCall fetches one call. A 404 yields ErrNotFound.
func (c *Client) GetCall(ctx context.Context, callID string) (*RawCall, error) {
	var out RawCall
	if err := c.get(ctx, "/call/"+url.PathEscape(callID), &out); err != nil {
		return nil, fmt.Errorf("get call %s: %w", callID, err)
	}
	if out.ID == "" {
		out.ID = callID
	}
	return &out, nil
}

// ListCalls returns up to limit call summaries, most recent first. A
// non-positive limit uses the provider default.
func (c *Client) ListCalls(ctx context.Context, limit int) ([]Summary, error) {
	path := "/call"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var raw []RawCall
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}

	sort.SliceStable(raw, func(i, j int) bool {
		return raw[i].sortTime().After(raw[j].sortTime())
	})
	if limit > 0 && len(raw) > limit {
		raw = raw[:limit]
	}

	out := make([]Summary, 0, len(raw))
	for _, r := range raw {
		out = append(out, Summary{
			ID:          r.ID,
			Status:      r.Status,
			AssistantID: r.AssistantID,
			StartedAt:   r.StartedAt,
			EndedAt:     r.EndedAt,
			EndedReason: r.EndedReason,
			Cost:        r.Cost,
		})
	}
	return out, nil
}

func (r RawCall) sortTime() time.Time {
	switch {
	case r.StartedAt != nil:
		return *r.StartedAt
	case r.CreatedAt != nil:
		return *r.CreatedAt
	}
	return time.Time{}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
