// Package feedback generates interview feedback reports and evaluations
// from normalized call records.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/genai"
	"github.com/MikeSquared-Agency/espadas/internal/reconcile"
)

var (
	// ErrEmptyTranscript is returned before any generation call when the
	// call has no usable conversation.
	ErrEmptyTranscript = errors.New("no conversation transcript available for analysis")
	// ErrNoJSON is returned when the generator output has no JSON object.
	ErrNoJSON = errors.New("generator response contains no JSON object")
)

// Retry policy for rate-limited generation.
const (
	MaxRetries   = 3
	InitialDelay = 2 * time.Second
)

// Completion rates reported for ended and unfinished calls.
const (
	CompletedRate = 100
	PartialRate   = 75
)

// DefaultDurationMinutes is reported for calls still in progress.
const DefaultDurationMinutes = 30

// Generator produces free-form text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Report is a generated performance report plus locally computed fields.
type Report struct {
	ID            string    `json:"id"`
	CallID        string    `json:"callId"`
	InterviewID   string    `json:"interviewId"`
	InterviewType string    `json:"interviewType"`
	CreatedAt     time.Time `json:"createdAt"`

	OverallScore        float64  `json:"overallScore"`
	CommunicationScore  float64  `json:"communicationScore"`
	TechnicalScore      float64  `json:"technicalScore"`
	ProblemSolvingScore float64  `json:"problemSolvingScore"`
	ConfidenceScore     float64  `json:"confidenceScore"`
	Strengths           []string `json:"strengths"`
	Weaknesses          []string `json:"weaknesses"`
	Suggestions         []string `json:"suggestions"`
	NextSteps           []string `json:"nextSteps"`
	AISummary           string   `json:"aiSummary"`
	PersonalizedPlan    []string `json:"personalizedPlan"`

	ResponseTime   float64 `json:"responseTime"`
	CompletionRate int     `json:"completionRate"`
	Duration       int     `json:"duration"`
}

// Requester turns call records into reports.
type Requester struct {
	gen   Generator
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New returns a requester over gen.
func New(gen Generator) *Requester {
	return &Requester{gen: gen, sleep: sleepCtx, now: time.Now}
}

// SetSleep replaces the backoff sleep, for tests.
func (r *Requester) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RequestFeedback generates a report for rec.
func (r *Requester) RequestFeedback(ctx context.Context, rec *reconcile.Record) (*Report, error) {
	if rec == nil {
		return nil, ErrEmptyTranscript
	}
	transcript := BuildTranscript(rec.RawMessages)
	if strings.TrimSpace(transcript) == "" {
		return nil, ErrEmptyTranscript
	}

	text, err := r.generate(ctx, fmt.Sprintf(feedbackPrompt, transcript))
	if err != nil {
		return nil, fmt.Errorf("request feedback for %s: %w", rec.CallID, err)
	}
	obj, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("request feedback for %s: %w", rec.CallID, err)
	}

	var rep Report
	if err := json.Unmarshal([]byte(obj), &rep); err != nil {
		return nil, fmt.Errorf("decode feedback for %s: %w", rec.CallID, err)
	}
	for _, s := range []*float64{&rep.OverallScore, &rep.CommunicationScore, &rep.TechnicalScore, &rep.ProblemSolvingScore, &rep.ConfidenceScore} {
		*s = clamp(*s, 0, 100)
	}

	rep.ID = "feedback_" + rec.CallID
	rep.CallID = rec.CallID
	rep.InterviewID = rec.CallID
	rep.InterviewType = "technical"
	rep.CreatedAt = r.now().UTC()
	rep.ResponseTime = ResponseTime(rec.RawMessages)
	rep.CompletionRate = completionRate(rec.Status)
	rep.Duration = rec.Duration.RoundedMinutes(DefaultDurationMinutes)
	return &rep, nil
}

func completionRate(status string) int {
	if status == "ended" {
		return CompletedRate
	}
	return PartialRate
}

// generate calls the generator, retrying rate-limit failures with
// exponential backoff. Other errors return immediately.
func (r *Requester) generate(ctx context.Context, prompt string) (string, error) {
	delay := InitialDelay
	for attempt := 0; ; attempt++ {
		out, err := r.gen.Generate(ctx, prompt)
		if err == nil {
			return out, nil
		}
		if !isRateLimited(err) || attempt >= MaxRetries {
			return "", err
		}
		slog.Warn("feedback: rate limited, backing off", "delay", delay, "retries_left", MaxRetries-attempt)
		if err := r.sleep(ctx, delay); err != nil {
			return "", fmt.Errorf("backoff: %w", err)
		}
		delay *= 2
	}
}

func isRateLimited(err error) bool {
	return errors.Is(err, genai.ErrRateLimited) || genai.IsRateLimitMessage(err.Error())
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

const feedbackPrompt = `You are an expert interview coach analyzing a technical interview session. Provide detailed feedback based on the following conversation transcript:

%s

Analyze this interview and respond with JSON only, in exactly this format:

{
  "overallScore": [number 0-100],
  "communicationScore": [number 0-100],
  "technicalScore": [number 0-100],
  "problemSolvingScore": [number 0-100],
  "confidenceScore": [number 0-100],
  "strengths": [array of 3-5 specific strengths],
  "weaknesses": [array of 3-4 areas for improvement],
  "suggestions": [array of 4-5 actionable suggestions],
  "nextSteps": [array of 4-5 concrete next steps],
  "aiSummary": "[2-3 sentence summary of overall performance]",
  "personalizedPlan": [array of 5-6 weekly improvement goals]
}

Focus on technical knowledge and problem-solving approach, communication clarity and structure, confidence and professionalism, and concrete next steps for skill development. Give realistic scores and constructive feedback.`
