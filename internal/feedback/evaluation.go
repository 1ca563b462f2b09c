package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/reconcile"
)

// Recommendation values.
const (
	StrongHire = "strong_hire"
	Hire       = "hire"
	Maybe      = "maybe"
	NoHire     = "no_hire"
)

// EvaluatedAspects are the rubric aspects, in report order.
var EvaluatedAspects = []string{
	"communication",
	"technical_knowledge",
	"problem_solving",
	"confidence",
	"cultural_fit",
}

// AspectRating is a 0-10 rating for one rubric aspect.
type AspectRating struct {
	Aspect   string  `json:"aspect"`
	Rating   float64 `json:"rating"`
	Feedback string  `json:"feedback"`
}

// Evaluation is a hiring-style rubric evaluation of one call.
type Evaluation struct {
	CallID              string         `json:"callId"`
	CreatedAt           time.Time      `json:"createdAt"`
	OverallRating       float64        `json:"overallRating"`
	Aspects             []AspectRating `json:"aspects"`
	Strengths           []string       `json:"strengths"`
	AreasForImprovement []string       `json:"areasForImprovement"`
	Recommendation      string         `json:"recommendation"`
	ConfidenceLevel     float64        `json:"confidenceLevel"`
	DetailedFeedback    string         `json:"detailedFeedback"`
}

// Evaluate generates a rubric evaluation for rec. It shares the transcript
// rules, retry policy and JSON extraction of RequestFeedback.
func (r *Requester) Evaluate(ctx context.Context, rec *reconcile.Record) (*Evaluation, error) {
	if rec == nil {
		return nil, ErrEmptyTranscript
	}
	transcript := BuildTranscript(rec.RawMessages)
	if strings.TrimSpace(transcript) == "" {
		return nil, ErrEmptyTranscript
	}

	text, err := r.generate(ctx, fmt.Sprintf(evaluationPrompt, strings.Join(EvaluatedAspects, ", "), transcript))
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", rec.CallID, err)
	}
	obj, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", rec.CallID, err)
	}

	var ev Evaluation
	if err := json.Unmarshal([]byte(obj), &ev); err != nil {
		return nil, fmt.Errorf("decode evaluation for %s: %w", rec.CallID, err)
	}
	normalizeEvaluation(&ev)
	ev.CallID = rec.CallID
	ev.CreatedAt = r.now().UTC()
	return &ev, nil
}

func normalizeEvaluation(ev *Evaluation) {
	ev.OverallRating = clamp(ev.OverallRating, 0, 10)
	ev.ConfidenceLevel = clamp(ev.ConfidenceLevel, 0, 1)
	for i := range ev.Aspects {
		ev.Aspects[i].Aspect = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(ev.Aspects[i].Aspect), " ", "_"))
		ev.Aspects[i].Rating = clamp(ev.Aspects[i].Rating, 0, 10)
	}

	rec := strings.ToLower(strings.TrimSpace(ev.Recommendation))
	rec = strings.NewReplacer(" ", "_", "-", "_").Replace(rec)
	switch rec {
	case StrongHire, Hire, Maybe, NoHire:
		ev.Recommendation = rec
	case "strong_no_hire":
		ev.Recommendation = NoHire
	default:
		ev.Recommendation = Maybe
	}
}

const evaluationPrompt = `You are a senior technical interviewer writing a hiring evaluation. Rate the candidate on these aspects: %s.

Transcript:

%s

Respond with JSON only, in exactly this format:

{
  "overallRating": [number 0-10],
  "aspects": [{"aspect": "[aspect name]", "rating": [number 0-10], "feedback": "[one or two sentences]"}],
  "strengths": [array of 3-5 strengths],
  "areasForImprovement": [array of 3-5 areas],
  "recommendation": "[strong_hire | hire | maybe | no_hire]",
  "confidenceLevel": [number 0-1],
  "detailedFeedback": "[one paragraph]"
}`
