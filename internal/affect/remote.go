package affect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type detectRequest struct {
	Text string `json:"text"`
}

type detectScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type detectResponse struct {
	Emotions        []detectScore `json:"emotions"`
	DominantEmotion string        `json:"dominant_emotion"`
}

// labelMap folds common provider labels onto the closed vocabulary.
var labelMap = map[string]Emotion{
	"confident":      Confident,
	"confidence":     Confident,
	"pride":          Confident,
	"approval":       Confident,
	"enthusiastic":   Enthusiastic,
	"joy":            Enthusiastic,
	"happy":          Enthusiastic,
	"happiness":      Enthusiastic,
	"excitement":     Enthusiastic,
	"surprise":       Enthusiastic,
	"neutral":        Neutral,
	"uncertain":      Uncertain,
	"confusion":      Uncertain,
	"realization":    Uncertain,
	"nervous":        Nervous,
	"nervousness":    Nervous,
	"fear":           Nervous,
	"embarrassment":  Nervous,
	"stressed":       Stressed,
	"anger":          Stressed,
	"annoyance":      Stressed,
	"disgust":        Stressed,
	"sadness":        Stressed,
	"disappointment": Stressed,
}

// stressWeight is the contribution of each mapped emotion's score to the
// stress metric.
var stressWeight = map[Emotion]float64{
	Stressed:  0.9,
	Nervous:   0.7,
	Uncertain: 0.4,
}

// Remote classifies text through an HTTP emotion detection service. Any
// failure falls back to Fallback, or to a neutral reading when Fallback is nil.
type Remote struct {
	baseURL  string
	client   *http.Client
	Fallback Classifier
}

// NewRemote returns a Remote classifier bounded by timeout.
func NewRemote(baseURL string, timeout time.Duration, fallback Classifier) *Remote {
	return &Remote{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		Fallback: fallback,
	}
}

// Classify calls the detect endpoint and maps the response.
func (r *Remote) Classify(ctx context.Context, text string, offsetSeconds float64) Reading {
	resp, err := r.detect(ctx, text)
	if err != nil {
		slog.Debug("affect: remote classify failed, falling back", "error", err)
		return r.fallback(ctx, text, offsetSeconds)
	}

	scores := make(map[Emotion]float64)
	for _, s := range resp.Emotions {
		if e, ok := labelMap[strings.ToLower(strings.TrimSpace(s.Label))]; ok {
			scores[e] += clamp01(s.Score)
		}
	}
	if dom, ok := labelMap[strings.ToLower(strings.TrimSpace(resp.DominantEmotion))]; ok && scores[dom] == 0 {
		scores[dom] = 0.5
	}
	if len(scores) == 0 {
		return r.fallback(ctx, text, offsetSeconds)
	}

	best, bestScore := Neutral, -1.0
	for _, e := range Emotions {
		if v, ok := scores[e]; ok && v > bestScore {
			best, bestScore = e, v
		}
	}

	stress := neutralStress
	for _, e := range Emotions {
		stress += stressWeight[e] * scores[e]
	}
	stress -= 0.2 * (scores[Confident] + scores[Enthusiastic])

	hesitation := 0.0
	if r.Fallback != nil {
		hesitation = r.Fallback.Classify(ctx, text, offsetSeconds).AdditionalMetrics.Hesitation
	}

	return build(best, bestScore, stress, hesitation, offsetSeconds)
}

func (r *Remote) fallback(ctx context.Context, text string, offsetSeconds float64) Reading {
	if r.Fallback == nil {
		return NeutralReading(offsetSeconds)
	}
	return r.Fallback.Classify(ctx, text, offsetSeconds)
}

func (r *Remote) detect(ctx context.Context, text string) (*detectResponse, error) {
	b, err := json.Marshal(detectRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal detect request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/detect", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post detect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("detect %s: %s", resp.Status, string(body))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode detect response: %w", err)
	}
	return &out, nil
}
