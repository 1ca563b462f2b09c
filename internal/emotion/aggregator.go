// Package emotion keeps the ordered affect history of one interview session
// and derives summary statistics from it.
package emotion

import (
	"context"
	"sync"

	"github.com/MikeSquared-Agency/espadas/internal/affect"
)

// Trend compares the second half of a history against the first.
type Trend string

const (
	Improving Trend = "improving"
	Declining Trend = "declining"
	Stable    Trend = "stable"
)

// Summary thresholds.
const (
	// TrendThreshold is the minimum change in average (valence - stress)
	// between halves before the trend leaves Stable.
	TrendThreshold = 0.1
	// HighStress marks a single reading as a stress spike.
	HighStress = affect.MediumStressMax
	// StressRise is the increase in average stress between halves that is
	// flagged as rising stress.
	StressRise = 0.15
	// NervousShare is the fraction of nervous readings that is flagged.
	NervousShare = 0.3
	// ElevatedStress is the average stress level that is flagged.
	ElevatedStress = 0.5
)

// Stress indicator flags.
const (
	IndicatorStressSpikes   = "stress_spikes"
	IndicatorRisingStress   = "rising_stress"
	IndicatorFrequentNerves = "frequent_nervousness"
	IndicatorElevatedStress = "elevated_average_stress"
)

// Summary is derived from a history on demand and never stored on its own.
type Summary struct {
	DominantEmotion   affect.Emotion `json:"dominantEmotion"`
	Trend             Trend          `json:"emotionalTrend"`
	AverageConfidence float64        `json:"averageConfidence"`
	AverageStress     float64        `json:"averageStress"`
	Stability         float64        `json:"emotionalStability"`
	StressIndicators  []string       `json:"stressIndicators"`
	Readings          int            `json:"readings"`
}

// Analysis is the full payload attached to a saved call log.
type Analysis struct {
	Emotions []affect.Reading `json:"emotions"`
	Summary  Summary          `json:"summary"`
}

// Aggregator owns one session's history. It is safe for concurrent readers,
// but appends are expected from a single turn-processing path.
type Aggregator struct {
	classifier affect.Classifier

	mu      sync.RWMutex
	history []affect.Reading
}

// NewAggregator returns an empty aggregator using c.
func NewAggregator(c affect.Classifier) *Aggregator {
	return &Aggregator{classifier: c}
}

// Classify runs the classifier if text passes the minimum-length gate. It
// does not touch the history, so callers may classify off the ordering path
// and Record afterwards.
func (a *Aggregator) Classify(ctx context.Context, text string, offsetSeconds float64) *affect.Reading {
	if !affect.Qualifies(text) {
		return nil
	}
	r := a.classifier.Classify(ctx, text, offsetSeconds)
	return &r
}

// Record appends r to the history. The offset is raised to the previous
// reading's offset if needed so the history stays monotonic in time.
func (a *Aggregator) Record(r affect.Reading) affect.Reading {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.history); n > 0 && r.SecondsFromStart < a.history[n-1].SecondsFromStart {
		r.SecondsFromStart = a.history[n-1].SecondsFromStart
	}
	a.history = append(a.history, r)
	return r
}

// AddReading classifies text and appends the result. It returns nil, leaving
// the history unchanged, when text is too short to classify.
func (a *Aggregator) AddReading(ctx context.Context, text string, offsetSeconds float64) *affect.Reading {
	r := a.Classify(ctx, text, offsetSeconds)
	if r == nil {
		return nil
	}
	rec := a.Record(*r)
	return &rec
}

// Len returns the number of readings.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.history)
}

// History returns a copy of the readings in insertion order.
func (a *Aggregator) History() []affect.Reading {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]affect.Reading, len(a.history))
	copy(out, a.history)
	return out
}

// Clear drops every reading.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.history = nil
	a.mu.Unlock()
}

// Summarize recomputes the summary over the current history.
func (a *Aggregator) Summarize() Summary {
	return Summarize(a.History())
}

// Analysis returns the history together with its summary.
func (a *Aggregator) Analysis() Analysis {
	h := a.History()
	return Analysis{Emotions: h, Summary: Summarize(h)}
}

// Summarize computes a Summary over history. An empty history yields a
// neutral, stable summary.
func Summarize(history []affect.Reading) Summary {
	s := Summary{
		DominantEmotion:  affect.Neutral,
		Trend:            Stable,
		Stability:        1,
		StressIndicators: []string{},
		Readings:         len(history),
	}
	n := len(history)
	if n == 0 {
		return s
	}

	counts := make(map[affect.Emotion]int)
	firstSeen := make(map[affect.Emotion]int)
	var confSum, stressSum float64
	spikes, switches := 0, 0
	for i, r := range history {
		if _, ok := firstSeen[r.Emotion]; !ok {
			firstSeen[r.Emotion] = i
		}
		counts[r.Emotion]++
		confSum += r.Confidence
		stressSum += r.AdditionalMetrics.StressLevel
		if r.AdditionalMetrics.StressLevel >= HighStress {
			spikes++
		}
		if i > 0 && r.Emotion != history[i-1].Emotion {
			switches++
		}
	}

	best, bestN, bestAt := affect.Neutral, 0, n
	for e, c := range counts {
		if c > bestN || (c == bestN && firstSeen[e] < bestAt) {
			best, bestN, bestAt = e, c, firstSeen[e]
		}
	}
	s.DominantEmotion = best
	s.AverageConfidence = confSum / float64(n)
	s.AverageStress = stressSum / float64(n)
	if n > 1 {
		s.Stability = 1 - float64(switches)/float64(n-1)
	}

	rising := false
	if n >= 2 {
		mid := n / 2
		first, second := history[:mid], history[mid:]
		delta := mood(second) - mood(first)
		switch {
		case delta > TrendThreshold:
			s.Trend = Improving
		case delta < -TrendThreshold:
			s.Trend = Declining
		}
		rising = avgStress(second)-avgStress(first) > StressRise
	}

	if spikes > 0 {
		s.StressIndicators = append(s.StressIndicators, IndicatorStressSpikes)
	}
	if rising {
		s.StressIndicators = append(s.StressIndicators, IndicatorRisingStress)
	}
	if float64(counts[affect.Nervous])/float64(n) >= NervousShare {
		s.StressIndicators = append(s.StressIndicators, IndicatorFrequentNerves)
	}
	if s.AverageStress >= ElevatedStress {
		s.StressIndicators = append(s.StressIndicators, IndicatorElevatedStress)
	}
	return s
}

func mood(rs []affect.Reading) float64 {
	if len(rs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rs {
		sum += r.Emotion.Valence() - r.AdditionalMetrics.StressLevel
	}
	return sum / float64(len(rs))
}

func avgStress(rs []affect.Reading) float64 {
	if len(rs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rs {
		sum += r.AdditionalMetrics.StressLevel
	}
	return sum / float64(len(rs))
}
