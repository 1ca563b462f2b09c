// Package affect classifies the emotional affect of a transcribed utterance.
package affect

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Emotion is one label from the closed classifier vocabulary.
type Emotion string

const (
	Confident    Emotion = "confident"
	Enthusiastic Emotion = "enthusiastic"
	Neutral      Emotion = "neutral"
	Uncertain    Emotion = "uncertain"
	Nervous      Emotion = "nervous"
	Stressed     Emotion = "stressed"
)

// Emotions lists the full vocabulary. The order is also the tie-break order
// used when two labels score equally.
var Emotions = []Emotion{Stressed, Nervous, Uncertain, Confident, Enthusiastic, Neutral}

// Valid reports whether e belongs to the vocabulary.
func (e Emotion) Valid() bool {
	for _, v := range Emotions {
		if v == e {
			return true
		}
	}
	return false
}

// Valence maps an emotion onto [-1, 1], negative being unpleasant.
func (e Emotion) Valence() float64 {
	switch e {
	case Enthusiastic:
		return 0.9
	case Confident:
		return 0.7
	case Uncertain:
		return -0.3
	case Nervous:
		return -0.5
	case Stressed:
		return -0.8
	default:
		return 0
	}
}

// Intensity is a bucketing of the stress metric.
type Intensity string

const (
	Low    Intensity = "low"
	Medium Intensity = "medium"
	High   Intensity = "high"
)

// Stress thresholds for Intensity. A stress level below LowStressMax is low,
// below MediumStressMax is medium, anything else is high.
const (
	LowStressMax    = 0.33
	MediumStressMax = 0.66
)

// MinTextLength is the shortest trimmed text, in characters, that is
// classified. Shorter utterances are too short to classify reliably.
const MinTextLength = 11

// IntensityFor buckets a stress level.
func IntensityFor(stress float64) Intensity {
	switch {
	case stress < LowStressMax:
		return Low
	case stress < MediumStressMax:
		return Medium
	default:
		return High
	}
}

// Qualifies reports whether text passes the minimum-length gate.
func Qualifies(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= MinTextLength
}

// Metrics carries derived per-reading measurements.
type Metrics struct {
	StressLevel float64 `json:"stress_level"`
	Hesitation  float64 `json:"hesitation"`
}

// Reading is one classification result.
type Reading struct {
	Emotion           Emotion   `json:"emotion"`
	Confidence        float64   `json:"confidence"`
	Intensity         Intensity `json:"intensity"`
	SecondsFromStart  float64   `json:"secondsFromStart"`
	AdditionalMetrics Metrics   `json:"additionalMetrics"`
}

// Classifier turns text into a Reading. Implementations never fail: internal
// errors degrade to NeutralReading.
type Classifier interface {
	Classify(ctx context.Context, text string, offsetSeconds float64) Reading
}

// NeutralReading is the reading returned when classification cannot be done.
func NeutralReading(offsetSeconds float64) Reading {
	return build(Neutral, 0.5, neutralStress, 0, offsetSeconds)
}

const neutralStress = 0.1

func build(e Emotion, confidence, stress, hesitation, offset float64) Reading {
	stress = clamp01(stress)
	if offset < 0 {
		offset = 0
	}
	return Reading{
		Emotion:          e,
		Confidence:       clamp01(confidence),
		Intensity:        IntensityFor(stress),
		SecondsFromStart: offset,
		AdditionalMetrics: Metrics{
			StressLevel: stress,
			Hesitation:  clamp01(hesitation),
		},
	}
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
