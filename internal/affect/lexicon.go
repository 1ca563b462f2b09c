package affect

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
)

// cues maps each non-neutral emotion to the phrases that vote for it.
// Matching is done on a lowercased, punctuation-stripped, space-padded copy
// of the text so cues only match on word boundaries.
var cues = map[Emotion][]string{
	Stressed: {
		"stressed", "stress", "overwhelmed", "panic", "panicking", "frustrated",
		"stuck", "can't", "cannot", "impossible", "struggling", "pressure",
		"no idea", "lost", "confused",
	},
	Nervous: {
		"nervous", "anxious", "worried", "scared", "afraid", "um", "uh",
		"sorry", "a bit", "hopefully", "excuse me",
	},
	Uncertain: {
		"maybe", "perhaps", "not sure", "i guess", "i think", "probably",
		"might", "could be", "kind of", "sort of", "i don't know", "unsure",
	},
	Confident: {
		"definitely", "certainly", "absolutely", "sure", "i know", "confident",
		"clearly", "obviously", "of course", "exactly", "i have", "i built",
		"i led", "experience",
	},
	Enthusiastic: {
		"love", "great", "excited", "awesome", "amazing", "fantastic",
		"passionate", "enjoy", "fun", "wonderful", "excellent", "really like",
	},
}

// hesitationCues are filler tokens counted towards the hesitation metric.
var hesitationCues = []string{"um", "uh", "er", "hmm", "like", "you know", "i mean"}

// Lexicon is a deterministic phrase-cue classifier.
type Lexicon struct{}

// NewLexicon returns a lexical classifier.
func NewLexicon() *Lexicon {
	return &Lexicon{}
}

// Classify scores text against the cue table. It never fails; a panic in
// scoring degrades to a neutral reading.
func (l *Lexicon) Classify(_ context.Context, text string, offsetSeconds float64) (r Reading) {
	defer func() {
		if p := recover(); p != nil {
			slog.Warn("affect: lexicon classify recovered", "panic", p)
			r = NeutralReading(offsetSeconds)
		}
	}()

	norm := normalize(text)
	if strings.TrimSpace(norm) == "" {
		return NeutralReading(offsetSeconds)
	}

	counts := make(map[Emotion]int, len(cues))
	total := 0
	for e, phrases := range cues {
		for _, p := range phrases {
			n := strings.Count(norm, " "+p+" ")
			counts[e] += n
			total += n
		}
	}

	words := len(strings.Fields(norm))
	hes := 0
	for _, p := range hesitationCues {
		hes += strings.Count(norm, " "+p+" ")
	}
	hesitation := 0.0
	if words > 0 {
		hesitation = float64(hes) / float64(words) * 4
	}

	stress := neutralStress +
		0.25*float64(counts[Stressed]) +
		0.2*float64(counts[Nervous]) +
		0.1*float64(counts[Uncertain]) -
		0.1*float64(counts[Confident]+counts[Enthusiastic])

	if total == 0 {
		return build(Neutral, 0.5, stress, hesitation, offsetSeconds)
	}

	best, bestN := Neutral, 0
	for _, e := range Emotions {
		if counts[e] > bestN {
			best, bestN = e, counts[e]
		}
	}

	// Confidence grows with the winning share and the amount of evidence.
	share := float64(bestN) / float64(total)
	evidence := float64(bestN) / float64(bestN+1)
	confidence := 0.4 + 0.35*share + 0.25*evidence

	return build(best, confidence, stress, hesitation, offsetSeconds)
}

func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
			space = false
		case r == '’':
			b.WriteByte('\'')
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}
