package call

import (
	"regexp"
	"strings"
)

// Difficulty of a coding question.
type Difficulty string

const (
	Easy   Difficulty = "Easy"
	Medium Difficulty = "Medium"
	Hard   Difficulty = "Hard"
)

// Question is a coding question detected in the interviewer's speech.
type Question struct {
	Title       string     `json:"title"`
	Difficulty  Difficulty `json:"difficulty"`
	Problem     string     `json:"problem"`
	Constraints []string   `json:"constraints,omitempty"`
}

// FallbackTitle is used when a question is detected without a labeled title.
const FallbackTitle = "Programming Problem"

const (
	maxTitle         = 80
	maxProblem       = 500
	maxFallback      = 400
	maxConstraints   = 5
	minProblem       = 20
	minFallbackInput = 50
)

// triggerKeywords open the side channel when they appear in the buffer.
var triggerKeywords = []string{
	"dsa", "algorithm", "data structure", "coding", "problem", "solve",
	"function", "array", "string", "tree", "graph", "linked list", "stack",
	"queue", "write a", "implement", "return", "leetcode", "write code",
	"solution", "complexity",
}

// fallbackKeywords qualify an unlabeled buffer as a question.
var fallbackKeywords = []string{
	"array", "string", "tree", "graph", "algorithm", "function", "return", "implement",
}

// titlePatterns are tried in order; the first capture wins.
var titlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:problem|question|challenge|task):[ \t]*([^\n]+?)[ \t]*(?:\n|$)`),
	regexp.MustCompile(`(?i)\b(?:write|implement|create|solve)\s+(?:an?\s+)?([^\n.?!,;]+?)\s*(?:[\n.?!,;]|$)`),
	regexp.MustCompile(`(?i)\b(?:given|you have|consider)\s+([^\n.?!,;]+?)\s*(?:[\n.?!,;]|$)`),
}

var (
	difficultyRe  = regexp.MustCompile(`(?i)\b(easy|medium|hard|beginner|intermediate|advanced)\b`)
	leadLabelRe   = regexp.MustCompile(`(?i)^\s*(?:problem|question|challenge|task):\s*`)
	diffLabelRe   = regexp.MustCompile(`(?i)\bdifficulty(?:\s+level)?\s*:?`)
	constraintsRe = regexp.MustCompile(`(?is)\bconstraints?:\s*(.+?)(?:\n\s*\n|$)`)
	separatorRe   = regexp.MustCompile(`[•\-\n]`)
	spaceRe       = regexp.MustCompile(`[ \t]+`)
	danglingRe    = regexp.MustCompile(`\s+([,.;:!?])`)
)

// HasTriggerKeyword reports whether text mentions any coding-question
// keyword, case-insensitively.
func HasTriggerKeyword(text string) bool {
	return containsAny(strings.ToLower(text), triggerKeywords)
}

// ParseQuestion extracts a Question from accumulated interviewer text. It
// returns nil when the text does not describe a question.
func ParseQuestion(text string) *Question {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	title := ""
	for _, re := range titlePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if t := strings.TrimSpace(m[1]); t != "" {
				title = truncate(t, maxTitle)
				break
			}
		}
	}

	difficulty := Medium
	if m := difficultyRe.FindStringSubmatch(text); m != nil {
		switch strings.ToLower(m[1]) {
		case "easy", "beginner":
			difficulty = Easy
		case "hard", "advanced":
			difficulty = Hard
		}
	}

	problem := leadLabelRe.ReplaceAllString(text, "")
	problem = diffLabelRe.ReplaceAllString(problem, "")
	problem = difficultyRe.ReplaceAllString(problem, "")
	problem = spaceRe.ReplaceAllString(problem, " ")
	problem = danglingRe.ReplaceAllString(problem, "$1")
	problem = strings.Trim(strings.TrimSpace(problem), ",;:")
	problem = strings.TrimSpace(problem)

	var constraints []string
	if m := constraintsRe.FindStringSubmatch(text); m != nil {
		for _, c := range separatorRe.Split(m[1], -1) {
			if c = strings.TrimSpace(c); c != "" {
				constraints = append(constraints, c)
				if len(constraints) == maxConstraints {
					break
				}
			}
		}
	}

	if title != "" && runeLen(problem) > minProblem {
		return &Question{
			Title:       title,
			Difficulty:  difficulty,
			Problem:     truncate(problem, maxProblem),
			Constraints: constraints,
		}
	}

	if runeLen(text) > minFallbackInput && containsAny(strings.ToLower(text), fallbackKeywords) {
		return &Question{
			Title:      FallbackTitle,
			Difficulty: Medium,
			Problem:    truncate(text, maxFallback),
		}
	}
	return nil
}

func containsAny(s string, subs []string) bool {
	for _, k := range subs {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func runeLen(s string) int {
	return len([]rune(s))
}

// truncate cuts s to n runes, appending an ellipsis when it was longer.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
