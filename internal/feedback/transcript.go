package feedback

import (
	"encoding/json"
	"strings"

	"github.com/MikeSquared-Agency/espadas/internal/callstore"
)

// DefaultResponseTime is reported when too few answer gaps can be measured.
const DefaultResponseTime = 8.5

// maxResponseGapMs excludes idle or disconnected stretches from latency.
const maxResponseGapMs = 60_000

// minResponsePairs is the number of measured gaps needed for a real average.
const minResponsePairs = 2

type line struct {
	role string
	text string
	atMs float64
}

// conversation keeps finalized, content-bearing messages in order. Prompt
// messages with the system role are never part of the conversation.
func conversation(msgs []callstore.RawMessage) []line {
	var out []line
	for _, m := range msgs {
		role := strings.ToLower(m.Role)
		if role == "system" {
			continue
		}
		finalTranscript := m.Type == "transcript" && m.TranscriptType == "final"
		spoken := (role == "user" || role == "assistant" || role == "bot") &&
			(strings.TrimSpace(m.Content) != "" || strings.TrimSpace(m.Message) != "")
		if !finalTranscript && !spoken {
			continue
		}
		text := firstText(m.Transcript, m.Content, m.Message)
		if text == "" {
			continue
		}
		if role == "bot" {
			role = "assistant"
		}
		out = append(out, line{role: role, text: text, atMs: timestampMs(m)})
	}
	return out
}

func firstText(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func timestampMs(m callstore.RawMessage) float64 {
	switch {
	case m.Timestamp > 0:
		return m.Timestamp
	case m.Time > 0:
		return m.Time
	}
	return m.SecondsFromStart * 1000
}

// BuildTranscript renders messages as "Candidate:"/"Interviewer:" lines.
func BuildTranscript(msgs []callstore.RawMessage) string {
	lines := conversation(msgs)
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		speaker := "Interviewer"
		if l.role == "user" {
			speaker = "Candidate"
		}
		parts = append(parts, speaker+": "+l.text)
	}
	return strings.Join(parts, "\n")
}

// ResponseTime returns the mean seconds between an interviewer message and
// the candidate's next message. Gaps longer than a minute are skipped.
func ResponseTime(msgs []callstore.RawMessage) float64 {
	lines := conversation(msgs)
	var total float64
	var count int
	for i := 1; i < len(lines); i++ {
		prev, cur := lines[i-1], lines[i]
		if prev.role != "assistant" || cur.role != "user" {
			continue
		}
		gap := cur.atMs - prev.atMs
		if gap > 0 && gap <= maxResponseGapMs {
			total += gap
			count++
		}
	}
	if count < minResponsePairs {
		return DefaultResponseTime
	}
	return total / float64(count) / 1000
}

// ExtractJSON returns the first balanced top-level JSON object in s.
func ExtractJSON(s string) (string, error) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > start {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, nil
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSON
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
