package call

import (
	"strings"
	"testing"
)

func TestParseQuestion_LabeledImplement(t *testing.T) {
	buf := "Great, let's move on. Implement a function that reverses a linked list, difficulty: easy"
	q := ParseQuestion(buf)
	if q == nil {
		t.Fatal("expected a question")
	}
	if q.Title != "function that reverses a linked list" {
		t.Errorf("unexpected title %q", q.Title)
	}
	if q.Title == FallbackTitle {
		t.Error("expected labeled title, got fallback")
	}
	if q.Difficulty != Easy {
		t.Errorf("expected Easy, got %s", q.Difficulty)
	}
	if strings.Contains(strings.ToLower(q.Problem), "easy") || strings.Contains(strings.ToLower(q.Problem), "difficulty") {
		t.Errorf("expected difficulty stripped from problem, got %q", q.Problem)
	}
}

func TestParseQuestion_ProblemLabel(t *testing.T) {
	buf := "Problem: Two Sum\nGiven an array of integers, return indices of the two numbers that add up to a target. This one is medium.\nConstraints: - 2 <= n <= 10^4 - each input has exactly one solution"
	q := ParseQuestion(buf)
	if q == nil {
		t.Fatal("expected a question")
	}
	if q.Title != "Two Sum" {
		t.Errorf("expected title Two Sum, got %q", q.Title)
	}
	if q.Difficulty != Medium {
		t.Errorf("expected Medium, got %s", q.Difficulty)
	}
	if strings.HasPrefix(q.Problem, "Problem:") {
		t.Errorf("expected label stripped, got %q", q.Problem)
	}
	if len(q.Constraints) != 2 {
		t.Fatalf("expected 2 constraints, got %v", q.Constraints)
	}
	if q.Constraints[0] != "2 <= n <= 10^4" {
		t.Errorf("unexpected first constraint %q", q.Constraints[0])
	}
}

func TestParseQuestion_Difficulty(t *testing.T) {
	tests := []struct {
		text string
		want Difficulty
	}{
		{"Write a program that sorts a list of numbers. This is a beginner task.", Easy},
		{"Write a program that balances a binary search tree. This is an advanced one.", Hard},
		{"Write a program that merges two sorted arrays in linear time.", Medium},
		{"Write a program that finds cycles in a graph, it's hard.", Hard},
	}
	for _, tt := range tests {
		q := ParseQuestion(tt.text)
		if q == nil {
			t.Fatalf("expected question for %q", tt.text)
		}
		if q.Difficulty != tt.want {
			t.Errorf("%q: expected %s, got %s", tt.text, tt.want, q.Difficulty)
		}
	}
}

func TestParseQuestion_ConstraintsCapped(t *testing.T) {
	buf := "Task: count islands\nConstraints:\n- a\n- b\n- c\n- d\n- e\n- f\n- g"
	q := ParseQuestion(buf)
	if q == nil {
		t.Fatal("expected a question")
	}
	if len(q.Constraints) != 5 {
		t.Errorf("expected 5 constraints, got %d: %v", len(q.Constraints), q.Constraints)
	}
}

func TestParseQuestion_TitleTruncated(t *testing.T) {
	long := strings.Repeat("very ", 30) + "long title"
	q := ParseQuestion("Question: " + long + "\nmore details about the task follow here")
	if q == nil {
		t.Fatal("expected a question")
	}
	if !strings.HasSuffix(q.Title, "...") {
		t.Errorf("expected ellipsis, got %q", q.Title)
	}
	if n := len([]rune(strings.TrimSuffix(q.Title, "..."))); n > 80 {
		t.Errorf("title too long: %d runes", n)
	}
}

func TestParseQuestion_ProblemTruncated(t *testing.T) {
	q := ParseQuestion("Problem: big one\n" + strings.Repeat("x", 700))
	if q == nil {
		t.Fatal("expected a question")
	}
	if len([]rune(q.Problem)) != 503 {
		t.Errorf("expected 500 runes plus ellipsis, got %d", len([]rune(q.Problem)))
	}
}

func TestParseQuestion_Fallback(t *testing.T) {
	buf := "So for this round we'll look at how a tree could be traversed level by level"
	q := ParseQuestion(buf)
	if q == nil {
		t.Fatal("expected fallback question")
	}
	if q.Title != FallbackTitle || q.Difficulty != Medium {
		t.Errorf("unexpected fallback %+v", q)
	}
	if q.Problem != buf {
		t.Errorf("expected raw buffer as problem, got %q", q.Problem)
	}

	long := "Think about an array " + strings.Repeat("z", 500)
	if q := ParseQuestion(long); q == nil || len([]rune(q.Problem)) != 403 {
		t.Errorf("expected fallback truncated to 400 runes plus ellipsis, got %+v", q)
	}
}

func TestParseQuestion_None(t *testing.T) {
	for _, text := range []string{
		"",
		"Hello there, how are you today?",
		"Tell me about yourself and your background in general terms please, thanks.",
	} {
		if q := ParseQuestion(text); q != nil {
			t.Errorf("expected no question for %q, got %+v", text, q)
		}
	}
}

func TestHasTriggerKeyword(t *testing.T) {
	if !HasTriggerKeyword("Let's try a LeetCode style exercise") {
		t.Error("expected keyword match")
	}
	if !HasTriggerKeyword("We can use a STACK here") {
		t.Error("expected case-insensitive match")
	}
	if HasTriggerKeyword("Tell me about your last job") {
		t.Error("expected no match")
	}
}
