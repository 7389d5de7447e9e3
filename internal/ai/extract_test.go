package ai

import (
	"reflect"
	"testing"
)

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		ok     bool
		scores [3]int
		sum    []string
		cons   []string
	}{
		{
			name:   "plain object",
			in:     `{"feasibility": 72, "suitability": 60, "profitability": 45, "summary": ["a", "b"], "constraints": ["c"]}`,
			ok:     true,
			scores: [3]int{72, 60, 45},
			sum:    []string{"a", "b"},
			cons:   []string{"c"},
		},
		{
			name:   "fenced with prose",
			in:     "Here you go:\n```json\n{\"feasibility\": 80.6, \"summary_bullets\": [\"x\"]}\n```",
			ok:     true,
			scores: [3]int{81, 0, 0},
			sum:    []string{"x"},
			cons:   []string{},
		},
		{
			name:   "clamped and string scores",
			in:     `{"feasibility": 140, "suitability": -3, "profitability": "85%"}`,
			ok:     true,
			scores: [3]int{100, 0, 85},
			sum:    []string{},
			cons:   []string{},
		},
		{
			name:   "out of hundred",
			in:     `{"feasibility_score": "70/100", "risks": "- short deadline\n* cost share\n\n• audit"}`,
			ok:     true,
			scores: [3]int{70, 0, 0},
			sum:    []string{},
			cons:   []string{"short deadline", "cost share", "audit"},
		},
		{
			name: "bullets cut to five",
			in:   `{"summary": ["1","2","3","4","5","6","7"]}`,
			ok:   true,
			sum:  []string{"1", "2", "3", "4", "5"},
			cons: []string{},
		},
		{
			name:   "truncated object salvages scores",
			in:     `{"feasibility": 64, "suitability": 50, "summary": ["cut off`,
			ok:     false,
			scores: [3]int{64, 50, 0},
			sum:    []string{},
			cons:   []string{},
		},
		{
			name: "no json at all",
			in:   "I cannot score this opportunity.",
			ok:   false,
			sum:  []string{},
			cons: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := ParseAnalysis(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			got := [3]int{a.Feasibility, a.Suitability, a.Profitability}
			if got != tt.scores {
				t.Errorf("scores = %v, want %v", got, tt.scores)
			}
			if !reflect.DeepEqual(a.Summary, tt.sum) {
				t.Errorf("summary = %#v, want %#v", a.Summary, tt.sum)
			}
			if !reflect.DeepEqual(a.Constraints, tt.cons) {
				t.Errorf("constraints = %#v, want %#v", a.Constraints, tt.cons)
			}
		})
	}
}

func TestExtractFirstJSONObjectIgnoresBracesInStrings(t *testing.T) {
	in := `noise {"summary": ["uses {braces} and \"quotes\""], "feasibility": 10} trailing {"x":1}`
	obj, ok := extractFirstJSONObject(in)
	if !ok {
		t.Fatal("expected an object")
	}
	want := `{"summary": ["uses {braces} and \"quotes\""], "feasibility": 10}`
	if obj != want {
		t.Errorf("got %s", obj)
	}
}
