package articulation

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFindJSONCandidates(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple", `prefix {"key": "value"} suffix`, []string{`{"key": "value"}`}},
		{"nested", `start {"a": {"b": "c"}} end`, []string{`{"a": {"b": "c"}}`}},
		{"multiple", `obj1 {"id": 1} obj2 {"id": 2}`, []string{`{"id": 1}`, `{"id": 2}`}},
		{"string with braces", `{"key": "value with } inside"}`, []string{`{"key": "value with } inside"}`}},
		{"escaped quote", `{"key": "value with \" inside"}`, []string{`{"key": "value with \" inside"}`}},
		{"escaped backslash", `{"key": "value with \\ inside"}`, []string{`{"key": "value with \\ inside"}`}},
		{"incomplete", `prefix { incomplete`, nil},
		{"stray closing brace", `} { valid } {`, []string{`{ valid }`}},
		{"empty object", `{}`, []string{`{}`}},
		{"quoted prose before object", `She said "ok" then {"a": 1}`, []string{`{"a": 1}`}},
		{"emoji inside string", `{"mood": "🙂 } 🙃"}`, []string{`{"mood": "🙂 } 🙃"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, findJSONCandidates(tt.input)); diff != "" {
				t.Errorf("findJSONCandidates mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFindJSONCandidatesDeepNesting(t *testing.T) {
	in := strings.Repeat("{", 2000) + strings.Repeat("}", 2000)
	got := findJSONCandidates(in)
	if len(got) != 1 || got[0] != in {
		t.Fatalf("expected the whole nested object as one candidate, got %d", len(got))
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}```":       `{"a":1}`,
		"```{\"a\":1}```":         `{"a":1}`,
		"  {\"a\":1}  ":           `{"a":1}`,
	}
	for in, want := range tests {
		if got := stripCodeFence(in); got != want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJSONCandidatesOrdersLargestFirst(t *testing.T) {
	got := jsonCandidates(`noise {"a":1} more {"b":{"c":2}}`)
	want := []string{`noise {"a":1} more {"b":{"c":2}}`, `{"b":{"c":2}}`, `{"a":1}`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("jsonCandidates mismatch (-want +got):\n%s", diff)
	}
}

func BenchmarkFindJSONCandidates(b *testing.B) {
	var sb strings.Builder
	sb.WriteString("Planning notes before the object...\n")
	sb.WriteString(`{"perceptionAnalysis": "long", "opinionUpdates": [`)
	for i := 0; i < 2000; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"participant": "Beta", "newScore": 55, "reason": "kept the { brace } in a string"}`)
	}
	sb.WriteString(`], "action": "SPEAK"}`)
	sb.WriteString("\ntrailing text")
	input := sb.String()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if len(findJSONCandidates(input)) == 0 {
			b.Fatal("no candidates found")
		}
	}
}
