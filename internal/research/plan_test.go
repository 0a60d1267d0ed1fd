package research

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFallbackPlan(t *testing.T) {
	p := FallbackPlan("  rust async rust runtimes ")
	assert.Equal(t, "rust async rust runtimes", p.ResearchGoal)
	assert.Equal(t, []string{"rust async rust runtimes"}, p.KeyQuestions)
	assert.Equal(t, []string{"rust", "async", "runtimes"}, p.SearchKeywords)
	assert.Equal(t, []string{"A complete research report"}, p.ExpectedOutcomes)
}

func TestParsePlan(t *testing.T) {
	const q = "tea ceremony history"
	fb := FallbackPlan(q)

	tests := []struct {
		name string
		raw  string
		want Plan
		ok   bool
	}{
		{
			name: "plain json",
			raw:  `{"research_goal":"g","key_questions":["a","b"],"search_keywords":["k"],"expected_outcomes":["o"]}`,
			want: Plan{"g", []string{"a", "b"}, []string{"k"}, []string{"o"}},
			ok:   true,
		},
		{
			name: "wrapped in prose and fences",
			raw:  "Sure!\n```json\n{\"research_goal\": \"g\", \"key_questions\": [\"a\"]}\n```\nHope it helps {not json}",
			want: Plan{"g", []string{"a"}, fb.SearchKeywords, fb.ExpectedOutcomes},
			ok:   true,
		},
		{
			name: "camel case keys",
			raw:  `{"researchGoal":"g","keyQuestions":["a"],"searchKeywords":["k","k"],"expectedOutcomes":["o"]}`,
			want: Plan{"g", []string{"a"}, []string{"k"}, []string{"o"}},
			ok:   true,
		},
		{
			name: "braces inside strings",
			raw:  `{"research_goal":"explain {x} and }","key_questions":["a"]}`,
			want: Plan{"explain {x} and }", []string{"a"}, fb.SearchKeywords, fb.ExpectedOutcomes},
			ok:   true,
		},
		{
			name: "comma separated keywords",
			raw:  `{"research_goal":"g","search_keywords":"one, two ,, three"}`,
			want: Plan{"g", fb.KeyQuestions, []string{"one", "two", "three"}, fb.ExpectedOutcomes},
			ok:   true,
		},
		{
			name: "empty object is filled from fallback",
			raw:  `{}`,
			want: fb,
			ok:   true,
		},
		{
			name: "unbalanced prefix then valid object",
			raw:  `{ broken  {"research_goal":"g"}`,
			want: Plan{"g", fb.KeyQuestions, fb.SearchKeywords, fb.ExpectedOutcomes},
			ok:   true,
		},
		{name: "empty", raw: "", want: fb},
		{name: "no json", raw: "I could not make a plan.", want: fb},
		{name: "invalid json", raw: `{"research_goal": g}`, want: fb},
		{name: "truncated", raw: `{"research_goal": "g", "key_questions": ["a"`, want: fb},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParsePlan(tt.raw, q)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanMarkdown(t *testing.T) {
	p := Plan{"goal", []string{"q1", "q2"}, []string{"k1"}, []string{"o1"}}
	md := p.Markdown("the query", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	assert.Contains(t, md, "# Research Plan")
	assert.Contains(t, md, "**Query:** the query")
	assert.Contains(t, md, "1. q1\n2. q2\n")
	assert.Contains(t, md, "`k1`")
	assert.Contains(t, md, "- o1\n")
	assert.Contains(t, md, "2026-01-02T03:04:05Z")
}
