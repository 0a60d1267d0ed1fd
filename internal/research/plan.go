package research

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// Plan is the planning stage's output. It is read-only once produced.
type Plan struct {
	ResearchGoal     string   `json:"research_goal"`
	KeyQuestions     []string `json:"key_questions"`
	SearchKeywords   []string `json:"search_keywords"`
	ExpectedOutcomes []string `json:"expected_outcomes"`
}

// FallbackPlan is the deterministic plan used when the model's output
// cannot be parsed.
func FallbackPlan(query string) Plan {
	q := strings.TrimSpace(query)
	return Plan{
		ResearchGoal:     q,
		KeyQuestions:     []string{q},
		SearchKeywords:   lo.Uniq(strings.Fields(q)),
		ExpectedOutcomes: []string{"A complete research report"},
	}
}

// ParsePlan extracts a plan from free model text: the first balanced {...}
// span is parsed as JSON, accepting snake_case or camelCase keys. Missing
// fields are filled from the fallback plan. ok is false when no JSON object
// could be parsed, in which case the fallback plan is returned.
func ParsePlan(raw, query string) (plan Plan, ok bool) {
	fb := FallbackPlan(query)
	span, found := firstObject(raw)
	if !found || !gjson.Valid(span) {
		return fb, false
	}
	doc := gjson.Parse(span)
	if !doc.IsObject() {
		return fb, false
	}

	plan = Plan{
		ResearchGoal:     strings.TrimSpace(firstOf(doc, "research_goal", "researchGoal", "goal").String()),
		KeyQuestions:     stringList(firstOf(doc, "key_questions", "keyQuestions", "questions")),
		SearchKeywords:   lo.Uniq(stringList(firstOf(doc, "search_keywords", "searchKeywords", "keywords"))),
		ExpectedOutcomes: stringList(firstOf(doc, "expected_outcomes", "expectedOutcomes", "outcomes")),
	}
	if plan.ResearchGoal == "" {
		plan.ResearchGoal = fb.ResearchGoal
	}
	if len(plan.KeyQuestions) == 0 {
		plan.KeyQuestions = fb.KeyQuestions
	}
	if len(plan.SearchKeywords) == 0 {
		plan.SearchKeywords = fb.SearchKeywords
	}
	if len(plan.ExpectedOutcomes) == 0 {
		plan.ExpectedOutcomes = fb.ExpectedOutcomes
	}
	return plan, true
}

func firstOf(doc gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := doc.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// stringList accepts an array of strings or a single comma separated string.
func stringList(r gjson.Result) []string {
	var out []string
	switch {
	case r.IsArray():
		for _, v := range r.Array() {
			if s := strings.TrimSpace(v.String()); s != "" {
				out = append(out, s)
			}
		}
	case r.Type == gjson.String:
		for _, s := range strings.Split(r.String(), ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// firstObject returns the first balanced {...} span in s, skipping braces
// inside JSON strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth, inString, escaped := 0, false, false
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
					return s[start : i+1], true
				}
			}
		}
		// unbalanced from here; try the next opening brace
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// Markdown renders the plan as the persisted plan artifact.
func (p Plan) Markdown(query string, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research Plan\n\n**Query:** %s\n\n", query)
	fmt.Fprintf(&b, "## Research Goal\n\n%s\n\n", p.ResearchGoal)
	b.WriteString("## Key Questions\n\n")
	for i, q := range p.KeyQuestions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	b.WriteString("\n## Search Keywords\n\n")
	b.WriteString(strings.Join(lo.Map(p.SearchKeywords, func(k string, _ int) string { return "`" + k + "`" }), ", "))
	b.WriteString("\n\n## Expected Outcomes\n\n")
	for _, o := range p.ExpectedOutcomes {
		fmt.Fprintf(&b, "- %s\n", o)
	}
	fmt.Fprintf(&b, "\n---\n*Generated %s*\n", at.UTC().Format(time.RFC3339))
	return b.String()
}
