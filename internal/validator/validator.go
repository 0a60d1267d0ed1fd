// Package validator checks a finished report against a light quality bar.
package validator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	DefaultMinLength = 1
	DefaultMaxLength = 100000
)

// Result of validating one text. OK is false when Issues is non-empty;
// Warnings never fail validation.
type Result struct {
	OK         bool     `json:"ok"`
	Issues     []string `json:"issues,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Length     int      `json:"length"`
	Headings   int      `json:"headings"`
	CodeBlocks int      `json:"code_blocks"`
}

// Validator checks reports against length and example requirements.
type Validator struct {
	minLength int
	maxLength int
	md        goldmark.Markdown
}

func New(minLength, maxLength int) *Validator {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Validator{minLength: minLength, maxLength: maxLength, md: goldmark.New()}
}

// Validate checks text. With requireExamples set, at least one code block
// (fenced or indented) must be present.
func (v *Validator) Validate(src string, requireExamples bool) Result {
	var r Result
	if strings.TrimSpace(src) == "" {
		r.Issues = append(r.Issues, "output is empty")
		return r
	}

	r.Length = utf8.RuneCountInString(src)
	if r.Length < v.minLength {
		r.Warnings = append(r.Warnings, fmt.Sprintf("output shorter than %d characters", v.minLength))
	}
	if r.Length > v.maxLength {
		r.Issues = append(r.Issues, fmt.Sprintf("output longer than %d characters", v.maxLength))
	}

	data := []byte(src)
	doc := v.md.Parser().Parse(text.NewReader(data))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			r.Headings++
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			r.CodeBlocks++
		}
		return ast.WalkContinue, nil
	})

	if r.Headings == 0 {
		r.Warnings = append(r.Warnings, "output has no headings")
	}
	if requireExamples && r.CodeBlocks == 0 {
		r.Issues = append(r.Issues, "missing examples or code snippets")
	}

	r.OK = len(r.Issues) == 0
	return r
}

var technicalTerms = regexp.MustCompile(`(?i)\b(react|hooks?|apis?|javascript|typescript|python|golang|rust|java|sql|kubernetes|docker|sdk|cli)\b`)

var technicalCJK = []string{"编程", "代码", "接口", "框架"}

// IsTechnical guesses whether a query is about programming, in which case
// the report is expected to carry examples.
func IsTechnical(query string) bool {
	if technicalTerms.MatchString(query) {
		return true
	}
	for _, t := range technicalCJK {
		if strings.Contains(query, t) {
			return true
		}
	}
	return false
}
