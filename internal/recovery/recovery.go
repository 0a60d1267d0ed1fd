// Package recovery reconstructs a stage artifact that a worker was asked to
// write but did not. It tries, in order: the longest plausible text from the
// worker's own outputs, a synthesis of whatever plans and notes exist, and a
// fixed placeholder. Only the report stage goes past the first level.
package recovery

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/workspace"
)

// DefaultMinLength is the rune count a transcript output must exceed.
const DefaultMinLength = 200

// Level says which step of the cascade produced an artifact.
type Level int

const (
	LevelNone Level = iota
	LevelTranscript
	LevelSynthesis
	LevelPlaceholder
)

func (l Level) String() string {
	switch l {
	case LevelTranscript:
		return "transcript"
	case LevelSynthesis:
		return "synthesis"
	case LevelPlaceholder:
		return "placeholder"
	default:
		return "none"
	}
}

// Kind selects the keyword set used to judge transcript outputs.
type Kind int

const (
	KindNotes Kind = iota
	KindReport
)

var keywords = map[Kind][]string{
	KindNotes: {
		"findings", "key points", "sources", "references", "notes", "summary",
		"研究笔记", "关键", "参考", "来源",
	},
	KindReport: {
		"summary", "findings", "background", "conclusion", "recommendation",
		"执行摘要", "研究背景", "主要发现", "结论",
	},
}

// Tool acknowledgements that a worker echoes back; never treated as content.
var echoPrefixes = []string{
	"找到", "搜索", "文件已保存",
	"found ", "searching", "search results", "file saved", "saved ",
}

// Store is the part of the workspace the extractor needs.
type Store interface {
	Write(subdir, name, content string, meta workspace.Metadata) (string, error)
	Read(subdir, name string) (string, error)
	List(subdir string) ([]string, error)
	TaskID() string
}

// Outcome describes a recovered artifact. Err is set when the content could
// not be persisted; Content is still usable in that case.
type Outcome struct {
	Level   Level
	Path    string
	Content string
	Err     error
}

// Extractor rebuilds notes and reports that a worker failed to save. It
// holds no per-task state and may be shared between tasks.
type Extractor struct {
	minLength int
	now       func() time.Time
	logger    *zap.Logger
}

// New returns an extractor. A minLength <= 0 selects DefaultMinLength.
func New(minLength int, logger *zap.Logger) *Extractor {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	return &Extractor{minLength: minLength, now: time.Now, logger: logger}
}

// FromTranscript picks the longest output that is long enough and looks like
// notes or a report. Later outputs win ties.
func (e *Extractor) FromTranscript(outputs []string, kind Kind) (string, bool) {
	best, bestLen := "", 0
	for _, out := range outputs {
		text := strings.TrimSpace(out)
		n := utf8.RuneCountInString(text)
		if n <= e.minLength || n < bestLen || isEcho(text) || !looksLike(text, kind) {
			continue
		}
		best, bestLen = text, n
	}
	return best, bestLen > 0
}

func isEcho(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range echoPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func looksLike(text string, kind Kind) bool {
	if strings.HasPrefix(text, "#") || strings.Contains(text, "##") {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords[kind] {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// RecoverNotes runs the transcript level for a notes artifact. LevelNone
// means nothing plausible was found and the artifact stays missing.
func (e *Extractor) RecoverNotes(ws Store, name string, outputs []string) Outcome {
	text, ok := e.FromTranscript(outputs, KindNotes)
	if !ok {
		e.logger.Warn("no plausible notes in transcript",
			zap.String("task", ws.TaskID()), zap.String("artifact", name), zap.Int("outputs", len(outputs)))
		return Outcome{}
	}
	path, err := ws.Write(workspace.Notes, name, text,
		workspace.Metadata{"source": workspace.SourceTranscriptExtraction})
	if err != nil {
		return Outcome{Err: fmt.Errorf("persist extracted notes: %w", err)}
	}
	e.logger.Info("notes recovered from transcript",
		zap.String("task", ws.TaskID()), zap.String("path", path))
	return Outcome{Level: LevelTranscript, Path: path, Content: text}
}

// RecoverReport runs the full cascade for the report artifact and always
// returns non-empty content.
func (e *Extractor) RecoverReport(ws Store, name, query string, outputs []string) Outcome {
	if text, ok := e.FromTranscript(outputs, KindReport); ok {
		out := e.persistReport(ws, name, text, LevelTranscript,
			workspace.Metadata{"source": workspace.SourceTranscriptExtraction})
		if out.Err == nil {
			return out
		}
		e.logger.Warn("persist transcript report failed", zap.Error(out.Err))
	}

	if text, n := e.Synthesize(ws, query); n > 0 {
		return e.persistReport(ws, name, text, LevelSynthesis, workspace.Metadata{
			"source":          workspace.SourceFallbackSynthesis,
			"materials_count": strconv.Itoa(n),
		})
	}

	text := e.Placeholder(query, ws.TaskID())
	return e.persistReport(ws, name, text, LevelPlaceholder, workspace.Metadata{
		"source":          workspace.SourceFallbackSynthesis,
		"materials_count": "0",
	})
}

func (e *Extractor) persistReport(ws Store, name, text string, level Level, meta workspace.Metadata) Outcome {
	out := Outcome{Level: level, Content: text}
	path, err := ws.Write(workspace.Reports, name, text, meta)
	if err != nil {
		out.Err = fmt.Errorf("persist %s report: %w", level, err)
		return out
	}
	out.Path = path
	e.logger.Info("report recovered",
		zap.String("task", ws.TaskID()), zap.Stringer("level", level), zap.String("path", path))
	return out
}

// Synthesize concatenates every non-empty plan and notes artifact under a
// heading named after its file. It returns the text and how many artifacts
// went into it.
func (e *Extractor) Synthesize(ws Store, query string) (string, int) {
	var sections []string
	for _, sub := range []string{workspace.Plans, workspace.Notes} {
		paths, err := ws.List(sub)
		if err != nil {
			e.logger.Warn("list for synthesis failed", zap.String("subdir", sub), zap.Error(err))
			continue
		}
		for _, p := range paths {
			name := strings.TrimPrefix(p, sub+"/")
			content, err := ws.Read(sub, name)
			if err != nil || strings.TrimSpace(content) == "" {
				continue
			}
			sections = append(sections, fmt.Sprintf("## %s\n\n_Source: %s_\n\n%s",
				sectionTitle(name), p, demoteHeadings(strings.TrimSpace(content))))
		}
	}
	if len(sections) == 0 {
		return "", 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Research Report: %s\n\n", query)
	b.WriteString("> This report was assembled directly from the research materials because the writer did not produce one.\n\n")
	b.WriteString(strings.Join(sections, "\n\n"))
	fmt.Fprintf(&b, "\n\n---\n*Generated %s from %d source(s).*\n",
		e.now().UTC().Format(time.RFC3339), len(sections))
	return b.String(), len(sections)
}

// Placeholder is the last-resort report. It cannot fail.
func (e *Extractor) Placeholder(query, taskID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research Report: %s\n\n", query)
	b.WriteString("## Status\n\n")
	fmt.Fprintf(&b, "No research material could be located for the query \"%s\". ", query)
	b.WriteString("Neither the writer nor the earlier stages left usable notes in the workspace.\n\n")
	b.WriteString("## Suggested next steps\n\n")
	b.WriteString("1. Check the service logs for model or tool errors.\n")
	b.WriteString("2. Verify the model provider and search API configuration.\n")
	b.WriteString("3. Run the research again, optionally with web search or document analysis enabled.\n\n")
	fmt.Fprintf(&b, "---\n*Task %s, generated %s.*\n", taskID, e.now().UTC().Format(time.RFC3339))
	return b.String()
}

// sectionTitle builds its own Caser; a Caser keeps state and is not safe to
// share between goroutines.
func sectionTitle(name string) string {
	base := strings.TrimSuffix(name, pathExt(name))
	return cases.Title(language.English).String(strings.NewReplacer("_", " ", "-", " ").Replace(base))
}

func pathExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}

// demoteHeadings pushes top-level headings of an embedded artifact down one
// level so they nest under the section heading.
func demoteHeadings(text string) string {
	lines := strings.Split(text, "\n")
	fenced := false
	for i, l := range lines {
		if strings.HasPrefix(l, "```") {
			fenced = !fenced
		}
		if !fenced && strings.HasPrefix(l, "#") {
			lines[i] = "#" + l
		}
	}
	return strings.Join(lines, "\n")
}
