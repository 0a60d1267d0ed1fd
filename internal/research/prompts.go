package research

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/deep-research/internal/workspace"
)

const writerGuidelines = `- Lead with the answer, then support it.
- Cite sources inline as [title](url) or [document#chunk] and list references at the end.
- Prefer concrete data, dates and names over generalities.
- Use headings, short paragraphs and bullet lists; use tables for comparisons.
- For technical topics include at least one runnable example in a fenced code block.`

func planningPrompt(query string) string {
	return fmt.Sprintf(`You are planning a research task. Analyse the question and reply with a single JSON object:

{
  "research_goal": "one sentence describing what the research must establish",
  "key_questions": ["question 1", "question 2", "..."],
  "search_keywords": ["keyword 1", "keyword 2", "..."],
  "expected_outcomes": ["outcome 1", "..."]
}

Give 3 to 6 key questions and 3 to 8 search keywords. Reply with the JSON only.

Research question: %s`, query)
}

func planJSON(p *Plan) string {
	if p == nil {
		return "{}"
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func target(subdir, name, taskID string) string {
	return fmt.Sprintf("Save the result with write_research_file using filename %q, subdirectory %q and thread_id %q.",
		name, subdir, taskID)
}

func webResearchInstruction(t *ResearchTask) string {
	return fmt.Sprintf(`Research the following question on the web.

Research question: %s

Research plan:
%s

Requirements:
1. Use web_search for each key question; run several searches with different keywords.
2. Judge the credibility and relevance of each source.
3. Extract key facts, figures and quotes.
4. Organise them as research notes mixing bullet points and paragraphs, adapted to the source type (official docs, papers, standards, news, blogs).
5. Cite inline and list all sources at the end.
6. %s

Writing guidelines:
%s

thread_id: %s`, t.Query, planJSON(t.Plan), target(workspace.Notes, WebNotesFile, t.TaskID), writerGuidelines, t.TaskID)
}

func docAnalysisInstruction(t *ResearchTask) string {
	return fmt.Sprintf(`Analyse the local document collection for the following question.

Research question: %s

Research plan:
%s

Requirements:
1. Use knowledge_base to retrieve relevant passages for each key question.
2. Assess how relevant each document is.
3. Quote key passages and data directly, citing the document.
4. Summarise what the documents establish and where they disagree.
5. %s

thread_id: %s`, t.Query, planJSON(t.Plan), target(workspace.Notes, DocNotesFile, t.TaskID), t.TaskID)
}

func reportInstruction(t *ResearchTask, notes []string) string {
	available := "none were found; rely on the plan and state the gaps clearly"
	if len(notes) > 0 {
		available = strings.Join(notes, ", ")
	}
	return fmt.Sprintf(`Write the final research report.

Research question: %s

Research plan:
%s

Steps:
1. Use list_research_files (thread_id: %s) to list the research notes and read each one. Available notes: %s.
2. Use search_research_files to look up specific facts when needed.
3. Write a complete markdown report with: executive summary, research background, main findings, analysis, conclusions and recommendations, references.
4. Keep the inline citations from the notes.
5. %s

Writing guidelines:
%s

thread_id: %s`, t.Query, planJSON(t.Plan), t.TaskID, available, target(workspace.Reports, FinalReportFile, t.TaskID), writerGuidelines, t.TaskID)
}

func revisionPrompt(draft string, issues []string) string {
	return fmt.Sprintf(`Revise the research report below. Keep its structure and citations, fix these problems:
%s

Add concrete examples or code snippets where they help, and raise the information density.
Reply with the full revised report in markdown only.

Writing guidelines:
%s

Report:
%s`, "- "+strings.Join(issues, "\n- "), writerGuidelines, draft)
}
