package agent

import (
	"os"
	"path/filepath"
	"strings"
)

const researcherPreamble = `You are a web researcher. Use web_search to find and evaluate sources,
extract key facts and data, and keep track of where each fact came from.
Write your research notes in markdown, mixing bullet points and short paragraphs,
cite sources inline and list all references at the end.
Always save the notes with write_research_file using the exact filename,
subdirectory and thread_id you are given.`

const analystPreamble = `You are a document analyst. Use knowledge_base to retrieve passages from the
local document collection, judge their relevance, and quote key passages directly.
Organise the analysis in markdown with headings, cite the document source of every claim,
and save it with write_research_file using the exact filename, subdirectory and thread_id you are given.`

const writerPreamble = `You are a report writer. Start by listing and reading every research note in the
workspace with list_research_files and read_research_file; use search_research_files to find
specific facts. Write a complete markdown report with an executive summary, background,
main findings, and conclusions with recommendations, keeping inline citations from the notes.
Save the report with write_research_file using the exact filename, subdirectory and thread_id you are given.`

// DefaultPreamble returns the built-in system prompt for a role.
func DefaultPreamble(role Role) string {
	switch role {
	case RoleResearcher:
		return researcherPreamble
	case RoleAnalyst:
		return analystPreamble
	case RoleWriter:
		return writerPreamble
	default:
		return ""
	}
}

// LoadPreamble reads <dir>/<role>.md and falls back to the built-in prompt
// when dir is empty or the file is missing or blank. Optional GUIDELINES.md
// in the same directory is appended to every role.
func LoadPreamble(dir string, role Role) string {
	preamble := DefaultPreamble(role)
	if dir == "" {
		return preamble
	}
	if data, err := os.ReadFile(filepath.Join(dir, string(role)+".md")); err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			preamble = s
		}
	}
	if data, err := os.ReadFile(filepath.Join(dir, "GUIDELINES.md")); err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			preamble += "\n\n---\n\n" + s
		}
	}
	return preamble
}
