package research

import "github.com/nidhogg/deep-research/internal/workspace"

// Progress is what a task's workspace says about how far it got.
type Progress struct {
	TaskID   string `json:"task_id"`
	Plan     bool   `json:"plan"`
	WebNotes bool   `json:"web_research"`
	DocNotes bool   `json:"doc_analysis"`
	Report   bool   `json:"report"`
	Stage    Stage  `json:"stage"`
}

// Inspect derives a task's progress from the artifacts on disk. Stage is the
// furthest stage whose artifact exists.
func Inspect(ws *workspace.Workspace) Progress {
	p := Progress{
		TaskID:   ws.TaskID(),
		Plan:     ws.Exists(workspace.Plans, PlanFile),
		WebNotes: ws.Exists(workspace.Notes, WebNotesFile),
		DocNotes: ws.Exists(workspace.Notes, DocNotesFile),
		Report:   ws.Exists(workspace.Reports, FinalReportFile),
	}
	switch {
	case p.Report:
		p.Stage = StageDone
	case p.DocNotes:
		p.Stage = StageDocAnalysis
	case p.WebNotes:
		p.Stage = StageWebResearch
	case p.Plan:
		p.Stage = StagePlanning
	}
	return p
}
