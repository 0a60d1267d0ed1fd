package research

import (
	"context"
	"time"

	"github.com/nidhogg/deep-research/internal/recovery"
)

// Stage is one phase of the pipeline.
type Stage string

const (
	StagePlanning    Stage = "planning"
	StageWebResearch Stage = "web_research"
	StageDocAnalysis Stage = "doc_analysis"
	StageReport      Stage = "report"
	StageDone        Stage = "done"
)

// Result statuses. Failed is reserved for problems outside stage execution,
// such as an unwritable workspace.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Artifact names and locations.
const (
	PlanFile        = "research_plan.md"
	WebNotesFile    = "web_research.md"
	DocNotesFile    = "doc_analysis.md"
	FinalReportFile = "final_report.md"
)

// Capabilities fix the stage path for a controller.
type Capabilities struct {
	EnableWebSearch   bool `json:"enable_web_search"`
	EnableDocAnalysis bool `json:"enable_doc_analysis"`
}

// PathName is a short label for metrics, e.g. "web+doc".
func (c Capabilities) PathName() string {
	switch {
	case c.EnableWebSearch && c.EnableDocAnalysis:
		return "web+doc"
	case c.EnableWebSearch:
		return "web"
	case c.EnableDocAnalysis:
		return "doc"
	default:
		return "report_only"
	}
}

// ResearchTask is the mutable state of one run. Only the goroutine running
// the task touches it.
type ResearchTask struct {
	TaskID          string
	Query           string
	Plan            *Plan
	WebResearchDone bool
	DocAnalysisDone bool
	ReportDone      bool
	LastError       error
	FinalReport     string
	Recovered       map[Stage]recovery.Level
	Transcript      []string
}

func (t *ResearchTask) note(msg string) { t.Transcript = append(t.Transcript, msg) }

func (t *ResearchTask) fail(err error) {
	if err != nil {
		t.LastError = err
	}
}

// Result is returned by every research call.
type Result struct {
	Status         string            `json:"status"`
	Query          string            `json:"query"`
	TaskID         string            `json:"task_id"`
	FinalReport    string            `json:"final_report"`
	Plan           *Plan             `json:"plan,omitempty"`
	StepsCompleted map[string]bool   `json:"steps_completed"`
	Error          string            `json:"error,omitempty"`
	Recovered      map[string]string `json:"recovered,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	Duration       time.Duration     `json:"duration"`
}

// EventType classifies progress events.
type EventType string

const (
	EventStageStarted      EventType = "stage_started"
	EventStageCompleted    EventType = "stage_completed"
	EventStageFailed       EventType = "stage_failed"
	EventStageSkipped      EventType = "stage_skipped"
	EventArtifactRecovered EventType = "artifact_recovered"
	EventReportRevised     EventType = "report_revised"
	EventResearchFinished  EventType = "research_finished"
)

// Event is a progress notification for one task.
type Event struct {
	TaskID    string    `json:"task_id"`
	Stage     Stage     `json:"stage"`
	Type      EventType `json:"type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives progress events. Errors are logged, never fatal.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// EventFunc adapts a function to EventSink.
type EventFunc func(ctx context.Context, ev Event) error

func (f EventFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

type sinkKey struct{}

// WithEventSink binds a sink that receives the events of runs started with
// ctx, in addition to the controller's own sink.
func WithEventSink(ctx context.Context, sink EventSink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// EventSinkFrom returns the sink bound by WithEventSink, or nil.
func EventSinkFrom(ctx context.Context) EventSink {
	sink, _ := ctx.Value(sinkKey{}).(EventSink)
	return sink
}

// LineageRecorder records which stage produced which artifact.
type LineageRecorder interface {
	RecordArtifact(ctx context.Context, taskID, query string, stage Stage, path, source string) error
}
