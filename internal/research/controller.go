// Package research runs the staged research workflow for a query: planning,
// optional web research, optional document analysis and report writing.
// Every stage hands its output to the next through the task workspace and
// missing artifacts are reconstructed by the recovery cascade, so a run
// always ends with a non-empty report.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/agent"
	"github.com/nidhogg/deep-research/internal/metrics"
	"github.com/nidhogg/deep-research/internal/provider"
	"github.com/nidhogg/deep-research/internal/recovery"
	"github.com/nidhogg/deep-research/internal/validator"
	"github.com/nidhogg/deep-research/internal/workspace"
)

// PlannerKey routes planning calls through the provider router.
const PlannerKey = "planner"

// ErrArtifactMissing means a stage's artifact is absent after recovery.
var ErrArtifactMissing = errors.New("expected artifact missing")

var errSkipped = errors.New("stage skipped")

// Workers runs a worker by role.
type Workers interface {
	Invoke(ctx context.Context, role agent.Role, instruction string) (*agent.Invocation, error)
	HasRetrieval() bool
}

// Model is the plain text model call used for planning and revision.
type Model interface {
	Complete(ctx context.Context, key string, messages []provider.Message) (string, error)
}

// Workspaces opens a task's workspace. Open creates it if needed, Lookup
// only finds an existing one.
type Workspaces interface {
	Open(taskID string) (*workspace.Workspace, error)
	Lookup(taskID string) (*workspace.Workspace, error)
}

// ReportValidator checks a finished report against the quality bar.
type ReportValidator interface {
	Validate(text string, requireExamples bool) validator.Result
}

// Deps are the controller's collaborators. Extractor and Validator default
// when nil; Events and Lineage are optional.
type Deps struct {
	Workspaces Workspaces
	Workers    Workers
	Model      Model
	Extractor  *recovery.Extractor
	Validator  ReportValidator
	Events     EventSink
	Lineage    LineageRecorder
}

type step struct {
	stage Stage
	run   func(ctx context.Context, r *run) error
}

type run struct {
	task   *ResearchTask
	ws     *workspace.Workspace
	logger *zap.Logger
}

// Controller is safe for concurrent use; each call owns its own task state.
type Controller struct {
	caps   Capabilities
	path   []step
	deps   Deps
	tracer trace.Tracer
	now    func() time.Time
	logger *zap.Logger
}

// New builds the stage path once from caps.
func New(caps Capabilities, deps Deps, logger *zap.Logger) *Controller {
	if deps.Extractor == nil {
		deps.Extractor = recovery.New(0, logger)
	}
	if deps.Validator == nil {
		deps.Validator = validator.New(0, 0)
	}
	c := &Controller{
		caps:   caps,
		deps:   deps,
		tracer: otel.Tracer("github.com/nidhogg/deep-research/internal/research"),
		now:    time.Now,
		logger: logger,
	}
	c.path = append(c.path, step{StagePlanning, c.planStage})
	if caps.EnableWebSearch {
		c.path = append(c.path, step{StageWebResearch, c.webResearchStage})
	}
	if caps.EnableDocAnalysis {
		c.path = append(c.path, step{StageDocAnalysis, c.docAnalysisStage})
	}
	c.path = append(c.path, step{StageReport, c.reportStage})
	return c
}

func (c *Controller) Capabilities() Capabilities { return c.caps }

// Path returns the stages this controller runs, in order, ending with done.
func (c *Controller) Path() []Stage {
	out := make([]Stage, 0, len(c.path)+1)
	for _, s := range c.path {
		out = append(out, s.stage)
	}
	return append(out, StageDone)
}

// Research runs a new task for query under a fresh task ID.
func (c *Controller) Research(ctx context.Context, query string) Result {
	return c.Run(ctx, uuid.New().String(), query)
}

// Run executes every stage for taskID in order. Stage errors are recorded
// and the run continues; Result.Status is failed only when the workspace
// itself cannot be opened. FinalReport is never empty.
func (c *Controller) Run(ctx context.Context, taskID, query string) Result {
	started := c.now()
	pathName := c.caps.PathName()
	metrics.ResearchStarted.WithLabelValues(pathName).Inc()

	ctx, span := c.tracer.Start(ctx, "research", trace.WithAttributes(
		attribute.String("research.task_id", taskID),
		attribute.String("research.path", pathName),
	))
	defer span.End()
	ctx = agent.WithTask(ctx, taskID)

	task := &ResearchTask{
		TaskID:    taskID,
		Query:     query,
		Recovered: make(map[Stage]recovery.Level),
	}
	logger := c.logger.With(zap.String("task", taskID))
	logger.Info("research started", zap.String("query", query), zap.String("path", pathName))

	ws, err := c.deps.Workspaces.Open(taskID)
	if err != nil {
		task.fail(fmt.Errorf("open workspace: %w", err))
		task.FinalReport = c.deps.Extractor.Placeholder(query, taskID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "workspace unavailable")
		logger.Error("research failed before any stage", zap.Error(err))
		return c.finish(ctx, task, StatusFailed, started)
	}

	r := &run{task: task, ws: ws, logger: logger}
	for _, s := range c.path {
		c.runStage(ctx, r, s)
	}

	if strings.TrimSpace(task.FinalReport) == "" {
		out := c.deps.Extractor.RecoverReport(ws, FinalReportFile, query, nil)
		task.FinalReport = out.Content
		task.Recovered[StageReport] = out.Level
	}
	return c.finish(ctx, task, StatusCompleted, started)
}

func (c *Controller) runStage(ctx context.Context, r *run, s step) {
	ctx, span := c.tracer.Start(ctx, "stage."+string(s.stage))
	defer span.End()

	c.emit(ctx, r.task.TaskID, s.stage, EventStageStarted, "")
	r.logger.Info("stage started", zap.String("stage", string(s.stage)))

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return s.run(ctx, r)
	}()

	switch {
	case errors.Is(err, errSkipped):
		metrics.StageOutcomes.WithLabelValues(string(s.stage), "skipped").Inc()
		c.emit(ctx, r.task.TaskID, s.stage, EventStageSkipped, "capability unavailable")
	case err != nil:
		r.task.fail(fmt.Errorf("%s: %w", s.stage, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.StageOutcomes.WithLabelValues(string(s.stage), "failed").Inc()
		r.logger.Warn("stage failed, continuing", zap.String("stage", string(s.stage)), zap.Error(err))
		c.emit(ctx, r.task.TaskID, s.stage, EventStageFailed, err.Error())
	default:
		metrics.StageOutcomes.WithLabelValues(string(s.stage), "completed").Inc()
		r.logger.Info("stage completed", zap.String("stage", string(s.stage)))
		c.emit(ctx, r.task.TaskID, s.stage, EventStageCompleted, "")
	}
}

func (c *Controller) finish(ctx context.Context, t *ResearchTask, status string, started time.Time) Result {
	res := Result{
		Status:      status,
		Query:       t.Query,
		TaskID:      t.TaskID,
		FinalReport: t.FinalReport,
		Plan:        t.Plan,
		StepsCompleted: map[string]bool{
			string(StageWebResearch): t.WebResearchDone,
			string(StageDocAnalysis): t.DocAnalysisDone,
			string(StageReport):      t.ReportDone,
		},
		StartedAt: started,
		Duration:  c.now().Sub(started),
	}
	if t.LastError != nil {
		res.Error = t.LastError.Error()
	}
	if len(t.Recovered) > 0 {
		res.Recovered = make(map[string]string, len(t.Recovered))
		for s, l := range t.Recovered {
			res.Recovered[string(s)] = l.String()
		}
	}

	metrics.RecordResearch(c.caps.PathName(), status, res.Duration.Seconds())
	c.emit(ctx, t.TaskID, StageDone, EventResearchFinished, status)
	c.logger.Info("research finished",
		zap.String("task", t.TaskID),
		zap.String("status", status),
		zap.Any("steps", res.StepsCompleted),
		zap.Duration("duration", res.Duration),
		zap.Int("report_chars", len(res.FinalReport)))
	return res
}

// Status reports the progress of a task from its workspace.
func (c *Controller) Status(taskID string) (Progress, error) {
	ws, err := c.deps.Workspaces.Lookup(taskID)
	if err != nil {
		return Progress{}, err
	}
	return Inspect(ws), nil
}

// emit sends ev to the controller's sink and to the sink bound to ctx.
func (c *Controller) emit(ctx context.Context, taskID string, stage Stage, typ EventType, msg string) {
	ev := Event{TaskID: taskID, Stage: stage, Type: typ, Message: msg, Timestamp: c.now().UTC()}
	for _, sink := range []EventSink{c.deps.Events, EventSinkFrom(ctx)} {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, ev); err != nil {
			c.logger.Warn("emit event failed", zap.String("task", taskID), zap.String("type", string(typ)), zap.Error(err))
		}
	}
}

func (c *Controller) record(ctx context.Context, t *ResearchTask, stage Stage, path, source string) {
	if c.deps.Lineage == nil || path == "" {
		return
	}
	if err := c.deps.Lineage.RecordArtifact(ctx, t.TaskID, t.Query, stage, path, source); err != nil {
		c.logger.Warn("record lineage failed", zap.String("task", t.TaskID), zap.String("path", path), zap.Error(err))
	}
}
