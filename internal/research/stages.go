package research

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/agent"
	"github.com/nidhogg/deep-research/internal/metrics"
	"github.com/nidhogg/deep-research/internal/provider"
	"github.com/nidhogg/deep-research/internal/recovery"
	"github.com/nidhogg/deep-research/internal/validator"
	"github.com/nidhogg/deep-research/internal/workspace"
)

// planStage asks the planner for a JSON plan and falls back to a minimal
// plan when the reply is unusable. The plan is always persisted.
func (c *Controller) planStage(ctx context.Context, r *run) error {
	t := r.task
	raw, callErr := c.deps.Model.Complete(ctx, PlannerKey, []provider.Message{
		{Role: provider.RoleUser, Content: planningPrompt(t.Query)},
	})
	if callErr != nil {
		raw = ""
	}

	plan, parsed := ParsePlan(raw, t.Query)
	source := workspace.SourceWorkerOutput
	if !parsed {
		source = workspace.SourceFallbackSynthesis
		metrics.PlanFallbacks.Inc()
		r.logger.Warn("planner reply unusable, using fallback plan", zap.Int("reply_chars", len(raw)))
	}
	t.Plan = &plan
	t.note(fmt.Sprintf("plan: %d key questions, %d keywords", len(plan.KeyQuestions), len(plan.SearchKeywords)))

	path, err := r.ws.Write(workspace.Plans, PlanFile, plan.Markdown(t.Query, c.now()), workspace.Metadata{
		"source": source,
		"parsed": strconv.FormatBool(parsed),
	})
	if err == nil {
		c.record(ctx, t, StagePlanning, path, source)
	}
	if callErr != nil {
		return errors.Join(fmt.Errorf("planner: %w", callErr), err)
	}
	return err
}

func (c *Controller) webResearchStage(ctx context.Context, r *run) error {
	done, err := c.notesStage(ctx, r, StageWebResearch, agent.RoleResearcher, WebNotesFile, webResearchInstruction(r.task))
	r.task.WebResearchDone = done
	return err
}

func (c *Controller) docAnalysisStage(ctx context.Context, r *run) error {
	if !c.deps.Workers.HasRetrieval() {
		r.logger.Warn("document analysis enabled but no retriever is configured")
		r.task.note("doc_analysis skipped: missing knowledge base")
		return errSkipped
	}
	done, err := c.notesStage(ctx, r, StageDocAnalysis, agent.RoleAnalyst, DocNotesFile, docAnalysisInstruction(r.task))
	r.task.DocAnalysisDone = done
	return err
}

// notesStage invokes a worker that should save a notes artifact and runs the
// transcript level of recovery when it did not. The stage counts as done
// only if the worker succeeded and the artifact exists afterwards.
func (c *Controller) notesStage(ctx context.Context, r *run, stage Stage, role agent.Role, name, instruction string) (bool, error) {
	inv, err := c.deps.Workers.Invoke(ctx, role, instruction)
	if err != nil {
		r.logger.Warn("worker failed", zap.String("role", string(role)), zap.Error(err))
	}

	if r.ws.Exists(workspace.Notes, name) {
		c.record(ctx, r.task, stage, workspace.Notes+"/"+name, workspace.SourceWorkerOutput)
		return err == nil, err
	}

	out := c.deps.Extractor.RecoverNotes(r.ws, name, outputsOf(inv))
	if out.Level == recovery.LevelNone {
		return false, errors.Join(err, out.Err, fmt.Errorf("%s/%s: %w", workspace.Notes, name, ErrArtifactMissing))
	}
	c.recovered(ctx, r, stage, out)
	return err == nil, err
}

// reportStage invokes the writer, recovers the report through the full
// cascade if needed, then gives it one validation pass.
func (c *Controller) reportStage(ctx context.Context, r *run) error {
	t := r.task
	notes, lerr := r.ws.List(workspace.Notes)
	if lerr != nil {
		r.logger.Warn("list notes failed", zap.Error(lerr))
	}

	inv, err := c.deps.Workers.Invoke(ctx, agent.RoleWriter, reportInstruction(t, notes))
	if err != nil {
		r.logger.Warn("writer failed", zap.Error(err))
	}

	var report string
	if r.ws.Exists(workspace.Reports, FinalReportFile) {
		if text, rerr := r.ws.Read(workspace.Reports, FinalReportFile); rerr == nil && strings.TrimSpace(text) != "" {
			report = text
			c.record(ctx, t, StageReport, workspace.Reports+"/"+FinalReportFile, workspace.SourceWorkerOutput)
		}
	}
	if report == "" {
		out := c.deps.Extractor.RecoverReport(r.ws, FinalReportFile, t.Query, outputsOf(inv))
		report = out.Content
		c.recovered(ctx, r, StageReport, out)
		if out.Err != nil {
			r.logger.Warn("recovered report not persisted", zap.Error(out.Err))
		}
	}

	t.FinalReport = c.review(ctx, r, report)
	t.ReportDone = err == nil
	return err
}

// review validates the report and asks for a single revision when it falls
// short. A failed revision keeps the original.
func (c *Controller) review(ctx context.Context, r *run, report string) string {
	requireExamples := validator.IsTechnical(r.task.Query)
	res := c.deps.Validator.Validate(report, requireExamples)
	if res.OK {
		return report
	}
	r.logger.Info("report below quality bar, requesting revision", zap.Strings("issues", res.Issues))

	revised, err := c.deps.Model.Complete(ctx, string(agent.RoleWriter), []provider.Message{
		{Role: provider.RoleUser, Content: revisionPrompt(report, res.Issues)},
	})
	revised = strings.TrimSpace(revised)
	if err != nil || revised == "" {
		metrics.Revisions.WithLabelValues("error").Inc()
		r.logger.Warn("revision failed, keeping original report", zap.Error(err))
		r.task.note("revision failed")
		return report
	}

	path, werr := r.ws.Write(workspace.Reports, FinalReportFile, revised, workspace.Metadata{
		"source": workspace.SourceRevision,
		"issues": strconv.Itoa(len(res.Issues)),
	})
	if werr != nil {
		r.logger.Warn("persist revised report failed", zap.Error(werr))
	} else {
		c.record(ctx, r.task, StageReport, path, workspace.SourceRevision)
	}

	// the revision is final; it is not validated again
	metrics.Revisions.WithLabelValues("revised").Inc()
	c.emit(ctx, r.task.TaskID, StageReport, EventReportRevised, strings.Join(res.Issues, "; "))
	return revised
}

func (c *Controller) recovered(ctx context.Context, r *run, stage Stage, out recovery.Outcome) {
	r.task.Recovered[stage] = out.Level
	r.task.note(fmt.Sprintf("%s recovered at level %s", stage, out.Level))
	metrics.Recoveries.WithLabelValues(string(stage), out.Level.String()).Inc()
	c.emit(ctx, r.task.TaskID, stage, EventArtifactRecovered, out.Level.String())
	source := workspace.SourceTranscriptExtraction
	if out.Level != recovery.LevelTranscript {
		source = workspace.SourceFallbackSynthesis
	}
	c.record(ctx, r.task, stage, out.Path, source)
}

func outputsOf(inv *agent.Invocation) []string {
	if inv == nil {
		return nil
	}
	return inv.RawOutputs
}
