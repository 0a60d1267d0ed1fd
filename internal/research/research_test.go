package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/deep-research/internal/agent"
	"github.com/nidhogg/deep-research/internal/provider"
	"github.com/nidhogg/deep-research/internal/validator"
	"github.com/nidhogg/deep-research/internal/workspace"
)

type behaviour int

const (
	writesFile behaviour = iota
	transcriptOnly
	fails
	silent
	panics
)

var (
	webNotes = "# Web Research Notes\n\n## Key findings\n\n" + strings.Repeat("Tea ceremonies spread along trade routes. ", 8) + "\n\n## Sources\n\n- [History](https://example.org)\n"
	docNotes = "# Document Analysis\n\n## Key points\n\n" + strings.Repeat("The archive letters describe ritual details. ", 8) + "\n"
	report   = "# Research Report\n\n## Executive Summary\n\n" + strings.Repeat("The ceremony evolved over centuries. ", 10) + "\n\n## Conclusion\n\nIt endures.\n"
)

type fakeWorkers struct {
	reg       *workspace.Registry
	retrieval bool
	behave    map[agent.Role]behaviour
	texts     map[agent.Role]string

	mu    sync.Mutex
	calls []agent.Role
}

func (f *fakeWorkers) HasRetrieval() bool { return f.retrieval }

func (f *fakeWorkers) Invoke(ctx context.Context, role agent.Role, instruction string) (*agent.Invocation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, role)
	f.mu.Unlock()

	sub, name, text := workspace.Notes, WebNotesFile, webNotes
	switch role {
	case agent.RoleAnalyst:
		name, text = DocNotesFile, docNotes
	case agent.RoleWriter:
		sub, name, text = workspace.Reports, FinalReportFile, report
	}
	if override, ok := f.texts[role]; ok {
		text = override
	}

	inv := &agent.Invocation{Role: role}
	switch f.behave[role] {
	case writesFile:
		taskID, _ := agent.TaskFrom(ctx)
		ws, err := f.reg.Lookup(taskID)
		if err != nil {
			return inv, err
		}
		if _, err := ws.Write(sub, name, text, workspace.Metadata{"source": workspace.SourceWorkerOutput}); err != nil {
			return inv, err
		}
		inv.RawOutputs = []string{"Saved the file."}
	case transcriptOnly:
		inv.RawOutputs = []string{"Searching the web now", text, "done"}
	case fails:
		inv.RawOutputs = []string{"partial"}
		return inv, errors.New("model unavailable")
	case panics:
		panic("worker blew up")
	}
	return inv, nil
}

func (f *fakeWorkers) count(role agent.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.calls {
		if r == role {
			n++
		}
	}
	return n
}

type fakeModel struct {
	plan      string
	planErr   error
	revision  string
	reviseErr error

	mu   sync.Mutex
	keys []string
}

func (m *fakeModel) Complete(_ context.Context, key string, _ []provider.Message) (string, error) {
	m.mu.Lock()
	m.keys = append(m.keys, key)
	m.mu.Unlock()
	if key == PlannerKey {
		return m.plan, m.planErr
	}
	return m.revision, m.reviseErr
}

func (m *fakeModel) calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.keys {
		if k == key {
			n++
		}
	}
	return n
}

type lineageEntry struct {
	stage  Stage
	path   string
	source string
}

type fakeLineage struct {
	mu      sync.Mutex
	entries []lineageEntry
}

func (l *fakeLineage) RecordArtifact(_ context.Context, _, _ string, stage Stage, path, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, lineageEntry{stage, path, source})
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) sink() EventSink {
	return EventFunc(func(_ context.Context, ev Event) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.events = append(e.events, ev)
		return nil
	})
}

func (e *eventLog) has(stage Stage, typ EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Stage == stage && ev.Type == typ {
			return true
		}
	}
	return false
}

const goodPlan = `Here is the plan:
{"research_goal": "Trace the history of tea ceremonies",
 "key_questions": ["Where did it start?", "How did it spread?"],
 "search_keywords": ["tea ceremony", "chado"],
 "expected_outcomes": ["timeline"]}`

type fixture struct {
	reg     *workspace.Registry
	workers *fakeWorkers
	model   *fakeModel
	lineage *fakeLineage
	events  *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := workspace.NewRegistryFs(afero.NewMemMapFs(), "/ws", zap.NewNop())
	return &fixture{
		reg:     reg,
		workers: &fakeWorkers{reg: reg, retrieval: true, behave: map[agent.Role]behaviour{}, texts: map[agent.Role]string{}},
		model:   &fakeModel{plan: goodPlan, revision: report},
		lineage: &fakeLineage{},
		events:  &eventLog{},
	}
}

func (f *fixture) controller(caps Capabilities) *Controller {
	return New(caps, Deps{
		Workspaces: f.reg,
		Workers:    f.workers,
		Model:      f.model,
		Events:     f.events.sink(),
		Lineage:    f.lineage,
	}, zap.NewNop())
}

func TestControllerPath(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []Stage{StagePlanning, StageReport, StageDone}, f.controller(Capabilities{}).Path())
	assert.Equal(t,
		[]Stage{StagePlanning, StageWebResearch, StageDocAnalysis, StageReport, StageDone},
		f.controller(Capabilities{EnableWebSearch: true, EnableDocAnalysis: true}).Path())
}

func TestResearchEveryPathProducesReport(t *testing.T) {
	for _, caps := range []Capabilities{
		{},
		{EnableWebSearch: true},
		{EnableDocAnalysis: true},
		{EnableWebSearch: true, EnableDocAnalysis: true},
	} {
		t.Run(caps.PathName(), func(t *testing.T) {
			f := newFixture(t)
			res := f.controller(caps).Research(context.Background(), "history of tea ceremonies")

			assert.Equal(t, StatusCompleted, res.Status)
			assert.Empty(t, res.Error)
			assert.Equal(t, report, res.FinalReport)
			assert.Equal(t, map[string]bool{
				"web_research": caps.EnableWebSearch,
				"doc_analysis": caps.EnableDocAnalysis,
				"report":       true,
			}, res.StepsCompleted)
			require.NotNil(t, res.Plan)
			assert.Equal(t, "Trace the history of tea ceremonies", res.Plan.ResearchGoal)

			ws, err := f.reg.Lookup(res.TaskID)
			require.NoError(t, err)
			assert.True(t, ws.Exists(workspace.Plans, PlanFile))
			assert.Equal(t, caps.EnableWebSearch, ws.Exists(workspace.Notes, WebNotesFile))
			assert.Equal(t, caps.EnableDocAnalysis, ws.Exists(workspace.Notes, DocNotesFile))
			assert.True(t, f.events.has(StageDone, EventResearchFinished))
		})
	}
}

func TestResearchRecoversReportFromTranscript(t *testing.T) {
	f := newFixture(t)
	text := "# Tea Report\n\n## Summary\n\n" + strings.Repeat("t", 300)
	f.workers.behave[agent.RoleWriter] = transcriptOnly
	f.workers.texts[agent.RoleWriter] = text

	res := f.controller(Capabilities{}).Research(context.Background(), "history of tea ceremonies")
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, text, res.FinalReport)
	assert.Equal(t, "transcript", res.Recovered["report"])
	assert.True(t, res.StepsCompleted["report"])

	ws, err := f.reg.Lookup(res.TaskID)
	require.NoError(t, err)
	info, err := ws.Info(workspace.Reports, FinalReportFile)
	require.NoError(t, err)
	require.NotNil(t, info.Meta)
	assert.Equal(t, workspace.SourceTranscriptExtraction, info.Meta.Source)
	assert.True(t, f.events.has(StageReport, EventArtifactRecovered))
}

func TestResearchRecoversNotesFromTranscript(t *testing.T) {
	f := newFixture(t)
	f.workers.behave[agent.RoleResearcher] = transcriptOnly
	res := f.controller(Capabilities{EnableWebSearch: true}).Research(context.Background(), "history of tea ceremonies")

	assert.True(t, res.StepsCompleted["web_research"])
	assert.Equal(t, "transcript", res.Recovered["web_research"])
	ws, err := f.reg.Lookup(res.TaskID)
	require.NoError(t, err)
	got, err := ws.Read(workspace.Notes, WebNotesFile)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(webNotes), got)
}

func TestResearchSynthesizesReportFromNotes(t *testing.T) {
	f := newFixture(t)
	f.workers.behave[agent.RoleWriter] = silent
	res := f.controller(Capabilities{EnableWebSearch: true}).Research(context.Background(), "history of tea ceremonies")

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "synthesis", res.Recovered["report"])
	assert.Contains(t, res.FinalReport, "Tea ceremonies spread along trade routes.")
	assert.Contains(t, res.FinalReport, "history of tea ceremonies")
	assert.True(t, res.StepsCompleted["report"])
}

func TestResearchSurvivesEveryFailure(t *testing.T) {
	f := newFixture(t)
	f.model.plan, f.model.planErr = "", errors.New("planner offline")
	f.model.reviseErr = errors.New("writer offline")
	for _, r := range []agent.Role{agent.RoleResearcher, agent.RoleAnalyst, agent.RoleWriter} {
		f.workers.behave[r] = fails
	}
	res := f.controller(Capabilities{EnableWebSearch: true, EnableDocAnalysis: true}).
		Research(context.Background(), "history of tea ceremonies")

	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Contains(t, res.FinalReport, "history of tea ceremonies")
	assert.Equal(t, map[string]bool{"web_research": false, "doc_analysis": false, "report": false}, res.StepsCompleted)
	require.NotNil(t, res.Plan)
	assert.Equal(t, FallbackPlan("history of tea ceremonies"), *res.Plan)
	assert.True(t, f.events.has(StageWebResearch, EventStageFailed))
}

func TestResearchMissingNotesIsReported(t *testing.T) {
	f := newFixture(t)
	f.workers.behave[agent.RoleResearcher] = silent
	res := f.controller(Capabilities{EnableWebSearch: true}).Research(context.Background(), "history of tea ceremonies")

	assert.Equal(t, StatusCompleted, res.Status)
	assert.False(t, res.StepsCompleted["web_research"])
	assert.Contains(t, res.Error, ErrArtifactMissing.Error())
	assert.Equal(t, report, res.FinalReport)
}

func TestResearchRecoversFromWorkerPanic(t *testing.T) {
	f := newFixture(t)
	f.workers.behave[agent.RoleResearcher] = panics
	res := f.controller(Capabilities{EnableWebSearch: true}).Research(context.Background(), "history of tea ceremonies")

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Contains(t, res.Error, "worker blew up")
	assert.Equal(t, 1, f.workers.count(agent.RoleWriter))
	assert.Equal(t, report, res.FinalReport)
}

func TestResearchSkipsDocAnalysisWithoutRetriever(t *testing.T) {
	f := newFixture(t)
	f.workers.retrieval = false
	res := f.controller(Capabilities{EnableDocAnalysis: true}).Research(context.Background(), "history of tea ceremonies")

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Error)
	assert.False(t, res.StepsCompleted["doc_analysis"])
	assert.Zero(t, f.workers.count(agent.RoleAnalyst))
	assert.True(t, f.events.has(StageDocAnalysis, EventStageSkipped))
}

func TestResearchDocAnalysisWithRetriever(t *testing.T) {
	f := newFixture(t)
	res := f.controller(Capabilities{EnableDocAnalysis: true}).Research(context.Background(), "history of tea ceremonies")

	assert.True(t, res.StepsCompleted["doc_analysis"])
	assert.Equal(t, 1, f.workers.count(agent.RoleAnalyst))
	assert.Zero(t, f.workers.count(agent.RoleResearcher))
}

func TestResearchRevisesAtMostOnce(t *testing.T) {
	f := newFixture(t)
	// technical query without code in either draft keeps failing validation
	f.model.revision = "# Revised\n\n## Summary\n\nStill no snippet here.\n"
	res := f.controller(Capabilities{}).Research(context.Background(), "how do python generators work")

	assert.Equal(t, 1, f.model.calls(string(agent.RoleWriter)))
	assert.Equal(t, strings.TrimSpace(f.model.revision), res.FinalReport)
	assert.True(t, f.events.has(StageReport, EventReportRevised))

	ws, err := f.reg.Lookup(res.TaskID)
	require.NoError(t, err)
	info, err := ws.Info(workspace.Reports, FinalReportFile)
	require.NoError(t, err)
	assert.Equal(t, workspace.SourceRevision, info.Meta.Source)
}

type countingValidator struct {
	inner *validator.Validator
	calls atomic.Int32
}

func (v *countingValidator) Validate(text string, requireExamples bool) validator.Result {
	v.calls.Add(1)
	return v.inner.Validate(text, requireExamples)
}

func TestResearchValidatesReportOnce(t *testing.T) {
	f := newFixture(t)
	f.model.revision = "# Revised\n\n## Summary\n\nStill no snippet here.\n"
	v := &countingValidator{inner: validator.New(0, 0)}
	c := New(Capabilities{}, Deps{
		Workspaces: f.reg,
		Workers:    f.workers,
		Model:      f.model,
		Validator:  v,
	}, zap.NewNop())

	res := c.Research(context.Background(), "how do python generators work")
	assert.Equal(t, strings.TrimSpace(f.model.revision), res.FinalReport)
	assert.Equal(t, int32(1), v.calls.Load())
}

func TestResearchKeepsReportWhenRevisionFails(t *testing.T) {
	f := newFixture(t)
	f.model.reviseErr = errors.New("writer offline")
	res := f.controller(Capabilities{}).Research(context.Background(), "how do python generators work")

	assert.Equal(t, report, res.FinalReport)
	assert.Empty(t, res.Error)
	assert.True(t, res.StepsCompleted["report"])
}

func TestResearchNoRevisionForValidReport(t *testing.T) {
	f := newFixture(t)
	f.controller(Capabilities{}).Research(context.Background(), "history of tea ceremonies")
	assert.Zero(t, f.model.calls(string(agent.RoleWriter)))
}

func TestResearchWorkspaceFailure(t *testing.T) {
	f := newFixture(t)
	f.reg = workspace.NewRegistryFs(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/ws", zap.NewNop())
	res := f.controller(Capabilities{EnableWebSearch: true}).Research(context.Background(), "history of tea ceremonies")

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "open workspace")
	assert.Contains(t, res.FinalReport, "history of tea ceremonies")
	assert.Zero(t, f.workers.count(agent.RoleResearcher))
}

func TestResearchRecordsLineage(t *testing.T) {
	f := newFixture(t)
	f.controller(Capabilities{EnableWebSearch: true}).Research(context.Background(), "history of tea ceremonies")

	assert.ElementsMatch(t, []lineageEntry{
		{StagePlanning, "plans/" + PlanFile, workspace.SourceWorkerOutput},
		{StageWebResearch, "notes/" + WebNotesFile, workspace.SourceWorkerOutput},
		{StageReport, "reports/" + FinalReportFile, workspace.SourceWorkerOutput},
	}, f.lineage.entries)
}

func TestResearchConcurrentTasksAreIsolated(t *testing.T) {
	f := newFixture(t)
	c := f.controller(Capabilities{EnableWebSearch: true})

	const n = 8
	results := make([]Result, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			results[i] = c.Research(context.Background(), fmt.Sprintf("question %d about tea", i))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := map[string]bool{}
	for i, res := range results {
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, fmt.Sprintf("question %d about tea", i), res.Query)
		assert.False(t, seen[res.TaskID])
		seen[res.TaskID] = true

		ws, err := f.reg.Lookup(res.TaskID)
		require.NoError(t, err)
		plan, err := ws.Read(workspace.Plans, PlanFile)
		require.NoError(t, err)
		assert.Contains(t, plan, res.Query)
	}
	tasks, err := f.reg.Tasks()
	require.NoError(t, err)
	assert.Len(t, tasks, n)
}

func TestInspect(t *testing.T) {
	f := newFixture(t)
	f.workers.behave[agent.RoleWriter] = fails
	ws, err := f.reg.Open("t1")
	require.NoError(t, err)
	assert.Equal(t, Stage(""), Inspect(ws).Stage)

	f.controller(Capabilities{EnableWebSearch: true}).Run(context.Background(), "t1", "history of tea ceremonies")
	p := Inspect(ws)
	assert.True(t, p.Plan)
	assert.True(t, p.WebNotes)
	assert.False(t, p.DocNotes)
	assert.True(t, p.Report)
	assert.Equal(t, StageDone, p.Stage)
}

func TestResearchEmitsToContextSink(t *testing.T) {
	f := newFixture(t)
	var scoped eventLog
	ctx := WithEventSink(context.Background(), scoped.sink())
	f.controller(Capabilities{}).Run(ctx, "t1", "history of tea ceremonies")

	assert.True(t, scoped.has(StagePlanning, EventStageStarted))
	assert.True(t, scoped.has(StageDone, EventResearchFinished))
	assert.Len(t, scoped.events, len(f.events.events))
}

func TestControllerStatus(t *testing.T) {
	f := newFixture(t)
	c := f.controller(Capabilities{})
	_, err := c.Status("missing")
	assert.ErrorIs(t, err, workspace.ErrNotFound)

	c.Run(context.Background(), "t1", "history of tea ceremonies")
	p, err := c.Status("t1")
	require.NoError(t, err)
	assert.Equal(t, StageDone, p.Stage)
}
