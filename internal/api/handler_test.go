package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/lineage"
	"github.com/nidhogg/deep-research/internal/orchestrator"
	"github.com/nidhogg/deep-research/internal/research"
	"github.com/nidhogg/deep-research/internal/store"
	"github.com/nidhogg/deep-research/internal/workspace"
)

type fakeJobs struct {
	mu     sync.Mutex
	jobs   map[string]*orchestrator.Job
	closed bool
	seq    int
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: make(map[string]*orchestrator.Job)} }

func (f *fakeJobs) Submit(_ context.Context, req orchestrator.JobRequest) (*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, orchestrator.ErrSchedulerClosed
	}
	f.seq++
	j := &orchestrator.Job{
		ID:        "job-" + string(rune('0'+f.seq)),
		Query:     req.Query,
		Status:    orchestrator.JobPending,
		CreatedAt: time.Now(),
	}
	f.jobs[j.ID] = j
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) Get(id string) (*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, orchestrator.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) List() []orchestrator.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]orchestrator.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

type fakeResults struct {
	results map[string]*research.Result
}

func (f *fakeResults) GetResult(_ context.Context, id string) (*research.Result, error) {
	res, ok := f.results[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return res, nil
}

func (f *fakeResults) ListResults(context.Context, int, int) ([]store.Summary, error) {
	var out []store.Summary
	for _, r := range f.results {
		out = append(out, store.Summary{TaskID: r.TaskID, Query: r.Query, Status: r.Status})
	}
	return out, nil
}

type fakeHistory []research.Event

func (f fakeHistory) History(_ context.Context, taskID string) ([]research.Event, error) {
	var out []research.Event
	for _, ev := range f {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeLineage []lineage.Artifact

func (f fakeLineage) Artifacts(context.Context, string) ([]lineage.Artifact, error) { return f, nil }

// newTestHandler wires a Handler with in-memory deps and one populated workspace "t1".
func newTestHandler(t *testing.T, opts ...Option) (*fakeJobs, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	reg := workspace.NewRegistryFs(afero.NewMemMapFs(), "/ws", logger)
	ws, err := reg.Open("t1")
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	if _, err := ws.Write(workspace.Plans, research.PlanFile, "# Plan\nstudy raft consensus", workspace.Metadata{"source": "worker_output"}); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	if _, err := ws.Write(workspace.Notes, research.WebNotesFile, "Raft elects a leader.\nLogs replicate.", nil); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	jobs := newFakeJobs()
	h := NewHandler(jobs, reg, logger, opts...)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return jobs, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, ts := newTestHandler(t, WithCapabilities(research.Capabilities{EnableWebSearch: true}))

	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["path"] != "web" {
		t.Errorf("expected path web, got %v", body["path"])
	}
}

func TestSubmitResearch(t *testing.T) {
	jobs, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/research", map[string]string{"query": "How does Raft work?"})
	expectStatus(t, resp, http.StatusAccepted)
	if loc := resp.Header.Get("Location"); loc != "/api/research/job-1" {
		t.Errorf("unexpected Location %q", loc)
	}

	var job orchestrator.Job
	decodeJSON(t, resp, &job)
	if job.Query != "How does Raft work?" || job.Status != orchestrator.JobPending {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(jobs.List()) != 1 {
		t.Fatalf("expected 1 submitted job, got %d", len(jobs.List()))
	}
}

func TestSubmitResearchValidation(t *testing.T) {
	_, ts := newTestHandler(t)

	for name, body := range map[string]interface{}{
		"empty query":   map[string]string{"query": ""},
		"missing query": map[string]string{},
		"too short":     map[string]string{"query": "x"},
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, ts, "/api/research", body)
			expectStatus(t, resp, http.StatusBadRequest)
			resp.Body.Close()
		})
	}

	resp, err := http.Post(ts.URL+"/api/research", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestSubmitResearchClosed(t *testing.T) {
	jobs, ts := newTestHandler(t)
	jobs.closed = true

	resp := postJSON(t, ts, "/api/research", map[string]string{"query": "raft"})
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestSubmitResearchRateLimited(t *testing.T) {
	_, ts := newTestHandler(t, WithRateLimit(0.001, 1))

	resp := postJSON(t, ts, "/api/research", map[string]string{"query": "first query"})
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/research", map[string]string{"query": "second query"})
	expectStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()

	// reads are not limited
	resp = getJSON(t, ts, "/api/research")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestGetResearch(t *testing.T) {
	res := &research.Result{TaskID: "old", Query: "past query", Status: research.StatusCompleted, FinalReport: "# Report"}
	_, ts := newTestHandler(t, WithResults(&fakeResults{results: map[string]*research.Result{"old": res}}))

	resp := postJSON(t, ts, "/api/research", map[string]string{"query": "live query"})
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	t.Run("live job", func(t *testing.T) {
		resp := getJSON(t, ts, "/api/research/job-1")
		expectStatus(t, resp, http.StatusOK)
		var job orchestrator.Job
		decodeJSON(t, resp, &job)
		if job.Query != "live query" {
			t.Errorf("unexpected job %+v", job)
		}
	})

	t.Run("persisted result", func(t *testing.T) {
		resp := getJSON(t, ts, "/api/research/old")
		expectStatus(t, resp, http.StatusOK)
		var job orchestrator.Job
		decodeJSON(t, resp, &job)
		if job.Status != orchestrator.JobCompleted || job.Result == nil || job.Result.FinalReport != "# Report" {
			t.Errorf("unexpected job %+v", job)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		resp := getJSON(t, ts, "/api/research/nope")
		expectStatus(t, resp, http.StatusNotFound)
		resp.Body.Close()
	})
}

func TestListResearch(t *testing.T) {
	res := &research.Result{TaskID: "old", Query: "past", Status: research.StatusFailed}
	_, ts := newTestHandler(t, WithResults(&fakeResults{results: map[string]*research.Result{"old": res}}))

	resp := getJSON(t, ts, "/api/research?limit=10")
	expectStatus(t, resp, http.StatusOK)

	var body struct {
		Jobs    []orchestrator.Job `json:"jobs"`
		History []store.Summary    `json:"history"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Jobs) != 0 {
		t.Errorf("expected no live jobs, got %d", len(body.Jobs))
	}
	if len(body.History) != 1 || body.History[0].TaskID != "old" {
		t.Errorf("unexpected history %+v", body.History)
	}
}

func TestProgress(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/research/t1/progress")
	expectStatus(t, resp, http.StatusOK)

	var p research.Progress
	decodeJSON(t, resp, &p)
	if !p.Plan || !p.WebNotes || p.DocNotes || p.Report {
		t.Errorf("unexpected progress %+v", p)
	}
	if p.Stage != research.StageWebResearch {
		t.Errorf("expected stage %s, got %s", research.StageWebResearch, p.Stage)
	}

	resp = getJSON(t, ts, "/api/research/missing/progress")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestFiles(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/research/t1/files")
	expectStatus(t, resp, http.StatusOK)
	var files []workspace.FileInfo
	decodeJSON(t, resp, &files)
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %+v", files)
	}
	if files[0].Path != "notes/web_research.md" || files[1].Path != "plans/research_plan.md" {
		t.Errorf("unexpected paths %s, %s", files[0].Path, files[1].Path)
	}
	if files[1].Meta == nil || files[1].Meta.Source != "worker_output" {
		t.Errorf("expected plan sidecar source, got %+v", files[1].Meta)
	}

	resp = getJSON(t, ts, "/api/research/t1/files?sub=plans")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &files)
	if len(files) != 1 {
		t.Errorf("expected 1 plan file, got %d", len(files))
	}
}

func TestReadFile(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/research/t1/files/plans/research_plan.md")
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "# Plan\nstudy raft consensus" {
		t.Errorf("unexpected content %q", body)
	}

	resp = getJSON(t, ts, "/api/research/t1/files/reports/final_report.md")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/research/t1/files/secrets/x.md")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestSearchFiles(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := getJSON(t, ts, "/api/research/t1/search?q=RAFT")
	expectStatus(t, resp, http.StatusOK)
	var matches []workspace.Match
	decodeJSON(t, resp, &matches)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %+v", matches)
	}
	if matches[0].Path != "notes/web_research.md" || matches[0].Lines[0].Number != 1 {
		t.Errorf("unexpected first match %+v", matches[0])
	}

	resp = getJSON(t, ts, "/api/research/t1/search?q=nothing-here")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &matches)
	if len(matches) != 0 {
		t.Errorf("expected no matches, got %+v", matches)
	}

	resp = getJSON(t, ts, "/api/research/t1/search")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestEvents(t *testing.T) {
	_, ts := newTestHandler(t)
	resp := getJSON(t, ts, "/api/research/t1/events")
	expectStatus(t, resp, http.StatusNotImplemented)
	resp.Body.Close()

	history := fakeHistory{
		{TaskID: "t1", Stage: research.StagePlanning, Type: research.EventStageStarted},
		{TaskID: "t2", Stage: research.StagePlanning, Type: research.EventStageStarted},
		{TaskID: "t1", Stage: research.StagePlanning, Type: research.EventStageCompleted},
	}
	_, ts = newTestHandler(t, WithEvents(history))
	resp = getJSON(t, ts, "/api/research/t1/events")
	expectStatus(t, resp, http.StatusOK)
	var events []research.Event
	decodeJSON(t, resp, &events)
	if len(events) != 2 || events[1].Type != research.EventStageCompleted {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestLineage(t *testing.T) {
	_, ts := newTestHandler(t, WithLineage(fakeLineage{
		{Path: "plans/research_plan.md", Stage: research.StagePlanning, Source: "worker_output"},
	}))

	resp := getJSON(t, ts, "/api/research/t1/lineage")
	expectStatus(t, resp, http.StatusOK)
	var artifacts []lineage.Artifact
	decodeJSON(t, resp, &artifacts)
	if len(artifacts) != 1 || artifacts[0].Source != "worker_output" {
		t.Errorf("unexpected lineage %+v", artifacts)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestHandler(t)
	resp := getJSON(t, ts, "/metrics")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
