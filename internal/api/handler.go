package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nidhogg/deep-research/internal/lineage"
	"github.com/nidhogg/deep-research/internal/orchestrator"
	"github.com/nidhogg/deep-research/internal/research"
	"github.com/nidhogg/deep-research/internal/store"
	"github.com/nidhogg/deep-research/internal/workspace"
)

// Jobs is the scheduler surface the API drives.
type Jobs interface {
	Submit(ctx context.Context, req orchestrator.JobRequest) (*orchestrator.Job, error)
	Get(id string) (*orchestrator.Job, error)
	List() []orchestrator.Job
}

// Results reads persisted results.
type Results interface {
	GetResult(ctx context.Context, taskID string) (*research.Result, error)
	ListResults(ctx context.Context, limit, offset int) ([]store.Summary, error)
}

// EventHistory reads the stage events of a task.
type EventHistory interface {
	History(ctx context.Context, taskID string) ([]research.Event, error)
}

// Lineage reads the artifact provenance of a task.
type Lineage interface {
	Artifacts(ctx context.Context, taskID string) ([]lineage.Artifact, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	jobs        Jobs
	workspaces  *workspace.Registry
	results     Results
	events      EventHistory
	lineage     Lineage
	caps        research.Capabilities
	corsOrigins []string
	limiter     *rate.Limiter
	validate    *validator.Validate
	logger      *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

func WithResults(r Results) Option     { return func(h *Handler) { h.results = r } }
func WithEvents(e EventHistory) Option { return func(h *Handler) { h.events = e } }
func WithLineage(l Lineage) Option     { return func(h *Handler) { h.lineage = l } }
func WithCORS(origins []string) Option { return func(h *Handler) { h.corsOrigins = origins } }
func WithCapabilities(c research.Capabilities) Option {
	return func(h *Handler) { h.caps = c }
}

// WithRateLimit limits research submissions to perSecond with burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *Handler) {
		if perSecond > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// NewHandler creates a new API handler.
func NewHandler(jobs Jobs, workspaces *workspace.Registry, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		jobs:        jobs,
		workspaces:  workspaces,
		corsOrigins: []string{"*"},
		validate:    validator.New(),
		logger:      logger,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(Tracing("deep-research"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Route("/research", func(r chi.Router) {
			r.With(h.rateLimit).Post("/", h.submitResearch)
			r.Get("/", h.listResearch)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", h.getResearch)
				r.Get("/progress", h.getProgress)
				r.Get("/files", h.listFiles)
				r.Get("/files/{sub}/{name}", h.readFile)
				r.Get("/search", h.searchFiles)
				r.Get("/events", h.listEvents)
				r.Get("/lineage", h.listLineage)
			})
		})
	})

	return r
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too many research requests, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, j := range h.jobs.List() {
		if j.Status == orchestrator.JobRunning {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"path":         h.caps.PathName(),
		"capabilities": h.caps,
		"running_jobs": running,
	})
}

func (h *Handler) submitResearch(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, orchestrator.ErrEmptyQuery):
			status = http.StatusBadRequest
		case errors.Is(err, orchestrator.ErrSchedulerClosed):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	w.Header().Set("Location", "/api/research/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) listResearch(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"jobs": h.jobs.List()}
	if h.results != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		history, err := h.results.ListResults(r.Context(), limit, offset)
		if err != nil {
			h.logger.Error("list results failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list results failed")
			return
		}
		resp["history"] = history
	}
	writeJSON(w, http.StatusOK, resp)
}

// getResearch prefers the live job and falls back to the persisted result.
func (h *Handler) getResearch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if job, err := h.jobs.Get(id); err == nil {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if h.results != nil {
		res, err := h.results.GetResult(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, orchestrator.Job{
				ID:     res.TaskID,
				Query:  res.Query,
				Status: jobStatus(res.Status),
				Stage:  research.StageDone,
				Error:  res.Error,
				Result: res,
			})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("get result failed", zap.String("task", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "get result failed")
			return
		}
	}
	writeError(w, http.StatusNotFound, "research task not found")
}

func jobStatus(s string) orchestrator.JobStatus {
	if s == research.StatusFailed {
		return orchestrator.JobFailed
	}
	return orchestrator.JobCompleted
}

func (h *Handler) workspace(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, bool) {
	ws, err := h.workspaces.Lookup(chi.URLParam(r, "taskID"))
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	return ws, true
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, research.Inspect(ws))
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	sub := r.URL.Query().Get("sub")
	paths, err := ws.List(sub)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	files := make([]*workspace.FileInfo, 0, len(paths))
	for _, p := range paths {
		dir, name, _ := strings.Cut(p, "/")
		info, err := ws.Info(dir, name)
		if err != nil {
			h.logger.Warn("stat artifact failed", zap.String("path", p), zap.Error(err))
			continue
		}
		files = append(files, info)
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *Handler) readFile(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	content, err := ws.Read(chi.URLParam(r, "sub"), chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

func (h *Handler) searchFiles(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	matches, err := ws.Search(q, r.URL.Query().Get("sub"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if matches == nil {
		matches = []workspace.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotImplemented, "event history is not configured")
		return
	}
	events, err := h.events.History(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.logger.Error("read events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read events failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) listLineage(w http.ResponseWriter, r *http.Request) {
	if h.lineage == nil {
		writeError(w, http.StatusNotImplemented, "lineage is not configured")
		return
	}
	artifacts, err := h.lineage.Artifacts(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.logger.Error("read lineage failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read lineage failed")
		return
	}
	if artifacts == nil {
		artifacts = []lineage.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workspace.ErrInvalidName), errors.Is(err, workspace.ErrInvalidSubdir):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
