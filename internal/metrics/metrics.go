package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Research metrics
	ResearchStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_tasks_started_total",
			Help: "Total number of research tasks started",
		},
		[]string{"path"},
	)

	ResearchCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_tasks_completed_total",
			Help: "Total number of research tasks finished",
		},
		[]string{"path", "status"},
	)

	ResearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deep_research_task_duration_seconds",
			Help:    "Research task duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"path"},
	)

	// Stage metrics
	StageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_stage_outcomes_total",
			Help: "Stage completions by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_recoveries_total",
			Help: "Artifacts reconstructed by the recovery cascade, by level",
		},
		[]string{"stage", "level"},
	)

	Revisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_report_revisions_total",
			Help: "Report revision requests by result",
		},
		[]string{"result"},
	)

	PlanFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deep_research_plan_fallbacks_total",
			Help: "Plans replaced by the deterministic fallback",
		},
	)

	// Worker metrics
	WorkerInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_worker_invocations_total",
			Help: "Worker invocations by role and status",
		},
		[]string{"role", "status"},
	)

	WorkerToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_worker_tool_calls_total",
			Help: "Tool calls made by workers",
		},
		[]string{"role", "tool", "status"},
	)

	WorkerTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_worker_tokens_total",
			Help: "Tokens consumed by workers",
		},
		[]string{"role"},
	)

	// Provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_research_provider_calls_total",
			Help: "Model calls by route key, provider and outcome",
		},
		[]string{"key", "provider", "outcome"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deep_research_provider_latency_seconds",
			Help:    "Model call latency by provider",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	// Scheduler metrics
	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deep_research_jobs_queued",
			Help: "Jobs waiting for a scheduler slot",
		},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deep_research_jobs_running",
			Help: "Jobs currently executing",
		},
	)
)

// RecordResearch records a finished research task.
func RecordResearch(path, status string, durationSeconds float64) {
	ResearchCompleted.WithLabelValues(path, status).Inc()
	ResearchDuration.WithLabelValues(path).Observe(durationSeconds)
}

// RecordToolCall records a single tool execution.
func RecordToolCall(role, tool string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	WorkerToolCalls.WithLabelValues(role, tool, status).Inc()
}
