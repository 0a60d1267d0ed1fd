package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/deep-research/internal/research"
)

// JobStatus tracks execution state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrSchedulerClosed = errors.New("scheduler is shut down")
	ErrEmptyQuery      = errors.New("query is empty")
)

// JobRequest asks for one research run.
type JobRequest struct {
	Query string `json:"query" validate:"required,min=2,max=4000"`
}

// Job is a submitted research run and its progress.
type Job struct {
	ID          string           `json:"id"`
	Query       string           `json:"query"`
	Status      JobStatus        `json:"status"`
	Stage       research.Stage   `json:"stage,omitempty"`
	Error       string           `json:"error,omitempty"`
	Result      *research.Result `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Done reports whether the job reached a final status.
func (j Job) Done() bool { return j.Status == JobCompleted || j.Status == JobFailed }

// Runner executes one research task.
type Runner interface {
	Run(ctx context.Context, taskID, query string) research.Result
}

// ResultStore persists finished results.
type ResultStore interface {
	SaveResult(ctx context.Context, res research.Result) error
}

// Notifier announces finished results.
type Notifier interface {
	Notify(ctx context.Context, res research.Result) error
}
