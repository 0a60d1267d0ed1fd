package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/metrics"
	"github.com/nidhogg/deep-research/internal/research"
)

type jobEntry struct {
	job  Job
	done chan struct{}
}

// Scheduler runs research jobs in the background with bounded concurrency.
type Scheduler struct {
	runner   Runner
	store    ResultStore
	notifier Notifier
	events   research.EventSink

	mu        sync.RWMutex
	jobs      map[string]*jobEntry
	closed    bool
	retention time.Duration

	pool   chan struct{} // semaphore-based pool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithResultStore persists every finished result.
func WithResultStore(st ResultStore) Option { return func(s *Scheduler) { s.store = st } }

// WithNotifier announces every finished result.
func WithNotifier(n Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithEvents forwards stage events of every job to sink.
func WithEvents(sink research.EventSink) Option { return func(s *Scheduler) { s.events = sink } }

// WithRetention sets how long a finished job whose result was not persisted
// stays queryable. Jobs whose result reached the ResultStore are dropped as
// soon as it is saved.
func WithRetention(d time.Duration) Option { return func(s *Scheduler) { s.retention = d } }

// DefaultRetention applies when WithRetention is not given.
const DefaultRetention = time.Hour

// NewScheduler creates a scheduler with a bounded goroutine pool.
func NewScheduler(runner Runner, poolSize int, logger *zap.Logger, opts ...Option) *Scheduler {
	if poolSize <= 0 {
		poolSize = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:    runner,
		jobs:      make(map[string]*jobEntry),
		retention: DefaultRetention,
		pool:      make(chan struct{}, poolSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit queues a research job and returns immediately. The job outlives
// ctx; only Shutdown stops it.
func (s *Scheduler) Submit(ctx context.Context, req JobRequest) (*Job, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.evictExpiredLocked(time.Now())
	e := &jobEntry{
		job: Job{
			ID:        uuid.New().String(),
			Query:     query,
			Status:    JobPending,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	s.jobs[e.job.ID] = e
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.JobsQueued.Inc()
	s.logger.Info("job submitted", zap.String("job", e.job.ID), zap.String("query", query))
	go s.execute(e)

	job := e.job
	return &job, nil
}

func (s *Scheduler) execute(e *jobEntry) {
	defer s.wg.Done()
	defer close(e.done)
	id := e.job.ID

	select {
	case s.pool <- struct{}{}: // acquire slot
	case <-s.ctx.Done():
		metrics.JobsQueued.Dec()
		s.finish(id, JobFailed, nil, "scheduler shut down before the job started")
		return
	}
	defer func() { <-s.pool }() // release slot

	metrics.JobsQueued.Dec()
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	s.update(id, func(j *Job) {
		now := time.Now().UTC()
		j.Status = JobRunning
		j.StartedAt = &now
	})
	s.logger.Info("job started", zap.String("job", id))

	ctx := research.WithEventSink(s.ctx, research.EventFunc(func(ctx context.Context, ev research.Event) error {
		s.update(id, func(j *Job) { j.Stage = ev.Stage })
		if s.events == nil {
			return nil
		}
		return s.events.Emit(ctx, ev)
	}))
	res := s.runner.Run(ctx, id, e.job.Query)

	status := JobCompleted
	if res.Status == research.StatusFailed {
		status = JobFailed
	}
	s.finish(id, status, &res, res.Error)

	// the job's own context may be cancelled by now; persistence still gets a chance
	pctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 30*time.Second)
	defer cancel()
	if s.store != nil {
		if err := s.store.SaveResult(pctx, res); err != nil {
			s.logger.Error("save result failed", zap.String("job", id), zap.Error(err))
		} else {
			s.evict(id)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(pctx, res); err != nil {
			s.logger.Warn("notify failed", zap.String("job", id), zap.Error(err))
		}
	}
}

func (s *Scheduler) finish(id string, status JobStatus, res *research.Result, errMsg string) {
	s.update(id, func(j *Job) {
		now := time.Now().UTC()
		j.Status = status
		j.Result = res
		j.Error = errMsg
		j.CompletedAt = &now
		if res != nil {
			j.Stage = research.StageDone
		}
	})
	s.logger.Info("job finished", zap.String("job", id), zap.String("status", string(status)))
}

// evict drops a finished job from memory. Waiters keep their entry.
func (s *Scheduler) evict(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

func (s *Scheduler) evictExpiredLocked(now time.Time) {
	for id, e := range s.jobs {
		if c := e.job.CompletedAt; c != nil && now.Sub(*c) >= s.retention {
			delete(s.jobs, id)
		}
	}
}

func (s *Scheduler) update(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[id]; ok {
		fn(&e.job)
	}
}

// Get returns a snapshot of a job.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	job := e.job
	return &job, nil
}

// List returns snapshots of all jobs, newest first.
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the job finishes or ctx is done. A waiter that found the
// job still gets its final state after the job was evicted.
func (s *Scheduler) Wait(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	e, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	select {
	case <-e.done:
		s.mu.RLock()
		job := e.job
		s.mu.RUnlock()
		return &job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for running ones. When ctx ends
// first the remaining jobs are cancelled and ctx's error is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
