// Package store provides the JobRunner for executing durable jobs.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// JobHandler executes a job's work. It receives the job's payload JSON.
// Returning a *RescheduleError re-arms the job without consuming an attempt;
// returning a *PermanentError fails it without further retries; any other
// error is retried with backoff until the job's attempts are exhausted.
type JobHandler func(ctx context.Context, payload string) error

// RescheduleError asks the runner to re-run the job at RunAt.
type RescheduleError struct {
	RunAt time.Time
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("job rescheduled for %s", e.RunAt.UTC().Format(time.RFC3339))
}

// Reschedule returns an error that re-arms the current job at runAt.
func Reschedule(runAt time.Time) error {
	return &RescheduleError{RunAt: runAt}
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the runner fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithConcurrency sets how many claimed jobs run at once.
func WithConcurrency(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithBackoff sets the retry backoff base and cap. Delay is base*2^attempt, capped at max.
func WithBackoff(base, max time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if base > 0 {
			r.backoffBase = base
		}
		if max > 0 {
			r.backoffMax = max
		}
	}
}

// WithClaimLimit sets how many due jobs are claimed per poll.
func WithClaimLimit(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// WithStaleThreshold sets how long a job may stay running before it is requeued.
func WithStaleThreshold(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// JobRunner periodically claims due jobs from the database and dispatches them
// to registered handlers.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	concurrency    int
	backoffBase    time.Duration
	backoffMax     time.Duration
	now            func() time.Time
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		concurrency:    4,
		backoffBase:    30 * time.Second,
		backoffMax:     30 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when a process crashed.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := r.now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "concurrency", r.concurrency)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims due jobs once and executes them, waiting for all to finish.
func (r *JobRunner) Poll(ctx context.Context) {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			r.execute(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *JobRunner) execute(ctx context.Context, job Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
		r.fail(job, "no handler registered for kind: "+job.Kind, r.now().Add(time.Minute))
		return
	}

	slog.Debug("JobRunner.poll: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	err := handler(ctx, job.PayloadJSON)

	var resched *RescheduleError
	var permanent *PermanentError
	switch {
	case err == nil:
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.poll: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.poll: job completed", "id", job.ID, "kind", job.Kind)
	case errors.As(err, &resched):
		if err := r.repo.RescheduleJob(job.ID, resched.RunAt); err != nil {
			slog.Error("JobRunner.poll: reschedule job error", "id", job.ID, "error", err)
		}
		slog.Info("JobRunner.poll: job rescheduled", "id", job.ID, "kind", job.Kind, "runAt", resched.RunAt)
	case errors.As(err, &permanent):
		slog.Error("JobRunner.poll: job permanently failed", "id", job.ID, "kind", job.Kind, "error", err)
		if err := r.repo.FailJobPermanently(job.ID, err.Error()); err != nil {
			slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
		}
	default:
		slog.Error("JobRunner.poll: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		r.fail(job, err.Error(), r.now().Add(r.backoff(job.Attempt)))
	}
}

func (r *JobRunner) fail(job Job, msg string, nextRun time.Time) {
	status, err := r.repo.FailJob(job.ID, msg, nextRun)
	if err != nil {
		slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
		return
	}
	if status == JobStatusFailed {
		slog.Error("JobRunner.poll: job exhausted retries", "id", job.ID, "kind", job.Kind, "attempts", job.Attempt+1, "lastError", msg)
		return
	}
	slog.Info("JobRunner.poll: job retry scheduled", "id", job.ID, "kind", job.Kind, "nextRun", nextRun)
}

// backoff returns base*2^attempt, capped at the configured maximum.
func (r *JobRunner) backoff(attempt int) time.Duration {
	d := r.backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.backoffMax {
			return r.backoffMax
		}
	}
	if d > r.backoffMax {
		return r.backoffMax
	}
	return d
}
