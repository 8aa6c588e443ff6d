// Package scheduler runs RemindPipe's periodic maintenance on cron expressions.
//
// Maintenance covers idle-session sweeps, stale job recovery, reminder
// reconciliation and inbound dedup purging. Reminder delivery itself runs on the
// durable job queue, not here.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Default maintenance schedules.
const (
	DefaultSweepSpec     = "@every 1m"
	DefaultStaleJobSpec  = "@every 5m"
	DefaultReconcileSpec = "@every 10m"
	DefaultDedupSpec     = "@hourly"
)

// DefaultDedupRetention is how long inbound message ids are remembered.
const DefaultDedupRetention = 72 * time.Hour

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Scheduler provides cron-based task scheduling.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*[]cron.Option)

// WithLocation evaluates schedules in loc instead of the server zone.
func WithLocation(loc *time.Location) Option {
	return func(opts *[]cron.Option) { *opts = append(*opts, cron.WithLocation(loc)) }
}

// NewScheduler creates a stopped scheduler. Tasks run with a context derived
// from ctx that is cancelled by Stop.
func NewScheduler(ctx context.Context, opts ...Option) *Scheduler {
	// Standard 5-field cron plus @every/@hourly descriptors
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronOpts := []cron.Option{
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	}
	for _, opt := range opts {
		opt(&cronOpts)
	}
	taskCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		cron:    cron.New(cronOpts...),
		ctx:     taskCtx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// AddTask schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid or the name is taken.
func (s *Scheduler) AddTask(name, expr string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("task %q already scheduled", name)
	}
	id, err := s.cron.AddFunc(expr, func() { s.run(name, task) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	s.entries[name] = id
	slog.Debug("Scheduler.AddTask: task scheduled", "task", name, "spec", expr)
	return nil
}

// RemoveTask unschedules a task. It reports whether the task existed.
func (s *Scheduler) RemoveTask(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return true
}

// Next returns the next activation of a task, or the zero time if it is unknown
// or the scheduler has not started.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// RunNow executes a scheduled task synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %q not found", name)
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := task(s.ctx); err != nil {
		slog.Error("Scheduler.run: task failed", "task", name, "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("Scheduler.run: task completed", "task", name, "duration", time.Since(start))
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running tasks and waits for them to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
