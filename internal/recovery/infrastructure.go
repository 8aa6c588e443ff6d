package recovery

import (
	"context"
	"fmt"
)

// Func adapts a plain function to Recoverable.
type Func struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFunc creates a named Recoverable from fn.
func NewFunc(name string, fn func(ctx context.Context) error) *Func {
	return &Func{name: name, fn: fn}
}

// Name implements Recoverable.
func (f *Func) Name() string { return f.name }

// Recover implements Recoverable.
func (f *Func) Recover(ctx context.Context) error {
	if f.fn == nil {
		return fmt.Errorf("no recovery function for %q", f.name)
	}
	return f.fn(ctx)
}

// StaleJobRecoverer is implemented by the job runner.
type StaleJobRecoverer interface {
	RecoverStaleJobs() error
}

// StaleJobs returns a Recoverable that requeues jobs left running by a crash.
func StaleJobs(runner StaleJobRecoverer) Recoverable {
	return NewFunc("stale_jobs", func(context.Context) error {
		if err := runner.RecoverStaleJobs(); err != nil {
			return fmt.Errorf("requeue stale jobs: %w", err)
		}
		return nil
	})
}

// SessionSweeper is implemented by the session store.
type SessionSweeper interface {
	Sweep() (int, error)
}

// ExpiredSessions returns a Recoverable that drops sessions that went idle
// while the process was down.
func ExpiredSessions(sessions SessionSweeper) Recoverable {
	return NewFunc("expired_sessions", func(context.Context) error {
		_, err := sessions.Sweep()
		return err
	})
}
