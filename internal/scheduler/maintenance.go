package scheduler

import (
	"context"
	"time"
)

// SessionSweeper expires idle conversation sessions.
type SessionSweeper interface {
	Sweep() (int, error)
}

// StaleJobRecoverer requeues jobs abandoned by a crashed process.
type StaleJobRecoverer interface {
	RecoverStaleJobs() error
}

// Reconciler re-dispatches reminders that lost their delivery job.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// InboundPurger forgets old inbound message ids.
type InboundPurger interface {
	PurgeInboundBefore(cutoff time.Time) (int, error)
}

// Maintenance lists the components maintained on a schedule. Nil fields are skipped.
type Maintenance struct {
	Sessions       SessionSweeper
	Jobs           StaleJobRecoverer
	Reconciler     Reconciler
	Inbound        InboundPurger
	DedupRetention time.Duration
	Now            func() time.Time
}

// Task names used by RegisterMaintenance.
const (
	TaskSessionSweep = "session_sweep"
	TaskStaleJobs    = "stale_job_recovery"
	TaskReconcile    = "reminder_reconciliation"
	TaskInboundPurge = "inbound_dedup_purge"
)

// RegisterMaintenance schedules the maintenance tasks with their default specs.
func RegisterMaintenance(s *Scheduler, m Maintenance) error {
	now := m.Now
	if now == nil {
		now = time.Now
	}
	retention := m.DedupRetention
	if retention <= 0 {
		retention = DefaultDedupRetention
	}

	if m.Sessions != nil {
		if err := s.AddTask(TaskSessionSweep, DefaultSweepSpec, func(context.Context) error {
			_, err := m.Sessions.Sweep()
			return err
		}); err != nil {
			return err
		}
	}
	if m.Jobs != nil {
		if err := s.AddTask(TaskStaleJobs, DefaultStaleJobSpec, func(context.Context) error {
			return m.Jobs.RecoverStaleJobs()
		}); err != nil {
			return err
		}
	}
	if m.Reconciler != nil {
		if err := s.AddTask(TaskReconcile, DefaultReconcileSpec, func(ctx context.Context) error {
			_, err := m.Reconciler.Reconcile(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	if m.Inbound != nil {
		if err := s.AddTask(TaskInboundPurge, DefaultDedupSpec, func(context.Context) error {
			_, err := m.Inbound.PurgeInboundBefore(now().Add(-retention))
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}
