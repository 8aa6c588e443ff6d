package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// Reconciler defaults.
const (
	DefaultReconcileBatch = 500
	DefaultMaxLateness    = 24 * time.Hour
)

// ReconcilerOption configures a ReminderReconciler.
type ReconcilerOption func(*ReminderReconciler)

// WithReconcileBatch sets how many unsent reminders are loaded per page.
func WithReconcileBatch(n int) ReconcilerOption {
	return func(r *ReminderReconciler) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithMaxLateness skips reminders whose due instant is older than d.
func WithMaxLateness(d time.Duration) ReconcilerOption {
	return func(r *ReminderReconciler) {
		if d > 0 {
			r.maxLateness = d
		}
	}
}

// WithReconcilerClock overrides the time source.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *ReminderReconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// ReminderReconciler re-dispatches unsent reminders whose delivery job was
// never enqueued. Live jobs share the reminder's dedupe key, so repeated
// passes do not create duplicates.
type ReminderReconciler struct {
	store       store.Store
	scheduler   *ReminderScheduler
	batch       int
	maxLateness time.Duration
	now         func() time.Time
}

// NewReminderReconciler creates a ReminderReconciler.
func NewReminderReconciler(st store.Store, scheduler *ReminderScheduler, opts ...ReconcilerOption) *ReminderReconciler {
	r := &ReminderReconciler{
		store:       st,
		scheduler:   scheduler,
		batch:       DefaultReconcileBatch,
		maxLateness: DefaultMaxLateness,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name identifies the reconciler in recovery and cron logs.
func (r *ReminderReconciler) Name() string { return "reminder_reconciler" }

// Recover runs one reconciliation pass.
func (r *ReminderReconciler) Recover(ctx context.Context) error {
	_, err := r.Reconcile(ctx)
	return err
}

// Reconcile walks every unsent reminder in pages of the batch size and
// returns how many were handed to the dispatcher.
func (r *ReminderReconciler) Reconcile(ctx context.Context) (int, error) {
	now := r.now()
	var afterID int64
	seen, dispatched := 0, 0
	for {
		page, err := r.store.ListUnsentReminders(afterID, r.batch)
		if err != nil {
			return dispatched, err
		}
		for _, rem := range page {
			if ctx.Err() != nil {
				return dispatched, ctx.Err()
			}
			if r.reconcileOne(now, rem) {
				dispatched++
			}
		}
		seen += len(page)
		if len(page) < r.batch {
			break
		}
		afterID = page[len(page)-1].ID
	}
	if seen > 0 {
		slog.Info("ReminderReconciler.Reconcile: pass complete", "unsent", seen, "dispatched", dispatched)
	}
	return dispatched, nil
}

func (r *ReminderReconciler) reconcileOne(now time.Time, rem models.Reminder) bool {
	user, err := r.store.GetUser(rem.UserID)
	if err != nil {
		slog.Error("ReminderReconciler.Reconcile: user lookup failed", "reminderID", rem.ID, "error", err)
		return false
	}
	if user == nil {
		slog.Warn("ReminderReconciler.Reconcile: reminder has no user", "reminderID", rem.ID, "userID", rem.UserID)
		return false
	}
	due, err := LocalInstant(rem.Date, rem.Hour, ResolveLocation(user.Timezone))
	if err != nil {
		slog.Warn("ReminderReconciler.Reconcile: invalid schedule", "reminderID", rem.ID, "error", err)
		return false
	}
	if now.Sub(due) > r.maxLateness {
		slog.Debug("ReminderReconciler.Reconcile: reminder too old to deliver", "reminderID", rem.ID, "due", due.UTC())
		return false
	}
	if err := r.scheduler.Dispatch(user, rem); err != nil {
		slog.Error("ReminderReconciler.Reconcile: dispatch failed", "reminderID", rem.ID, "error", err)
		return false
	}
	return true
}
