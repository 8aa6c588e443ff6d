package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// ReminderTaskID is the dispatch task id, and job dedupe key, of a reminder's delivery.
func ReminderTaskID(reminderID int64) string {
	return fmt.Sprintf("reminder:%d", reminderID)
}

// ReminderScheduler persists confirmed reminders and schedules their delivery
// at the user's local wall-clock time.
type ReminderScheduler struct {
	store      store.Store
	dispatcher TaskDispatcher
}

// NewReminderScheduler creates a ReminderScheduler.
func NewReminderScheduler(st store.Store, dispatcher TaskDispatcher) *ReminderScheduler {
	return &ReminderScheduler{store: st, dispatcher: dispatcher}
}

// Create stores a new unsent reminder and schedules one delivery for it. A
// storage failure returns an error wrapping models.ErrPersistence and nothing
// is scheduled. A dispatch failure is logged and the reminder id is still
// returned; reconciliation dispatches it later.
func (s *ReminderScheduler) Create(ctx context.Context, user *models.User, text, date, hour string) (int64, error) {
	draft := models.ReminderDraft{Text: strings.TrimSpace(text), Date: date, Hour: hour}
	if err := draft.Validate(); err != nil {
		return 0, err
	}
	r := &models.Reminder{
		UserID: user.ID,
		Text:   draft.Text,
		Date:   draft.Date,
		Hour:   draft.DisplayHour(),
	}
	if err := s.store.CreateReminder(r); err != nil {
		return 0, fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}

	if err := s.Dispatch(user, *r); err != nil {
		slog.Error("ReminderScheduler.Create: dispatch failed, reminder left for reconciliation", "reminderID", r.ID, "error", err)
		return r.ID, nil
	}
	slog.Info("ReminderScheduler.Create: reminder created", "reminderID", r.ID, "userID", user.ID)
	return r.ID, nil
}

// Dispatch schedules delivery of r. Scheduling the same reminder again while
// its job is live is a no-op.
func (s *ReminderScheduler) Dispatch(user *models.User, r models.Reminder) error {
	loc := ResolveLocation(user.Timezone)
	local, err := LocalInstant(r.Date, r.Hour, loc)
	if err != nil {
		return err
	}
	due := local.UTC()
	payload := DeliveryPayload{ReminderID: r.ID, Timezone: loc.String(), DueAt: due}
	if err := s.dispatcher.ScheduleAt(ReminderTaskID(r.ID), due, payload); err != nil {
		return err
	}
	slog.Debug("ReminderScheduler.Dispatch: delivery scheduled", "reminderID", r.ID, "local", local.Format("2006-01-02 15:04"), "timezone", loc.String(), "dueUTC", due)
	return nil
}
