package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/testutil"
)

func TestReminderScheduler_SchedulesAtUserLocalTime(t *testing.T) {
	tests := []struct {
		tz      string
		date    string
		hour    string
		wantUTC time.Time
		wantTZ  string
	}{
		{"Europe/Madrid", "2026-10-15", "12:30", time.Date(2026, 10, 15, 10, 30, 0, 0, time.UTC), "Europe/Madrid"},
		{"America/Mexico_City", "2026-10-15", "8:05", time.Date(2026, 10, 15, 14, 5, 0, 0, time.UTC), "America/Mexico_City"},
		{"Nowhere/Land", "2026-10-15", "12:30", time.Date(2026, 10, 15, 12, 30, 0, 0, time.UTC), "UTC"},
	}
	for _, tt := range tests {
		t.Run(tt.tz, func(t *testing.T) {
			st := store.NewInMemoryStore()
			user := mustUser(t, st, "S1", "Ana", "UTC")
			user.Timezone = tt.tz
			dispatcher := &fakeDispatcher{}
			s := NewReminderScheduler(st, dispatcher)

			id, err := s.Create(context.Background(), user, " comprar pan ", tt.date, tt.hour)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if len(dispatcher.tasks) != 1 {
				t.Fatalf("expected one task, got %d", len(dispatcher.tasks))
			}
			task := dispatcher.tasks[0]
			if task.TaskID != ReminderTaskID(id) {
				t.Errorf("task id = %q", task.TaskID)
			}
			if !task.At.Equal(tt.wantUTC) || task.At.Location() != time.UTC {
				t.Errorf("due = %s, want %s UTC", task.At, tt.wantUTC)
			}
			p, ok := task.Payload.(DeliveryPayload)
			if !ok || p.ReminderID != id || p.Timezone != tt.wantTZ {
				t.Errorf("unexpected payload: %#v", task.Payload)
			}

			r, _ := st.GetReminder(id)
			if r == nil || r.Sent || r.Text != "comprar pan" || r.Date != tt.date {
				t.Errorf("unexpected stored reminder: %+v", r)
			}
			if len(r.Hour) != 5 {
				t.Errorf("hour not normalized: %q", r.Hour)
			}
		})
	}
}

func TestReminderScheduler_PersistenceFailureSchedulesNothing(t *testing.T) {
	st := store.NewInMemoryStore()
	user := mustUser(t, st, "S1", "Ana", "Europe/Madrid")
	dispatcher := &fakeDispatcher{}
	s := NewReminderScheduler(failingReminderStore{st}, dispatcher)

	_, err := s.Create(context.Background(), user, "comprar pan", "2026-10-15", "12:30")
	if !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(dispatcher.tasks) != 0 {
		t.Error("nothing may be scheduled")
	}
}

func TestReminderScheduler_DispatchFailureKeepsReminder(t *testing.T) {
	st := store.NewInMemoryStore()
	user := mustUser(t, st, "S1", "Ana", "Europe/Madrid")
	s := NewReminderScheduler(st, &fakeDispatcher{err: errors.New("queue down")})

	id, err := s.Create(context.Background(), user, "comprar pan", "2026-10-15", "12:30")
	if err != nil {
		t.Fatalf("dispatch failure must not fail creation: %v", err)
	}
	unsent, _ := st.ListUnsentReminders(0, 0)
	if len(unsent) != 1 || unsent[0].ID != id {
		t.Errorf("expected the reminder to remain unsent for reconciliation, got %+v", unsent)
	}
}

func TestReminderScheduler_RejectsInvalidInput(t *testing.T) {
	st := store.NewInMemoryStore()
	user := mustUser(t, st, "S1", "Ana", "UTC")
	s := NewReminderScheduler(st, &fakeDispatcher{})
	tests := []struct {
		text, date, hour string
		want             error
	}{
		{"", "2026-10-15", "12:30", models.ErrEmptyReminderText},
		{"x", "mañana", "12:30", models.ErrInvalidDate},
		{"x", "2026-10-15", "noon", models.ErrInvalidHour},
	}
	for _, tt := range tests {
		if _, err := s.Create(context.Background(), user, tt.text, tt.date, tt.hour); !errors.Is(err, tt.want) {
			t.Errorf("Create(%q,%q,%q) = %v, want %v", tt.text, tt.date, tt.hour, err, tt.want)
		}
	}
}

func TestReminderReconciler_RedispatchesUnsent(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	user := mustUser(t, st, "S1", "Ana", "Europe/Madrid")
	for _, r := range []models.Reminder{
		{UserID: user.ID, Text: "futuro", Date: "2026-10-15", Hour: "12:30"},
		{UserID: user.ID, Text: "una hora tarde", Date: "2026-10-13", Hour: "11:00"},
		{UserID: user.ID, Text: "demasiado viejo", Date: "2026-10-10", Hour: "11:00"},
	} {
		r := r
		if err := st.CreateReminder(&r); err != nil {
			t.Fatalf("CreateReminder failed: %v", err)
		}
	}

	scheduler := NewReminderScheduler(st, NewDeliveryDispatcher(st, 3))
	rec := NewReminderReconciler(st, scheduler, WithReconcilerClock(fixedClock(testNow)))

	for pass := 0; pass < 2; pass++ {
		n, err := rec.Reconcile(context.Background())
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if n != 2 {
			t.Errorf("pass %d: expected 2 dispatched, got %d", pass, n)
		}
	}
	jobs, err := st.ListJobs(store.JobStatusQueued, 10)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected 2 queued jobs after two passes, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Kind != JobKindReminderDelivery {
			t.Errorf("unexpected kind %q", j.Kind)
		}
	}
	if rec.Name() == "" {
		t.Error("reconciler needs a name")
	}
}

func TestReminderReconciler_StaleRowsDoNotStarveNewer(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	user := mustUser(t, st, "S1", "Ana", "Europe/Madrid")
	for _, r := range []models.Reminder{
		{UserID: user.ID, Text: "enero uno", Date: "2026-01-05", Hour: "09:00"},
		{UserID: user.ID, Text: "enero dos", Date: "2026-01-06", Hour: "09:00"},
		{UserID: user.ID, Text: "enero tres", Date: "2026-01-07", Hour: "09:00"},
		{UserID: user.ID, Text: "futuro", Date: "2026-10-20", Hour: "18:00"},
	} {
		r := r
		if err := st.CreateReminder(&r); err != nil {
			t.Fatalf("CreateReminder failed: %v", err)
		}
	}

	scheduler := NewReminderScheduler(st, NewDeliveryDispatcher(st, 3))
	rec := NewReminderReconciler(st, scheduler, WithReconcileBatch(2), WithReconcilerClock(fixedClock(testNow)))

	n, err := rec.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected the future reminder to be dispatched, got %d", n)
	}
	jobs, _ := st.ListJobs(store.JobStatusQueued, 10)
	if len(jobs) != 1 {
		t.Fatalf("expected one queued job, got %d", len(jobs))
	}
}

func TestReminderReconciler_PagesExactMultiple(t *testing.T) {
	st := store.NewInMemoryStore()
	user := mustUser(t, st, "S1", "Ana", "UTC")
	for i := 0; i < 4; i++ {
		r := models.Reminder{UserID: user.ID, Text: "x", Date: "2026-10-20", Hour: "18:00"}
		if err := st.CreateReminder(&r); err != nil {
			t.Fatalf("CreateReminder failed: %v", err)
		}
	}
	dispatcher := &fakeDispatcher{}
	rec := NewReminderReconciler(st, NewReminderScheduler(st, dispatcher), WithReconcileBatch(2), WithReconcilerClock(fixedClock(testNow)))
	n, err := rec.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if n != 4 || len(dispatcher.tasks) != 4 {
		t.Errorf("expected 4 dispatched, got %d (%d tasks)", n, len(dispatcher.tasks))
	}
}
