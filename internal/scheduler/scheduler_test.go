package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddTask(t *testing.T) {
	s := NewScheduler(context.Background())
	defer s.Stop()

	if err := s.AddTask("every_minute", "* * * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error adding task, got %v", err)
	}
	if err := s.AddTask("every_minute", "@hourly", func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for duplicate task name")
	}
	if err := s.AddTask("bad", "not a cron", func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if err := s.AddTask("descriptor", "@every 30s", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected descriptors to parse, got %v", err)
	}
}

func TestSchedulerNextAfterStart(t *testing.T) {
	s := NewScheduler(context.Background(), WithLocation(time.UTC))
	if err := s.AddTask("hourly", "@hourly", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for s.Next("hourly").IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	next := s.Next("hourly")
	if next.IsZero() || next.Minute() != 0 || !next.After(time.Now()) {
		t.Errorf("unexpected next activation %s", next)
	}
	if !s.Next("missing").IsZero() {
		t.Error("unknown task must have no next activation")
	}
}

func TestSchedulerRunNowAndRemove(t *testing.T) {
	s := NewScheduler(context.Background())
	defer s.Stop()

	var runs int32
	if err := s.AddTask("count", "@hourly", func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("logged, not returned")
	}); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if err := s.RunNow("count"); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Errorf("expected one run, got %d", runs)
	}
	if !s.RemoveTask("count") || s.RemoveTask("count") {
		t.Error("RemoveTask should report existence exactly once")
	}
	if err := s.RunNow("count"); err == nil {
		t.Error("RunNow on a removed task should fail")
	}
}

func TestSchedulerSkipsTasksAfterStop(t *testing.T) {
	s := NewScheduler(context.Background())
	var runs int32
	if err := s.AddTask("body", "@hourly", func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	s.Stop()
	if err := s.RunNow("body"); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if atomic.LoadInt32(&runs) != 0 {
		t.Error("task body must be skipped after Stop")
	}
}

type fakeSweeper struct{ calls int32 }

func (f *fakeSweeper) Sweep() (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 2, nil
}

type fakeJobs struct{ calls int32 }

func (f *fakeJobs) RecoverStaleJobs() error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

type fakeReconciler struct{ calls int32 }

func (f *fakeReconciler) Reconcile(context.Context) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 0, nil
}

type fakePurger struct{ cutoff time.Time }

func (f *fakePurger) PurgeInboundBefore(cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return 0, nil
}

func TestRegisterMaintenance(t *testing.T) {
	now := time.Date(2026, 10, 13, 12, 0, 0, 0, time.UTC)
	m := Maintenance{
		Sessions:   &fakeSweeper{},
		Jobs:       &fakeJobs{},
		Reconciler: &fakeReconciler{},
		Inbound:    &fakePurger{},
		Now:        func() time.Time { return now },
	}
	s := NewScheduler(context.Background())
	defer s.Stop()
	if err := RegisterMaintenance(s, m); err != nil {
		t.Fatalf("RegisterMaintenance failed: %v", err)
	}
	for _, name := range []string{TaskSessionSweep, TaskStaleJobs, TaskReconcile, TaskInboundPurge} {
		if err := s.RunNow(name); err != nil {
			t.Errorf("RunNow(%s) failed: %v", name, err)
		}
	}
	if m.Sessions.(*fakeSweeper).calls != 1 || m.Jobs.(*fakeJobs).calls != 1 || m.Reconciler.(*fakeReconciler).calls != 1 {
		t.Error("every maintenance task should have run once")
	}
	if got := m.Inbound.(*fakePurger).cutoff; !got.Equal(now.Add(-DefaultDedupRetention)) {
		t.Errorf("purge cutoff = %s", got)
	}
}

func TestRegisterMaintenance_SkipsNil(t *testing.T) {
	s := NewScheduler(context.Background())
	defer s.Stop()
	if err := RegisterMaintenance(s, Maintenance{Sessions: &fakeSweeper{}}); err != nil {
		t.Fatalf("RegisterMaintenance failed: %v", err)
	}
	if err := s.RunNow(TaskStaleJobs); err == nil {
		t.Error("nil components must not be scheduled")
	}
	if err := RegisterMaintenance(s, Maintenance{Sessions: &fakeSweeper{}}); err == nil {
		t.Error("registering twice should fail on the duplicate name")
	}
}
