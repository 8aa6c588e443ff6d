package flow

import (
	"context"
	"testing"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

func newConfirmationFixture(t *testing.T) (*ConfirmationHandler, *PendingStore, *fakeCreator) {
	t.Helper()
	st := store.NewInMemoryStore()
	mustUser(t, st, "S1", "Ana", "Europe/Madrid")
	pending := NewPendingStore()
	creator := &fakeCreator{}
	return NewConfirmationHandler(st, pending, creator), pending, creator
}

var testDraft = models.ReminderDraft{Text: "comprar pan", Date: "2026-10-15", Hour: "12:30", IsComplete: true}

func TestConfirmation_AcceptCreatesOnce(t *testing.T) {
	h, pending, creator := newConfirmationFixture(t)
	pending.Put("S1", testDraft)

	action, err := h.HandleButton(context.Background(), "S1", models.ButtonAcceptReminder)
	if err != nil {
		t.Fatalf("HandleButton failed: %v", err)
	}
	if action.Kind != ActionReply || action.Text != MsgReminderConfirmed {
		t.Errorf("unexpected action: %+v", action)
	}
	if creator.calls != 1 {
		t.Errorf("expected exactly one Create, got %d", creator.calls)
	}
	if creator.last != [3]string{"comprar pan", "2026-10-15", "12:30"} {
		t.Errorf("unexpected Create args: %v", creator.last)
	}
	if pending.Has("S1") {
		t.Error("draft must be gone after accept")
	}

	// A repeated press finds nothing and schedules nothing.
	action = h.Accept(context.Background(), "S1")
	if action.Text != MsgReminderAlreadyGone || creator.calls != 1 {
		t.Errorf("repeat accept: action=%+v calls=%d", action, creator.calls)
	}
}

func TestConfirmation_AcceptFailureKeepsDraft(t *testing.T) {
	h, pending, creator := newConfirmationFixture(t)
	creator.err = models.ErrPersistence
	pending.Put("S1", testDraft)

	action := h.Accept(context.Background(), "S1")
	if action.Text != MsgReminderSaveFailed {
		t.Errorf("unexpected reply: %q", action.Text)
	}
	if !pending.Has("S1") {
		t.Error("draft must be restored so the user can retry")
	}
}

func TestConfirmation_Reject(t *testing.T) {
	h, pending, creator := newConfirmationFixture(t)
	pending.Put("S1", testDraft)

	if action := h.Reject("S1"); action.Text != MsgReminderDiscarded {
		t.Errorf("unexpected reply: %q", action.Text)
	}
	if pending.Has("S1") {
		t.Error("draft must be cleared")
	}
	if action := h.Reject("S1"); action.Text != MsgReminderAlreadyActive {
		t.Errorf("unexpected reply on empty store: %q", action.Text)
	}
	if creator.calls != 0 {
		t.Error("reject must never create reminders")
	}
}

func TestConfirmation_UnknownButton(t *testing.T) {
	h, _, _ := newConfirmationFixture(t)
	action, err := h.HandleButton(context.Background(), "S1", "snooze")
	if err == nil || action.Kind != ActionNone {
		t.Errorf("expected error and NoAction, got %+v, %v", action, err)
	}
}

func TestConfirmation_EndToEndWithScheduler(t *testing.T) {
	st := store.NewInMemoryStore()
	mustUser(t, st, "S1", "Ana", "Europe/Madrid")
	pending := NewPendingStore()
	dispatcher := &fakeDispatcher{}
	h := NewConfirmationHandler(st, pending, NewReminderScheduler(st, dispatcher))
	pending.Put("S1", testDraft)

	if action := h.Accept(context.Background(), "S1"); action.Text != MsgReminderConfirmed {
		t.Fatalf("unexpected reply: %q", action.Text)
	}
	if len(dispatcher.tasks) != 1 {
		t.Fatalf("expected one scheduled delivery, got %d", len(dispatcher.tasks))
	}

	failing := NewConfirmationHandler(failingReminderStore{st}, pending, NewReminderScheduler(failingReminderStore{st}, dispatcher))
	pending.Put("S1", testDraft)
	if action := failing.Accept(context.Background(), "S1"); action.Text != MsgReminderSaveFailed {
		t.Errorf("unexpected reply: %q", action.Text)
	}
	if len(dispatcher.tasks) != 1 {
		t.Error("nothing may be scheduled when persistence fails")
	}
	if !pending.Has("S1") {
		t.Error("draft must survive a failed creation")
	}
}
