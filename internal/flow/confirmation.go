package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// ReminderCreator persists and schedules a confirmed reminder.
type ReminderCreator interface {
	Create(ctx context.Context, user *models.User, text, date, hour string) (int64, error)
}

// ConfirmationHandler resolves accept and reject presses on a pending draft.
// Both are safe to repeat: with no pending draft they only reply.
type ConfirmationHandler struct {
	store   store.Store
	pending *PendingStore
	creator ReminderCreator
}

// NewConfirmationHandler creates a ConfirmationHandler.
func NewConfirmationHandler(st store.Store, pending *PendingStore, creator ReminderCreator) *ConfirmationHandler {
	return &ConfirmationHandler{store: st, pending: pending, creator: creator}
}

// HandleButton dispatches a button press by id.
func (h *ConfirmationHandler) HandleButton(ctx context.Context, senderID, buttonID string) (OutboundAction, error) {
	switch buttonID {
	case models.ButtonAcceptReminder:
		return h.Accept(ctx, senderID), nil
	case models.ButtonRejectReminder:
		return h.Reject(senderID), nil
	default:
		return NoAction(), fmt.Errorf("unknown button id %q", buttonID)
	}
}

// Accept creates the pending reminder for senderID.
func (h *ConfirmationHandler) Accept(ctx context.Context, senderID string) OutboundAction {
	draft, ok := h.pending.Take(senderID)
	if !ok {
		slog.Debug("ConfirmationHandler.Accept: no pending draft", "senderID", senderID)
		return Reply(MsgReminderAlreadyGone)
	}

	user, err := h.store.FindUserByChannelID(senderID)
	if err != nil {
		slog.Error("ConfirmationHandler.Accept: user lookup failed", "senderID", senderID, "error", err)
		h.pending.Restore(senderID, draft)
		return Reply(MsgReminderSaveFailed)
	}
	if user == nil {
		return Reply(MsgRegisterFirst)
	}

	id, err := h.creator.Create(ctx, user, draft.Text, draft.Date, draft.Hour)
	if err != nil {
		slog.Error("ConfirmationHandler.Accept: reminder creation failed", "senderID", senderID, "error", err)
		h.pending.Restore(senderID, draft)
		return Reply(MsgReminderSaveFailed)
	}
	slog.Info("ConfirmationHandler.Accept: reminder confirmed", "senderID", senderID, "reminderID", id)
	return Reply(MsgReminderConfirmed)
}

// Reject discards the pending draft for senderID.
func (h *ConfirmationHandler) Reject(senderID string) OutboundAction {
	if h.pending.Clear(senderID) {
		slog.Info("ConfirmationHandler.Reject: draft discarded", "senderID", senderID)
		return Reply(MsgReminderDiscarded)
	}
	return Reply(MsgReminderAlreadyActive)
}
