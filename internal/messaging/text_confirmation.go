package messaging

import (
	"strings"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/flow"
	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Keywords that stand in for the confirmation buttons on text-only channels.
const (
	AcceptKeyword = "ACEPTAR"
	RejectKeyword = "RECHAZAR"
)

// PendingChecker reports whether a sender has a draft awaiting confirmation.
type PendingChecker interface {
	Has(senderID string) bool
}

// TextConfirmationBody renders a confirmation request for channels without buttons.
func TextConfirmationBody(d models.ReminderDraft) string {
	return flow.ConfirmationText(d) + "\n\nResponde *" + AcceptKeyword + "* o *" + RejectKeyword + "*."
}

// keywordButton maps an accept or reject keyword to its button id.
func keywordButton(text string) (string, bool) {
	word := strings.ToUpper(strings.Trim(strings.TrimSpace(text), "*.!¡ "))
	switch word {
	case AcceptKeyword:
		return models.ButtonAcceptReminder, true
	case RejectKeyword:
		return models.ButtonRejectReminder, true
	}
	return "", false
}

// textEvent builds the inbound event for a text message. While a draft is
// pending for the sender, the accept and reject keywords become button events.
func textEvent(pending PendingChecker, sender, text, messageID string, ts time.Time) models.InboundEvent {
	ev := models.InboundEvent{
		SenderID:  sender,
		Kind:      models.MessageKindText,
		Text:      text,
		MessageID: messageID,
		Timestamp: ts,
	}
	if pending == nil || !pending.Has(sender) {
		return ev
	}
	if id, ok := keywordButton(text); ok {
		ev.Kind = models.MessageKindButton
		ev.ButtonID = id
		ev.Text = ""
	}
	return ev
}
