// Package flow implements the conversation state machine and the reminder
// scheduling pipeline.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// ErrCapabilityFailure wraps any classifier, responder, extractor or renderer error.
var ErrCapabilityFailure = errors.New("capability failure")

// IntentClassifier decides what the latest user message is about.
type IntentClassifier interface {
	Classify(ctx context.Context, history []models.ConversationMessage) (models.Intent, error)
}

// GeneralResponder answers free-form questions.
type GeneralResponder interface {
	Respond(ctx context.Context, user *models.User, history []models.ConversationMessage) (string, error)
}

// ExtractionRequest carries what the extractor needs to resolve relative dates.
type ExtractionRequest struct {
	SenderID string
	User     *models.User
	History  []models.ConversationMessage
	// Now is the current instant in the user's location.
	Now time.Time
}

// Extraction is the extractor's decision. When Draft.IsComplete is false, Reply
// holds the clarifying question to send back.
type Extraction struct {
	Reply string
	Draft models.ReminderDraft
}

// ReminderExtractor turns a conversation into a reminder draft.
type ReminderExtractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (Extraction, error)
}

// RenderRequest describes a due reminder to be phrased for its recipient.
type RenderRequest struct {
	Name string
	Text string
	Date string
	Hour string
	// Now is the current instant in the user's location.
	Now time.Time
}

// MessageRenderer phrases a due reminder.
type MessageRenderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
}

// MessageSender delivers plain text to a channel recipient.
type MessageSender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// TaskDispatcher schedules a payload for execution at an absolute instant.
type TaskDispatcher interface {
	ScheduleAt(taskID string, at time.Time, payload interface{}) error
}
