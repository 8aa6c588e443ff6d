package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RemindPipe/internal/cloudapi"
	"github.com/BTreeMap/RemindPipe/internal/flow"
	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Reply button titles of the confirmation request.
const (
	AcceptButtonTitle = "✅ Aceptar"
	RejectButtonTitle = "❌ Rechazar"
)

// CloudAPIClient is the subset of the Cloud API client used by the service.
type CloudAPIClient interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendButtons(ctx context.Context, to, body string, buttons []cloudapi.Button) (string, error)
	MarkRead(ctx context.Context, messageID string) error
}

// CloudAPIService implements Service over the WhatsApp Business Cloud API.
// Inbound events arrive through HandleWebhook.
type CloudAPIService struct {
	client CloudAPIClient
	events *eventQueue
}

var _ Service = (*CloudAPIService)(nil)

// NewCloudAPIService creates a CloudAPIService.
func NewCloudAPIService(client CloudAPIClient) *CloudAPIService {
	return &CloudAPIService{client: client, events: newEventQueue("CloudAPIService")}
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op: events are pushed by the webhook.
func (s *CloudAPIService) Start(ctx context.Context) error {
	return nil
}

// Stop closes Events.
func (s *CloudAPIService) Stop() error {
	if s.events.close() {
		slog.Info("CloudAPIService.Stop: stopped")
	}
	return nil
}

// SendMessage sends a text message.
func (s *CloudAPIService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	_, err = s.client.SendText(ctx, canonical, body)
	return err
}

// SendConfirmation sends the draft as an interactive message with accept and
// reject buttons.
func (s *CloudAPIService) SendConfirmation(ctx context.Context, to string, draft models.ReminderDraft) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	_, err = s.client.SendButtons(ctx, canonical, flow.ConfirmationText(draft), []cloudapi.Button{
		{ID: models.ButtonAcceptReminder, Title: AcceptButtonTitle},
		{ID: models.ButtonRejectReminder, Title: RejectButtonTitle},
	})
	return err
}

// MarkRead marks the event's message as read.
func (s *CloudAPIService) MarkRead(ctx context.Context, event models.InboundEvent) error {
	if event.MessageID == "" {
		return nil
	}
	return s.client.MarkRead(ctx, event.MessageID)
}

// Events returns the inbound event channel.
func (s *CloudAPIService) Events() <-chan models.InboundEvent {
	return s.events.ch
}

// HandleWebhook parses a webhook body and emits its events. It returns the
// number of events accepted, and ErrEventsDropped if any could not be queued.
func (s *CloudAPIService) HandleWebhook(body []byte) (int, error) {
	evs, err := cloudapi.ParseWebhook(body)
	if err != nil {
		return 0, fmt.Errorf("parse webhook: %w", err)
	}
	n := 0
	for _, ev := range evs {
		if s.events.emit(ev) {
			n++
		}
	}
	if n < len(evs) {
		return n, fmt.Errorf("%w: %d of %d", ErrEventsDropped, len(evs)-n, len(evs))
	}
	return n, nil
}
