package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service over a whatsmeow linked device. The
// channel has no buttons, so confirmations are answered with keywords.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client
	pending  PendingChecker
	events   *eventQueue
	handler  uint32
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService. pending may be nil, in which
// case keywords are never mapped to button events.
func NewWhatsAppService(client whatsapp.WhatsAppSender, pending PendingChecker) *WhatsAppService {
	s := &WhatsAppService{
		client:  client,
		pending: pending,
		events:  newEventQueue("WhatsAppService"),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler. With a mock client it does nothing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handler")
		return nil
	}
	s.handler = s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			slog.Debug("WhatsAppService: receipt", "type", v.Type, "count", len(v.MessageIDs))
		case *events.Disconnected:
			slog.Warn("WhatsAppService: disconnected from WhatsApp")
		}
	})
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop removes the event handler, disconnects and closes Events.
func (s *WhatsAppService) Stop() error {
	if !s.events.close() {
		return nil
	}
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handler)
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: failed", "to", canonical, "error", err)
		return err
	}
	return nil
}

// SendConfirmation sends the draft with keyword instructions.
func (s *WhatsAppService) SendConfirmation(ctx context.Context, to string, draft models.ReminderDraft) error {
	return s.SendMessage(ctx, to, TextConfirmationBody(draft))
}

// MarkRead is a no-op: read receipts are left to the linked phone.
func (s *WhatsAppService) MarkRead(ctx context.Context, event models.InboundEvent) error {
	return nil
}

// Events returns the inbound event channel.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events.ch
}

// handleIncomingMessage converts a direct text message into an inbound event.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt == nil || evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		slog.Debug("WhatsAppService: ignoring non-text message", "from", evt.Info.Sender.User)
		return
	}
	if text == "" {
		return
	}

	sender := evt.Info.Sender.User
	ev := textEvent(s.pending, sender, text, string(evt.Info.ID), evt.Info.Timestamp.UTC())
	s.events.emit(ev)
}
