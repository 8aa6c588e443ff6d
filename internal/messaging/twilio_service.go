package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/twiliowhatsapp"
)

// SignatureHeader is the Twilio webhook signature header.
const SignatureHeader = "X-Twilio-Signature"

// emptyTwiML acknowledges a webhook without sending a reply through Twilio.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidator rejects webhooks whose X-Twilio-Signature does not verify.
func WithSignatureValidator(v *twiliowhatsapp.SignatureValidator) TwilioOption {
	return func(s *TwilioService) { s.validator = v }
}

// WithWebhookURL sets the public URL Twilio signs. When empty the URL is
// rebuilt from the request.
func WithWebhookURL(url string) TwilioOption {
	return func(s *TwilioService) { s.webhookURL = url }
}

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through TwilioWebhookHandler; confirmations use keywords.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	pending    PendingChecker
	validator  *twiliowhatsapp.SignatureValidator
	webhookURL string
	events     *eventQueue
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService.
func NewTwilioService(client twiliowhatsapp.Sender, pending PendingChecker, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:  client,
		pending: pending,
		events:  newEventQueue("TwilioService"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op: events are pushed by the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes Events.
func (s *TwilioService) Stop() error {
	if s.events.close() {
		slog.Info("TwilioService.Stop: stopped")
	}
	return nil
}

// SendMessage sends a text message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// SendConfirmation sends the draft with keyword instructions.
func (s *TwilioService) SendConfirmation(ctx context.Context, to string, draft models.ReminderDraft) error {
	return s.SendMessage(ctx, to, TextConfirmationBody(draft))
}

// MarkRead is a no-op: Twilio does not expose WhatsApp read receipts.
func (s *TwilioService) MarkRead(ctx context.Context, event models.InboundEvent) error {
	return nil
}

// Events returns the inbound event channel.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events.ch
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.requestURL(r), params, r.Header.Get(SignatureHeader)) {
			slog.Warn("TwilioService.TwilioWebhookHandler: invalid signature")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostForm.Get("From")
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	if from == "" || body == "" {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "fromSet", from != "", "bodyLength", len(body))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	sender, err := CanonicalizePhone(strings.TrimPrefix(from, "whatsapp:"))
	if err != nil {
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	ev := textEvent(s.pending, sender, body, r.PostForm.Get("MessageSid"), time.Now().UTC())
	if !s.events.emit(ev) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

func (s *TwilioService) requestURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
