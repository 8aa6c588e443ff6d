package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// MockService is an in-memory Service for tests. Inbound events are injected
// with Inject; outbound traffic is recorded.
type MockService struct {
	mu            sync.Mutex
	Sent          []SentText
	Confirmations []SentConfirmation
	Read          []string
	SendErr       error
	events        *eventQueue
}

// SentText is a text message recorded by MockService.
type SentText struct {
	To   string
	Body string
}

// SentConfirmation is a confirmation request recorded by MockService.
type SentConfirmation struct {
	To    string
	Draft models.ReminderDraft
}

var _ Service = (*MockService)(nil)

// NewMockService creates a MockService.
func NewMockService() *MockService {
	return &MockService{events: newEventQueue("MockService")}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, SentText{To: to, Body: body})
	return nil
}

func (m *MockService) SendConfirmation(ctx context.Context, to string, draft models.ReminderDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Confirmations = append(m.Confirmations, SentConfirmation{To: to, Draft: draft})
	return nil
}

func (m *MockService) MarkRead(ctx context.Context, event models.InboundEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Read = append(m.Read, event.MessageID)
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	m.events.close()
	return nil
}

func (m *MockService) Events() <-chan models.InboundEvent {
	return m.events.ch
}

// Inject queues an inbound event.
func (m *MockService) Inject(ev models.InboundEvent) bool {
	return m.events.emit(ev)
}

// SentTexts returns a copy of the recorded text messages.
func (m *MockService) SentTexts() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentText, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// SentConfirmations returns a copy of the recorded confirmation requests.
func (m *MockService) SentConfirmations() []SentConfirmation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentConfirmation, len(m.Confirmations))
	copy(out, m.Confirmations)
	return out
}

// ReadCount returns how many messages were marked read.
func (m *MockService) ReadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Read)
}
