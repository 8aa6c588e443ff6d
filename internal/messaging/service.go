// Package messaging connects the WhatsApp channels to the conversation pipeline.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the capacity of a service's inbound event channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel.
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted canonical phone number.
	MinPhoneDigits = 6
)

var (
	// ErrServiceStopped is returned by sends after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrEventsDropped means some inbound events were not queued and the
	// channel should redeliver them.
	ErrEventsDropped = errors.New("inbound events dropped")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a WhatsApp channel: it sends replies and confirmation requests
// and delivers normalized inbound events.
type Service interface {
	// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a plain text message.
	SendMessage(ctx context.Context, to string, body string) error

	// SendConfirmation asks the recipient to accept or reject draft.
	SendConfirmation(ctx context.Context, to string, draft models.ReminderDraft) error

	// MarkRead acknowledges an inbound message. Channels without read
	// receipts treat it as a no-op.
	MarkRead(ctx context.Context, event models.InboundEvent) error

	// Start begins background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes Events.
	Stop() error

	// Events returns the channel of inbound events.
	Events() <-chan models.InboundEvent
}

// CanonicalizePhone strips every non-digit and checks the remaining length.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	return canonical, nil
}

// eventQueue is the inbound event channel shared by the service implementations.
// Emits after close are dropped instead of panicking.
type eventQueue struct {
	name    string
	mu      sync.RWMutex
	ch      chan models.InboundEvent
	stopped bool
}

func newEventQueue(name string) *eventQueue {
	return &eventQueue{name: name, ch: make(chan models.InboundEvent, DefaultChannelBufferSize)}
}

func (q *eventQueue) emit(ev models.InboundEvent) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		slog.Warn(q.name+": dropping inbound event, service stopped", "senderID", ev.SenderID)
		return false
	}
	select {
	case q.ch <- ev:
		slog.Debug(q.name+": inbound event forwarded", "senderID", ev.SenderID, "kind", ev.Kind)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(q.name+": events channel blocked, dropping event", "senderID", ev.SenderID, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close closes the channel once. It reports whether this call closed it.
func (q *eventQueue) close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.stopped = true
	close(q.ch)
	return true
}

func (q *eventQueue) isStopped() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stopped
}
