package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// DeliveryTolerance is how far the intended instant may be from now and still
// count as due.
const DeliveryTolerance = 2 * time.Minute

// DeliveryOutcome is the terminal state of one delivery attempt.
type DeliveryOutcome int

const (
	DeliveryPending DeliveryOutcome = iota
	DeliveryRescheduled
	DeliverySent
	DeliverySkipped
	DeliveryRetrying
	DeliveryFailed
)

func (o DeliveryOutcome) String() string {
	switch o {
	case DeliveryPending:
		return "pending"
	case DeliveryRescheduled:
		return "rescheduled"
	case DeliverySent:
		return "sent"
	case DeliverySkipped:
		return "skipped"
	case DeliveryRetrying:
		return "retrying"
	case DeliveryFailed:
		return "failed"
	default:
		return "DeliveryOutcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// DeliveryResult describes what an attempt did.
type DeliveryResult struct {
	Outcome DeliveryOutcome
	// RunAt is set when Outcome is DeliveryRescheduled.
	RunAt time.Time
}

// DeliveryOption configures a DeliveryWorker.
type DeliveryOption func(*DeliveryWorker)

// WithDeliveryClock overrides the time source.
func WithDeliveryClock(now func() time.Time) DeliveryOption {
	return func(w *DeliveryWorker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithRenderTimeout bounds the renderer call.
func WithRenderTimeout(d time.Duration) DeliveryOption {
	return func(w *DeliveryWorker) {
		if d > 0 {
			w.renderTimeout = d
		}
	}
}

// DeliveryWorker sends due reminders and marks them sent.
type DeliveryWorker struct {
	store         store.Store
	sender        MessageSender
	renderer      MessageRenderer
	locks         *KeyedMutex
	renderTimeout time.Duration
	now           func() time.Time
}

// NewDeliveryWorker creates a DeliveryWorker. renderer may be nil, in which
// case the fixed reminder template is always used.
func NewDeliveryWorker(st store.Store, sender MessageSender, renderer MessageRenderer, opts ...DeliveryOption) *DeliveryWorker {
	w := &DeliveryWorker{
		store:         st,
		sender:        sender,
		renderer:      renderer,
		locks:         NewKeyedMutex(),
		renderTimeout: DefaultCapabilityTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Deliver runs one delivery attempt. Errors wrapped with store.Permanent must
// not be retried; any other error is a transient send failure.
func (w *DeliveryWorker) Deliver(ctx context.Context, p DeliveryPayload) (DeliveryResult, error) {
	unlock := w.locks.Lock(strconv.FormatInt(p.ReminderID, 10))
	defer unlock()

	r, err := w.store.GetReminder(p.ReminderID)
	if err != nil {
		return DeliveryResult{Outcome: DeliveryRetrying}, fmt.Errorf("load reminder: %w", err)
	}
	if r == nil {
		return DeliveryResult{Outcome: DeliveryFailed}, store.Permanent(fmt.Errorf("reminder %d: %w", p.ReminderID, store.ErrNotFound))
	}
	if r.Sent {
		slog.Info("DeliveryWorker.Deliver: already sent, skipping", "reminderID", r.ID)
		return DeliveryResult{Outcome: DeliverySkipped}, nil
	}

	user, err := w.store.GetUser(r.UserID)
	if err != nil {
		return DeliveryResult{Outcome: DeliveryRetrying}, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return DeliveryResult{Outcome: DeliveryFailed}, store.Permanent(fmt.Errorf("user %d: %w", r.UserID, models.ErrUserNotFound))
	}

	tz := user.Timezone
	if tz == "" {
		tz = p.Timezone
	}
	loc := ResolveLocation(tz)
	intended, err := LocalInstant(r.Date, r.Hour, loc)
	if err != nil {
		return DeliveryResult{Outcome: DeliveryFailed}, store.Permanent(fmt.Errorf("reminder %d has invalid schedule: %w", r.ID, err))
	}
	now := w.now()
	diff := intended.Sub(now)
	switch {
	case diff > DeliveryTolerance:
		slog.Info("DeliveryWorker.Deliver: woke early, rescheduling", "reminderID", r.ID, "remaining", diff, "runAt", intended.UTC())
		return DeliveryResult{Outcome: DeliveryRescheduled, RunAt: intended.UTC()}, nil
	case diff < -DeliveryTolerance:
		slog.Warn("DeliveryWorker.Deliver: missed delivery window, sending late", "reminderID", r.ID, "late", -diff)
	}

	body := w.render(ctx, user, *r, now.In(loc))
	if err := w.sender.SendMessage(ctx, user.ChannelID, body); err != nil {
		slog.Error("DeliveryWorker.Deliver: send failed", "reminderID", r.ID, "error", err)
		return DeliveryResult{Outcome: DeliveryRetrying}, fmt.Errorf("send reminder %d: %w", r.ID, err)
	}

	flipped, err := w.store.MarkReminderSent(r.ID)
	if err != nil {
		// The message went out; retrying would send it again.
		slog.Error("DeliveryWorker.Deliver: reminder sent but not marked", "reminderID", r.ID, "error", err)
		return DeliveryResult{Outcome: DeliveryFailed}, store.Permanent(fmt.Errorf("mark reminder %d sent: %w", r.ID, err))
	}
	if !flipped {
		slog.Warn("DeliveryWorker.Deliver: reminder was already marked sent", "reminderID", r.ID)
	}
	slog.Info("DeliveryWorker.Deliver: reminder sent", "reminderID", r.ID, "userID", user.ID)
	return DeliveryResult{Outcome: DeliverySent}, nil
}

func (w *DeliveryWorker) render(ctx context.Context, user *models.User, r models.Reminder, now time.Time) string {
	if w.renderer == nil {
		return FallbackReminderText(user.Name, r)
	}
	rctx, cancel := context.WithTimeout(ctx, w.renderTimeout)
	defer cancel()
	body, err := w.renderer.Render(rctx, RenderRequest{Name: user.Name, Text: r.Text, Date: r.Date, Hour: r.Hour, Now: now})
	if err != nil || body == "" {
		if err == nil {
			err = errors.New("empty rendering")
		}
		slog.Warn("DeliveryWorker.render: using fallback text", "reminderID", r.ID, "error", err)
		return FallbackReminderText(user.Name, r)
	}
	return body
}

// HandleJob adapts Deliver to the durable job runner.
func (w *DeliveryWorker) HandleJob(ctx context.Context, payload string) error {
	p, err := decodeDeliveryPayload(payload)
	if err != nil {
		return store.Permanent(err)
	}
	res, err := w.Deliver(ctx, p)
	if err != nil {
		return err
	}
	if res.Outcome == DeliveryRescheduled {
		return store.Reschedule(res.RunAt)
	}
	return nil
}
