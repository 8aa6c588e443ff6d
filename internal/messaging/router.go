package messaging

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/flow"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"golang.org/x/sync/errgroup"
)

// Router defaults.
const (
	DefaultRouterWorkers   = 4
	DefaultShardQueueSize  = 32
	DefaultMarkReadTimeout = 10 * time.Second
)

// ConversationHandler runs one text message through the conversation state machine.
type ConversationHandler interface {
	Handle(ctx context.Context, senderID, text string) (flow.OutboundAction, error)
}

// ButtonHandler resolves a confirmation button press.
type ButtonHandler interface {
	HandleButton(ctx context.Context, senderID, buttonID string) (flow.OutboundAction, error)
}

// RouterOption configures an InboundRouter.
type RouterOption func(*InboundRouter)

// WithWorkers sets the number of shards processing events in parallel.
func WithWorkers(n int) RouterOption {
	return func(r *InboundRouter) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithDedup makes processing idempotent across redeliveries of a message id.
func WithDedup(repo store.DedupRepo) RouterOption {
	return func(r *InboundRouter) { r.dedup = repo }
}

// InboundRouter consumes a Service's events and drives the conversation and
// confirmation handlers. Events of one sender are processed in order by a
// single shard; different senders proceed in parallel.
type InboundRouter struct {
	svc     Service
	conv    ConversationHandler
	buttons ButtonHandler
	dedup   store.DedupRepo
	workers int
}

// NewInboundRouter creates an InboundRouter.
func NewInboundRouter(svc Service, conv ConversationHandler, buttons ButtonHandler, opts ...RouterOption) *InboundRouter {
	r := &InboundRouter{
		svc:     svc,
		conv:    conv,
		buttons: buttons,
		workers: DefaultRouterWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func shardFor(senderID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(senderID))
	return int(h.Sum32() % uint32(n))
}

// Run processes events until ctx is cancelled or the service's event channel
// closes. Queued events are drained before it returns.
func (r *InboundRouter) Run(ctx context.Context) error {
	shards := make([]chan models.InboundEvent, r.workers)
	for i := range shards {
		shards[i] = make(chan models.InboundEvent, DefaultShardQueueSize)
	}

	// Shards finish queued work even after ctx is cancelled.
	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	for i := range shards {
		queue := shards[i]
		g.Go(func() error {
			for ev := range queue {
				if err := r.Process(work, ev); err != nil {
					slog.Error("InboundRouter.Run: event failed", "senderID", ev.SenderID, "messageID", ev.MessageID, "error", err)
				}
			}
			return nil
		})
	}

	slog.Info("InboundRouter.Run: started", "workers", r.workers)
	defer func() {
		for _, q := range shards {
			close(q)
		}
		_ = g.Wait()
		slog.Info("InboundRouter.Run: stopped")
	}()

	events := r.svc.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			select {
			case shards[shardFor(ev.SenderID, r.workers)] <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Process handles a single event synchronously.
func (r *InboundRouter) Process(ctx context.Context, ev models.InboundEvent) error {
	if ev.SenderID == "" {
		return fmt.Errorf("event without sender")
	}
	if r.dedup != nil && ev.MessageID != "" {
		fresh, err := r.dedup.RecordInbound(ev.MessageID, ev.SenderID)
		if err != nil {
			slog.Warn("InboundRouter.Process: dedup check failed, processing anyway", "messageID", ev.MessageID, "error", err)
		} else if !fresh {
			slog.Info("InboundRouter.Process: duplicate message ignored", "senderID", ev.SenderID, "messageID", ev.MessageID)
			return nil
		}
	}

	go r.markRead(ev)

	var (
		action flow.OutboundAction
		err    error
	)
	switch ev.Kind {
	case models.MessageKindButton:
		action, err = r.buttons.HandleButton(ctx, ev.SenderID, ev.ButtonID)
	case models.MessageKindText:
		action, err = r.conv.Handle(ctx, ev.SenderID, ev.Text)
	default:
		err = fmt.Errorf("unsupported message kind %q", ev.Kind)
	}
	if err != nil {
		// Capability failures still return the action to perform, which is none.
		slog.Error("InboundRouter.Process: handler failed", "senderID", ev.SenderID, "kind", ev.Kind, "error", err)
	}

	sendErr := r.perform(ctx, ev.SenderID, action)

	if r.dedup != nil && ev.MessageID != "" {
		if err := r.dedup.MarkProcessed(ev.MessageID); err != nil {
			slog.Warn("InboundRouter.Process: mark processed failed", "messageID", ev.MessageID, "error", err)
		}
	}
	return sendErr
}

func (r *InboundRouter) perform(ctx context.Context, senderID string, action flow.OutboundAction) error {
	switch action.Kind {
	case flow.ActionReply:
		if err := r.svc.SendMessage(ctx, senderID, action.Text); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	case flow.ActionConfirm:
		if action.Draft == nil {
			return fmt.Errorf("confirmation action without draft")
		}
		if err := r.svc.SendConfirmation(ctx, senderID, *action.Draft); err != nil {
			return fmt.Errorf("send confirmation: %w", err)
		}
	case flow.ActionNone:
		slog.Debug("InboundRouter.perform: nothing to send", "senderID", senderID)
	}
	return nil
}

// markRead acknowledges the message on its own deadline; failures are only logged.
func (r *InboundRouter) markRead(ev models.InboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultMarkReadTimeout)
	defer cancel()
	if err := r.svc.MarkRead(ctx, ev); err != nil {
		slog.Warn("InboundRouter.markRead: failed", "messageID", ev.MessageID, "error", err)
	}
}
