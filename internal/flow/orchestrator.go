package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// Orchestrator defaults.
const (
	DefaultCapabilityTimeout = 30 * time.Second
	DefaultSeedTurns         = 5
)

// ActionKind identifies what the caller must send back to the sender.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionReply
	ActionConfirm
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionReply:
		return "reply"
	case ActionConfirm:
		return "confirm"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// OutboundAction is the result of one state transition: nothing, a text reply,
// or a request to confirm a reminder draft.
type OutboundAction struct {
	Kind  ActionKind
	Text  string
	Draft *models.ReminderDraft
}

// Reply builds a text reply action.
func Reply(text string) OutboundAction {
	return OutboundAction{Kind: ActionReply, Text: text}
}

// ConfirmationRequest builds a confirmation request for d.
func ConfirmationRequest(d models.ReminderDraft) OutboundAction {
	return OutboundAction{Kind: ActionConfirm, Text: ConfirmationText(d), Draft: &d}
}

// NoAction builds the empty action.
func NoAction() OutboundAction {
	return OutboundAction{Kind: ActionNone}
}

// Capabilities groups the model-backed collaborators of the orchestrator.
type Capabilities struct {
	Classifier IntentClassifier
	Responder  GeneralResponder
	Extractor  ReminderExtractor
}

// OrchestratorOption configures a ConversationOrchestrator.
type OrchestratorOption func(*ConversationOrchestrator)

// WithCapabilityTimeout bounds every classifier, responder and extractor call.
func WithCapabilityTimeout(d time.Duration) OrchestratorOption {
	return func(o *ConversationOrchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithSeedTurns sets how many stored Q/A turns seed a new session.
func WithSeedTurns(n int) OrchestratorOption {
	return func(o *ConversationOrchestrator) {
		if n >= 0 {
			o.seedTurns = n
		}
	}
}

// WithOrchestratorClock overrides the time source.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *ConversationOrchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// ConversationOrchestrator routes one inbound text through intent
// classification to a reply, a clarifying question or a confirmation request.
type ConversationOrchestrator struct {
	store     store.Store
	sessions  *SessionStore
	pending   *PendingStore
	caps      Capabilities
	timeout   time.Duration
	seedTurns int
	now       func() time.Time
}

// NewConversationOrchestrator wires an orchestrator.
func NewConversationOrchestrator(st store.Store, sessions *SessionStore, pending *PendingStore, caps Capabilities, opts ...OrchestratorOption) *ConversationOrchestrator {
	o := &ConversationOrchestrator{
		store:     st,
		sessions:  sessions,
		pending:   pending,
		caps:      caps,
		timeout:   DefaultCapabilityTimeout,
		seedTurns: DefaultSeedTurns,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle processes one inbound text message from senderID. Capability failures
// yield NoAction together with an error wrapping ErrCapabilityFailure; in that
// case the stored session is left exactly as it was.
func (o *ConversationOrchestrator) Handle(ctx context.Context, senderID, text string) (OutboundAction, error) {
	if _, err := o.sessions.Sweep(); err != nil {
		slog.Warn("ConversationOrchestrator.Handle: session sweep failed", "error", err)
	}

	user, err := o.store.FindUserByChannelID(senderID)
	if err != nil {
		return NoAction(), fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		slog.Info("ConversationOrchestrator.Handle: unregistered sender", "senderID", senderID)
		return Reply(MsgRegisterFirst), nil
	}

	base, err := o.sessions.Snapshot(senderID, func() []models.ConversationMessage { return o.seed(user) })
	if err != nil {
		return NoAction(), err
	}

	now := o.now()
	userMsg := models.ConversationMessage{Role: models.RoleUser, Content: text, Timestamp: now}
	work := base.Clone()
	work.LatestInput = text
	work.History = o.sessions.AppendHistory(work.History, userMsg)
	work.LastInteraction = now

	intent, err := o.classify(ctx, work.History)
	if err != nil {
		return NoAction(), capabilityError("classify", err)
	}
	slog.Debug("ConversationOrchestrator.Handle: intent classified", "senderID", senderID, "intent", intent)

	switch intent {
	case models.IntentGeneral:
		return o.handleGeneral(ctx, user, base, work, userMsg)
	case models.IntentReminder:
		return o.handleReminder(ctx, user, base, work, userMsg)
	case models.IntentUnknown:
		o.commit(base, intent, text, userMsg)
		return NoAction(), nil
	default:
		return NoAction(), fmt.Errorf("unhandled intent %s", intent)
	}
}

func (o *ConversationOrchestrator) handleGeneral(ctx context.Context, user *models.User, base, work models.ConversationSession, userMsg models.ConversationMessage) (OutboundAction, error) {
	cctx, cancel := o.capabilityContext(ctx)
	reply, err := o.caps.Responder.Respond(cctx, user, work.History)
	cancel()
	if err != nil {
		return NoAction(), capabilityError("respond", err)
	}

	turn := models.MessageTurn{UserID: user.ID, UserText: userMsg.Content, ResponseText: reply, CreatedAt: o.now()}
	if err := o.store.AppendMessageTurn(turn); err != nil {
		slog.Error("ConversationOrchestrator.handleGeneral: persist turn failed", "userID", user.ID, "error", err)
	}

	o.commit(base, models.IntentGeneral, userMsg.Content, userMsg, assistant(reply, o.now()))
	return Reply(reply), nil
}

func (o *ConversationOrchestrator) handleReminder(ctx context.Context, user *models.User, base, work models.ConversationSession, userMsg models.ConversationMessage) (OutboundAction, error) {
	loc := ResolveLocation(user.Timezone)
	cctx, cancel := o.capabilityContext(ctx)
	ex, err := o.caps.Extractor.Extract(cctx, ExtractionRequest{
		SenderID: base.SenderID,
		User:     user,
		History:  work.History,
		Now:      o.now().In(loc),
	})
	cancel()
	if err != nil {
		return NoAction(), capabilityError("extract", err)
	}

	if !ex.Draft.IsComplete {
		if ex.Reply == "" {
			return NoAction(), capabilityError("extract", errors.New("incomplete draft without a question"))
		}
		o.commit(base, models.IntentReminder, userMsg.Content, userMsg, assistant(ex.Reply, o.now()))
		return Reply(ex.Reply), nil
	}

	if err := ex.Draft.Validate(); err != nil {
		return NoAction(), capabilityError("extract", err)
	}
	draft := ex.Draft
	draft.SenderID = base.SenderID
	o.pending.Put(base.SenderID, draft)
	// The draft stays out of the history until it is accepted or rejected.
	o.commit(base, models.IntentReminder, userMsg.Content, userMsg)
	slog.Info("ConversationOrchestrator.handleReminder: confirmation requested", "senderID", base.SenderID, "date", draft.Date, "hour", draft.Hour)
	return ConfirmationRequest(draft), nil
}

func (o *ConversationOrchestrator) classify(ctx context.Context, history []models.ConversationMessage) (models.Intent, error) {
	cctx, cancel := o.capabilityContext(ctx)
	defer cancel()
	return o.caps.Classifier.Classify(cctx, history)
}

func (o *ConversationOrchestrator) commit(base models.ConversationSession, intent models.Intent, latest string, msgs ...models.ConversationMessage) {
	_, err := o.sessions.Commit(base, func(s *models.ConversationSession) {
		s.LatestInput = latest
		s.CurrentIntent = intent
		s.History = append(s.History, msgs...)
	})
	if err != nil {
		slog.Error("ConversationOrchestrator.commit: session not saved", "senderID", base.SenderID, "error", err)
	}
}

func (o *ConversationOrchestrator) seed(user *models.User) []models.ConversationMessage {
	if o.seedTurns == 0 {
		return nil
	}
	turns, err := o.store.ListRecentMessages(user.ID, o.seedTurns)
	if err != nil {
		slog.Warn("ConversationOrchestrator.seed: cannot load recent turns", "userID", user.ID, "error", err)
		return nil
	}
	return SeedFromTurns(turns)
}

func (o *ConversationOrchestrator) capabilityContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

func assistant(content string, at time.Time) models.ConversationMessage {
	return models.ConversationMessage{Role: models.RoleAssistant, Content: content, Timestamp: at}
}

func capabilityError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCapabilityFailure, op, err)
}
