package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// Tuesday 13 October 2026, 10:00 UTC (12:00 in Madrid).
var testNow = time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)

type orchestratorFixture struct {
	st       *store.InMemoryStore
	user     *models.User
	sessions *SessionStore
	pending  *PendingStore
	cls      *fakeClassifier
	resp     *fakeResponder
	ext      *fakeExtractor
	orch     *ConversationOrchestrator
}

func newOrchestratorFixture(t *testing.T, sessionOpts ...SessionOption) *orchestratorFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	f := &orchestratorFixture{
		st:      st,
		user:    mustUser(t, st, "S1", "Ana", "Europe/Madrid"),
		pending: NewPendingStore(),
		cls:     &fakeClassifier{},
		resp:    &fakeResponder{reply: "Claro, aquí tienes."},
		ext:     &fakeExtractor{},
	}
	opts := append([]SessionOption{WithSessionClock(fixedClock(testNow))}, sessionOpts...)
	f.sessions = NewSessionStore(st, opts...)
	f.orch = NewConversationOrchestrator(st, f.sessions, f.pending,
		Capabilities{Classifier: f.cls, Responder: f.resp, Extractor: f.ext},
		WithOrchestratorClock(fixedClock(testNow)),
		WithCapabilityTimeout(time.Second),
	)
	return f
}

func TestOrchestrator_IncompleteReminderAsksForHour(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cls.intents = []models.Intent{models.IntentReminder}
	f.ext.results = []Extraction{{
		Reply: "¿A qué hora quieres que te lo recuerde?",
		Draft: models.ReminderDraft{Text: "comprar pan", Date: "2026-10-15", IsComplete: false},
	}}

	action, err := f.orch.Handle(context.Background(), "S1", "Recuérdame comprar pan el jueves.")
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if action.Kind != ActionReply || action.Text != "¿A qué hora quieres que te lo recuerde?" {
		t.Fatalf("unexpected action: %+v", action)
	}
	if f.pending.Len() != 0 {
		t.Errorf("expected no pending draft, got %d", f.pending.Len())
	}
	if loc := f.ext.lastReq.Now.Location().String(); loc != "Europe/Madrid" {
		t.Errorf("extractor got location %q", loc)
	}
	if h := f.ext.lastReq.Now.Hour(); h != 12 {
		t.Errorf("extractor got local hour %d, want 12", h)
	}

	sess, _ := f.sessions.Get("S1")
	if sess == nil || len(sess.History) != 2 {
		t.Fatalf("expected user+assistant history, got %+v", sess)
	}
	if sess.CurrentIntent != models.IntentReminder {
		t.Errorf("intent = %s", sess.CurrentIntent)
	}
}

func TestOrchestrator_CompleteReminderRequestsConfirmation(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cls.intents = []models.Intent{models.IntentReminder}
	f.ext.results = []Extraction{
		{Reply: "¿A qué hora?", Draft: models.ReminderDraft{Text: "comprar pan", Date: "2026-10-15"}},
		{Reply: "Listo", Draft: models.ReminderDraft{Text: "comprar pan", Date: "2026-10-15", Hour: "12:30", IsComplete: true}},
	}
	ctx := context.Background()
	if _, err := f.orch.Handle(ctx, "S1", "Recuérdame comprar pan el jueves."); err != nil {
		t.Fatalf("first Handle failed: %v", err)
	}

	action, err := f.orch.Handle(ctx, "S1", "a las 12:30")
	if err != nil {
		t.Fatalf("second Handle failed: %v", err)
	}
	if action.Kind != ActionConfirm || action.Draft == nil {
		t.Fatalf("expected confirmation request, got %+v", action)
	}
	want := "¿Quieres confirmar el recordatorio *comprar pan* para el *15/10/2026* a las *12:30*?"
	if action.Text != want {
		t.Errorf("confirmation text = %q, want %q", action.Text, want)
	}
	draft, ok := f.pending.Get("S1")
	if !ok {
		t.Fatal("expected a pending draft for S1")
	}
	if draft.Text != "comprar pan" || draft.Date != "2026-10-15" || draft.Hour != "12:30" || draft.SenderID != "S1" {
		t.Errorf("unexpected pending draft: %+v", draft)
	}

	sess, _ := f.sessions.Get("S1")
	if len(sess.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(sess.History))
	}
	if last := sess.History[2]; last.Role != models.RoleUser || last.Content != "a las 12:30" {
		t.Errorf("draft must not be recorded in history, last entry: %+v", last)
	}
}

func TestOrchestrator_SecondDraftReplacesFirst(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cls.intents = []models.Intent{models.IntentReminder}
	f.ext.results = []Extraction{
		{Draft: models.ReminderDraft{Text: "llamar a mamá", Date: "2026-10-14", Hour: "09:00", IsComplete: true}},
		{Draft: models.ReminderDraft{Text: "regar plantas", Date: "2026-10-16", Hour: "18:00", IsComplete: true}},
	}
	ctx := context.Background()
	for _, msg := range []string{"recuérdame llamar a mamá mañana a las 9", "mejor recuérdame regar las plantas el viernes a las 18"} {
		if _, err := f.orch.Handle(ctx, "S1", msg); err != nil {
			t.Fatalf("Handle(%q) failed: %v", msg, err)
		}
	}
	if f.pending.Len() != 1 {
		t.Fatalf("expected exactly one pending draft, got %d", f.pending.Len())
	}
	d, _ := f.pending.Get("S1")
	if d.Text != "regar plantas" {
		t.Errorf("expected latest draft, got %+v", d)
	}
}

func TestOrchestrator_UnregisteredSender(t *testing.T) {
	f := newOrchestratorFixture(t)
	action, err := f.orch.Handle(context.Background(), "stranger", "hola")
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if action.Kind != ActionReply || action.Text != MsgRegisterFirst {
		t.Errorf("unexpected action: %+v", action)
	}
	if f.cls.calls != 0 {
		t.Errorf("classifier must not run for unregistered senders")
	}
	if sess, _ := f.sessions.Get("stranger"); sess != nil {
		t.Errorf("no session expected, got %+v", sess)
	}
}

func TestOrchestrator_GeneralPersistsTurn(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cls.intents = []models.Intent{models.IntentGeneral}

	action, err := f.orch.Handle(context.Background(), "S1", "¿Cuál es la capital de Francia?")
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if action.Kind != ActionReply || action.Text != f.resp.reply {
		t.Fatalf("unexpected action: %+v", action)
	}
	turns, err := f.st.ListRecentMessages(f.user.ID, 5)
	if err != nil {
		t.Fatalf("ListRecentMessages failed: %v", err)
	}
	if len(turns) != 1 || turns[0].UserText != "¿Cuál es la capital de Francia?" || turns[0].ResponseText != f.resp.reply {
		t.Errorf("unexpected turns: %+v", turns)
	}
	if f.ext.calls != 0 {
		t.Errorf("extractor must not run for general intent")
	}
}

func TestOrchestrator_UnknownIntentEndsTurnSilently(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cls.intents = []models.Intent{models.IntentUnknown}

	action, err := f.orch.Handle(context.Background(), "S1", "adiós")
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if action.Kind != ActionNone {
		t.Errorf("expected NoAction, got %+v", action)
	}
	if f.resp.calls != 0 || f.ext.calls != 0 {
		t.Error("no capability beyond the classifier should run")
	}
}

func TestOrchestrator_CapabilityFailurePreservesSession(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cls.intents = []models.Intent{models.IntentGeneral}
	ctx := context.Background()
	if _, err := f.orch.Handle(ctx, "S1", "hola"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	before, _ := f.sessions.Get("S1")

	tests := []struct {
		name  string
		setup func()
	}{
		{"classifier", func() { f.cls.err = errModelDown }},
		{"responder", func() { f.cls.err = nil; f.resp.err = errModelDown }},
		{"extractor", func() {
			f.resp.err = nil
			f.cls.intents = []models.Intent{models.IntentReminder}
			f.ext.err = errModelDown
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			action, err := f.orch.Handle(ctx, "S1", "otra cosa")
			if !errors.Is(err, ErrCapabilityFailure) {
				t.Fatalf("expected capability failure, got %v", err)
			}
			if action.Kind != ActionNone {
				t.Errorf("expected NoAction, got %+v", action)
			}
			after, _ := f.sessions.Get("S1")
			if after.Version != before.Version || len(after.History) != len(before.History) || after.LatestInput != before.LatestInput {
				t.Errorf("session mutated: before=%+v after=%+v", before, after)
			}
		})
	}
}

func TestOrchestrator_CapabilityFailureOnFirstMessageCreatesNoSession(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cls.err = errModelDown
	if _, err := f.orch.Handle(context.Background(), "S1", "hola"); err == nil {
		t.Fatal("expected error")
	}
	if sess, _ := f.sessions.Get("S1"); sess != nil {
		t.Errorf("expected no session, got %+v", sess)
	}
}

func TestOrchestrator_InvalidCompleteDraftIsCapabilityFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.cls.intents = []models.Intent{models.IntentReminder}
	f.ext.results = []Extraction{{Draft: models.ReminderDraft{Text: "x", Date: "15/10/2026", Hour: "12:30", IsComplete: true}}}

	action, err := f.orch.Handle(context.Background(), "S1", "recuérdame x")
	if !errors.Is(err, ErrCapabilityFailure) || !errors.Is(err, models.ErrInvalidDate) {
		t.Fatalf("expected invalid date capability failure, got %v", err)
	}
	if action.Kind != ActionNone || f.pending.Len() != 0 {
		t.Errorf("no draft should be pending, action=%+v", action)
	}
}

func TestOrchestrator_HistoryIsBounded(t *testing.T) {
	f := newOrchestratorFixture(t, WithHistoryLimit(4))
	f.cls.intents = []models.Intent{models.IntentGeneral}
	for i := 0; i < 5; i++ {
		if _, err := f.orch.Handle(context.Background(), "S1", "pregunta"); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
	}
	sess, _ := f.sessions.Get("S1")
	if len(sess.History) != 4 {
		t.Errorf("expected 4 history entries, got %d", len(sess.History))
	}
	for _, h := range f.cls.seen {
		if len(h) > 4 {
			t.Errorf("classifier saw %d messages, bound is 4", len(h))
		}
	}
}

func TestOrchestrator_NewSessionSeededFromRecentTurns(t *testing.T) {
	f := newOrchestratorFixture(t)
	for _, q := range []string{"primera", "segunda"} {
		turn := models.MessageTurn{UserID: f.user.ID, UserText: q, ResponseText: "respuesta " + q, CreatedAt: testNow.Add(-time.Hour)}
		if err := f.st.AppendMessageTurn(turn); err != nil {
			t.Fatalf("AppendMessageTurn failed: %v", err)
		}
	}
	f.cls.intents = []models.Intent{models.IntentUnknown}

	if _, err := f.orch.Handle(context.Background(), "S1", "tercera"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(f.cls.seen) != 1 {
		t.Fatalf("expected one classification")
	}
	h := f.cls.seen[0]
	if len(h) != 5 {
		t.Fatalf("expected 4 seeded + 1 new messages, got %d", len(h))
	}
	if h[0].Content != "primera" || h[1].Content != "respuesta primera" || h[4].Content != "tercera" {
		t.Errorf("unexpected seeded order: %+v", h)
	}
}

func TestOrchestrator_TextDoesNotResolvePendingDraft(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.pending.Put("S1", models.ReminderDraft{Text: "comprar pan", Date: "2026-10-15", Hour: "12:30", IsComplete: true})
	f.cls.intents = []models.Intent{models.IntentGeneral}

	if _, err := f.orch.Handle(context.Background(), "S1", "sí"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !f.pending.Has("S1") {
		t.Error("a text message must leave the pending draft untouched")
	}
}

func TestActionKindString(t *testing.T) {
	if ActionConfirm.String() != "confirm" || ActionKind(9).String() != "ActionKind(9)" {
		t.Errorf("unexpected strings: %s %s", ActionConfirm, ActionKind(9))
	}
}
