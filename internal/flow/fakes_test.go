package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

var errModelDown = errors.New("model unavailable")

type fakeClassifier struct {
	mu      sync.Mutex
	intents []models.Intent
	err     error
	calls   int
	seen    [][]models.ConversationMessage
}

func (f *fakeClassifier) Classify(ctx context.Context, history []models.ConversationMessage) (models.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = append(f.seen, append([]models.ConversationMessage(nil), history...))
	if f.err != nil {
		return models.IntentUnknown, f.err
	}
	if len(f.intents) == 0 {
		return models.IntentUnknown, nil
	}
	i := f.intents[0]
	if len(f.intents) > 1 {
		f.intents = f.intents[1:]
	}
	return i, nil
}

type fakeResponder struct {
	reply string
	err   error
	calls int
}

func (f *fakeResponder) Respond(ctx context.Context, user *models.User, history []models.ConversationMessage) (string, error) {
	f.calls++
	return f.reply, f.err
}

type fakeExtractor struct {
	results []Extraction
	err     error
	calls   int
	lastReq ExtractionRequest
}

func (f *fakeExtractor) Extract(ctx context.Context, req ExtractionRequest) (Extraction, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return Extraction{}, f.err
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r, nil
}

type fakeRenderer struct {
	body string
	err  error
	req  RenderRequest
}

func (f *fakeRenderer) Render(ctx context.Context, req RenderRequest) (string, error) {
	f.req = req
	return f.body, f.err
}

type sentMessage struct {
	To   string
	Body string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
	// delay widens race windows in concurrency tests.
	delay time.Duration
}

func (f *fakeSender) SendMessage(ctx context.Context, to, body string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{To: to, Body: body})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type scheduledTask struct {
	TaskID  string
	At      time.Time
	Payload interface{}
}

type fakeDispatcher struct {
	tasks []scheduledTask
	err   error
}

func (f *fakeDispatcher) ScheduleAt(taskID string, at time.Time, payload interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, scheduledTask{TaskID: taskID, At: at, Payload: payload})
	return nil
}

type fakeCreator struct {
	calls int
	err   error
	last  [3]string
}

func (f *fakeCreator) Create(ctx context.Context, user *models.User, text, date, hour string) (int64, error) {
	f.calls++
	f.last = [3]string{text, date, hour}
	if f.err != nil {
		return 0, f.err
	}
	return int64(f.calls), nil
}

// failingReminderStore rejects reminder creation.
type failingReminderStore struct {
	store.Store
}

func (failingReminderStore) CreateReminder(r *models.Reminder) error {
	return errors.New("disk full")
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func mustUser(t *testing.T, st store.Store, channelID, name, tz string) *models.User {
	t.Helper()
	u := &models.User{ChannelID: channelID, Name: name, Timezone: tz}
	if err := st.CreateUser(u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}
