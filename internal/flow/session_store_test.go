package flow

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/testutil"
)

func TestSessionStore_SweepExpiresOnlyIdleSessions(t *testing.T) {
	repo := store.NewMemorySessionRepo()
	now := testNow
	s := NewSessionStore(repo, WithIdleTimeout(30*time.Minute), WithSessionClock(func() time.Time { return now }))

	for _, tc := range []struct {
		sender string
		idle   time.Duration
	}{
		{"old", 31 * time.Minute},
		{"older", 5 * time.Hour},
		{"fresh", 29 * time.Minute},
		{"now", 0},
	} {
		sess := models.ConversationSession{SenderID: tc.sender, LatestInput: "x", LastInteraction: now.Add(-tc.idle), Version: 3}
		if err := repo.SaveSession(sess); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	n, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired sessions, got %d", n)
	}
	for _, gone := range []string{"old", "older"} {
		if sess, _ := s.Get(gone); sess != nil {
			t.Errorf("session %q should have expired", gone)
		}
	}
	for _, kept := range []string{"fresh", "now"} {
		sess, _ := s.Get(kept)
		if sess == nil {
			t.Fatalf("session %q should survive", kept)
		}
		if sess.Version != 3 || sess.LatestInput != "x" {
			t.Errorf("surviving session %q was modified: %+v", kept, sess)
		}
	}
}

func TestSessionStore_SnapshotDoesNotPersist(t *testing.T) {
	s := NewSessionStore(store.NewMemorySessionRepo(), WithSessionClock(fixedClock(testNow)))
	seed := []models.ConversationMessage{{Role: models.RoleUser, Content: "hola"}}
	snap, err := s.Snapshot("S1", func() []models.ConversationMessage { return seed })
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.History) != 1 || snap.Version != 0 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if sess, _ := s.Get("S1"); sess != nil {
		t.Error("snapshot must not create a stored session")
	}
}

func TestSessionStore_CommitAppliesToLatest(t *testing.T) {
	s := NewSessionStore(store.NewMemorySessionRepo(), WithHistoryLimit(3), WithSessionClock(fixedClock(testNow)))
	base, _ := s.Snapshot("S1", nil)

	appendMsg := func(content string) func(*models.ConversationSession) {
		return func(sess *models.ConversationSession) {
			sess.History = append(sess.History, models.ConversationMessage{Role: models.RoleUser, Content: content})
		}
	}
	// Two commits from the same base: the second sees the first.
	if _, err := s.Commit(base, appendMsg("a")); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	got, err := s.Commit(base, appendMsg("b"))
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(got.History) != 2 || got.Version != 2 {
		t.Fatalf("expected both messages and version 2, got %+v", got)
	}

	for _, c := range []string{"c", "d"} {
		got, _ = s.Commit(got, appendMsg(c))
	}
	if len(got.History) != 3 || got.History[0].Content != "b" || got.History[2].Content != "d" {
		t.Errorf("history not trimmed to the newest 3: %+v", got.History)
	}
}

func TestSessionStore_ConcurrentCommitsLoseNothing(t *testing.T) {
	s := NewSessionStore(store.NewMemorySessionRepo(), WithHistoryLimit(1000))
	base, _ := s.Snapshot("S1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Commit(base, func(sess *models.ConversationSession) {
				sess.History = append(sess.History, models.ConversationMessage{Content: fmt.Sprint(i)})
			})
			if err != nil {
				t.Errorf("Commit failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	sess, _ := s.Get("S1")
	if len(sess.History) != 50 || sess.Version != 50 {
		t.Errorf("expected 50 messages at version 50, got %d at %d", len(sess.History), sess.Version)
	}
}

func TestSessionStore_SQLiteBackend(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	s := NewSessionStore(st, WithSessionClock(fixedClock(testNow)))
	base, _ := s.Snapshot("S1", nil)
	if _, err := s.Commit(base, func(sess *models.ConversationSession) {
		sess.CurrentIntent = models.IntentReminder
		sess.History = append(sess.History, models.ConversationMessage{Role: models.RoleUser, Content: "hola"})
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	sess, err := s.Get("S1")
	if err != nil || sess == nil {
		t.Fatalf("Get failed: %v %v", sess, err)
	}
	if sess.CurrentIntent != models.IntentReminder || len(sess.History) != 1 {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("S1")
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("expected at most one holder, saw %d", maxActive)
	}
	if km.Len() != 0 {
		t.Errorf("expected lock entries to be released, got %d", km.Len())
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("A")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("B")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on B blocked behind A")
	}
	unlockA()
}

func TestPendingStore_OnePerSender(t *testing.T) {
	p := NewPendingStore()
	p.Put("S1", models.ReminderDraft{Text: "uno"})
	p.Put("S1", models.ReminderDraft{Text: "dos"})
	p.Put("S2", models.ReminderDraft{Text: "tres"})
	if p.Len() != 2 {
		t.Fatalf("expected 2 drafts, got %d", p.Len())
	}
	d, ok := p.Take("S1")
	if !ok || d.Text != "dos" || d.SenderID != "S1" {
		t.Errorf("unexpected draft: %+v", d)
	}
	if _, ok := p.Take("S1"); ok {
		t.Error("second take must find nothing")
	}
	if p.Clear("S1") {
		t.Error("clear on empty sender must report false")
	}
}

func TestPendingStore_RestoreDoesNotOverwriteNewer(t *testing.T) {
	p := NewPendingStore()
	p.Put("S1", models.ReminderDraft{Text: "vieja"})
	old, _ := p.Take("S1")
	p.Put("S1", models.ReminderDraft{Text: "nueva"})
	if p.Restore("S1", old) {
		t.Error("restore must not replace a newer draft")
	}
	if d, _ := p.Get("S1"); d.Text != "nueva" {
		t.Errorf("expected newer draft, got %+v", d)
	}
}

func TestPendingStore_ConcurrentTakeYieldsOnce(t *testing.T) {
	p := NewPendingStore()
	p.Put("S1", models.ReminderDraft{Text: "x"})
	var got int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := p.Take("S1"); ok {
				atomic.AddInt32(&got, 1)
			}
		}()
	}
	wg.Wait()
	if got != 1 {
		t.Errorf("expected exactly one successful take, got %d", got)
	}
}
