package store

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

type testStore interface {
	Store
	SessionRepo
}

// storeFactories lets the contract tests run against every Store implementation.
func storeFactories() map[string]func(t *testing.T) testStore {
	return map[string]func(t *testing.T) testStore{
		"memory": func(t *testing.T) testStore { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) testStore { return newTestSQLiteStore(t) },
	}
}

func TestStore_Users(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			u := &models.User{ChannelID: "34600000001", Name: "Lucía", Timezone: "Europe/Madrid"}
			if err := s.CreateUser(u); err != nil {
				t.Fatalf("CreateUser failed: %v", err)
			}
			if u.ID == 0 {
				t.Fatal("CreateUser did not assign an ID")
			}

			dup := &models.User{ChannelID: "34600000001", Name: "Otra", Timezone: "UTC"}
			if err := s.CreateUser(dup); !errors.Is(err, ErrDuplicateUser) {
				t.Errorf("Expected ErrDuplicateUser, got %v", err)
			}

			found, err := s.FindUserByChannelID("34600000001")
			if err != nil || found == nil {
				t.Fatalf("FindUserByChannelID = %v, %v", found, err)
			}
			if found.ID != u.ID || found.Timezone != "Europe/Madrid" || found.Name != "Lucía" {
				t.Errorf("Unexpected user %+v", found)
			}

			missing, err := s.FindUserByChannelID("34999999999")
			if err != nil || missing != nil {
				t.Errorf("Expected (nil, nil) for unknown channel id, got (%v, %v)", missing, err)
			}

			byID, err := s.GetUser(u.ID)
			if err != nil || byID == nil || byID.ChannelID != u.ChannelID {
				t.Errorf("GetUser = %v, %v", byID, err)
			}
		})
	}
}

func TestStore_MessageTurns(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			u := &models.User{ChannelID: "34600000002", Timezone: "UTC"}
			if err := s.CreateUser(u); err != nil {
				t.Fatalf("CreateUser failed: %v", err)
			}

			base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
			for i := 0; i < 7; i++ {
				turn := models.MessageTurn{
					UserID:       u.ID,
					UserText:     string(rune('a' + i)),
					ResponseText: "ok",
					CreatedAt:    base.Add(time.Duration(i) * time.Minute),
				}
				if err := s.AppendMessageTurn(turn); err != nil {
					t.Fatalf("AppendMessageTurn failed: %v", err)
				}
			}

			turns, err := s.ListRecentMessages(u.ID, 5)
			if err != nil {
				t.Fatalf("ListRecentMessages failed: %v", err)
			}
			if len(turns) != 5 {
				t.Fatalf("Expected 5 turns, got %d", len(turns))
			}
			if turns[0].UserText != "c" || turns[4].UserText != "g" {
				t.Errorf("Expected the last five turns oldest first, got %q..%q", turns[0].UserText, turns[4].UserText)
			}
		})
	}
}

func TestStore_Reminders(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			u := &models.User{ChannelID: "34600000003", Timezone: "UTC"}
			if err := s.CreateUser(u); err != nil {
				t.Fatalf("CreateUser failed: %v", err)
			}

			r := &models.Reminder{UserID: u.ID, Text: "comprar pan", Date: "2025-03-06", Hour: "12:30"}
			if err := s.CreateReminder(r); err != nil {
				t.Fatalf("CreateReminder failed: %v", err)
			}
			if r.ID == 0 || r.Sent {
				t.Fatalf("Unexpected created reminder %+v", r)
			}

			got, err := s.GetReminder(r.ID)
			if err != nil || got == nil || got.Text != "comprar pan" || got.Sent {
				t.Fatalf("GetReminder = %+v, %v", got, err)
			}

			pending, _ := s.ListReminders(u.ID, true)
			if len(pending) != 1 {
				t.Errorf("Expected 1 pending reminder, got %d", len(pending))
			}

			flipped, err := s.MarkReminderSent(r.ID)
			if err != nil || !flipped {
				t.Fatalf("first MarkReminderSent = %v, %v", flipped, err)
			}
			flipped, err = s.MarkReminderSent(r.ID)
			if err != nil || flipped {
				t.Errorf("second MarkReminderSent = %v, %v; want false, nil", flipped, err)
			}
			if _, err := s.MarkReminderSent(9999); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound for unknown reminder, got %v", err)
			}

			pending, _ = s.ListReminders(u.ID, true)
			if len(pending) != 0 {
				t.Errorf("Expected no pending reminders, got %d", len(pending))
			}
			all, _ := s.ListReminders(u.ID, false)
			if len(all) != 1 || !all[0].Sent {
				t.Errorf("Expected one sent reminder, got %+v", all)
			}
			unsent, _ := s.ListUnsentReminders(0, 10)
			if len(unsent) != 0 {
				t.Errorf("Expected no unsent reminders, got %d", len(unsent))
			}
		})
	}
}

func TestStore_MarkReminderSentConcurrent(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			u := &models.User{ChannelID: "34600000004", Timezone: "UTC"}
			s.CreateUser(u)
			r := &models.Reminder{UserID: u.ID, Text: "x", Date: "2025-03-06", Hour: "12:30"}
			s.CreateReminder(r)

			var wg sync.WaitGroup
			var mu sync.Mutex
			flips := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.MarkReminderSent(r.ID)
					if err != nil {
						t.Errorf("MarkReminderSent failed: %v", err)
						return
					}
					if ok {
						mu.Lock()
						flips++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if flips != 1 {
				t.Errorf("Expected exactly one successful flip, got %d", flips)
			}
		})
	}
}

func TestStore_Sessions(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			now := time.Now().UTC().Truncate(time.Second)

			fresh := models.ConversationSession{
				SenderID:        "S1",
				LatestInput:     "hola",
				History:         []models.ConversationMessage{{Role: models.RoleUser, Content: "hola", Timestamp: now}},
				CurrentIntent:   models.IntentGeneral,
				LastInteraction: now,
				Version:         1,
			}
			stale := models.ConversationSession{SenderID: "S2", LastInteraction: now.Add(-time.Hour)}
			if err := s.SaveSession(fresh); err != nil {
				t.Fatalf("SaveSession failed: %v", err)
			}
			if err := s.SaveSession(stale); err != nil {
				t.Fatalf("SaveSession failed: %v", err)
			}

			got, err := s.GetSession("S1")
			if err != nil || got == nil {
				t.Fatalf("GetSession = %v, %v", got, err)
			}
			if got.CurrentIntent != models.IntentGeneral || len(got.History) != 1 || got.Version != 1 {
				t.Errorf("Unexpected session %+v", got)
			}

			n, err := s.DeleteSessionsIdleSince(now.Add(-30 * time.Minute))
			if err != nil {
				t.Fatalf("DeleteSessionsIdleSince failed: %v", err)
			}
			if n != 1 {
				t.Errorf("Expected 1 expired session, got %d", n)
			}
			if gone, _ := s.GetSession("S2"); gone != nil {
				t.Error("Expected idle session to be removed")
			}
			if kept, _ := s.GetSession("S1"); kept == nil {
				t.Error("Expected active session to survive")
			}

			if err := s.DeleteSession("S1"); err != nil {
				t.Fatalf("DeleteSession failed: %v", err)
			}
			if gone, _ := s.GetSession("S1"); gone != nil {
				t.Error("Expected deleted session to be absent")
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@localhost/db", "postgres"},
		{"postgresql://u:p@localhost/db", "postgres"},
		{"host=localhost dbname=remind sslmode=disable", "postgres"},
		{"/var/lib/remindpipe/remindpipe.db", "sqlite3"},
		{"file:/tmp/x.db?_foreign_keys=on", "sqlite3"},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestSQLiteDSNWithPragmas(t *testing.T) {
	if got := sqliteDSNWithPragmas("/tmp/a.db"); got != "/tmp/a.db?_foreign_keys=on&_busy_timeout=5000" {
		t.Errorf("unexpected DSN %q", got)
	}
	if got := sqliteDSNWithPragmas("file:/tmp/a.db?_foreign_keys=on"); got != "file:/tmp/a.db?_foreign_keys=on&_busy_timeout=5000" {
		t.Errorf("unexpected DSN %q", got)
	}
	if got := sqliteFilePath("file:/tmp/dir/a.db?_foreign_keys=on"); got != "/tmp/dir/a.db" {
		t.Errorf("unexpected path %q", got)
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()

	channelID := "pgtest-" + time.Now().Format("150405.000000")
	u := &models.User{ChannelID: channelID, Timezone: "UTC"}
	if err := pgStore.CreateUser(u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	defer pgStore.db.Exec("DELETE FROM users WHERE id = $1", u.ID)

	r := &models.Reminder{UserID: u.ID, Text: "x", Date: "2025-03-06", Hour: "12:30"}
	if err := pgStore.CreateReminder(r); err != nil {
		t.Fatalf("CreateReminder failed: %v", err)
	}
	if ok, err := pgStore.MarkReminderSent(r.ID); err != nil || !ok {
		t.Fatalf("MarkReminderSent = %v, %v", ok, err)
	}
	if ok, _ := pgStore.MarkReminderSent(r.ID); ok {
		t.Error("Expected second flip to report false")
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

func TestStore_ListUnsentRemindersCursor(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			u := &models.User{ChannelID: "34600000005", Timezone: "UTC"}
			s.CreateUser(u)
			var ids []int64
			// Older dates get later ids so the cursor order is by id, not date.
			for _, date := range []string{"2026-03-01", "2026-02-01", "2026-01-01"} {
				r := &models.Reminder{UserID: u.ID, Text: "x", Date: date, Hour: "10:00"}
				if err := s.CreateReminder(r); err != nil {
					t.Fatalf("CreateReminder failed: %v", err)
				}
				ids = append(ids, r.ID)
			}
			s.MarkReminderSent(ids[1])

			page, err := s.ListUnsentReminders(0, 1)
			if err != nil {
				t.Fatalf("ListUnsentReminders failed: %v", err)
			}
			if len(page) != 1 || page[0].ID != ids[0] {
				t.Fatalf("Expected first page [%d], got %+v", ids[0], page)
			}
			page, _ = s.ListUnsentReminders(page[0].ID, 1)
			if len(page) != 1 || page[0].ID != ids[2] {
				t.Fatalf("Expected second page [%d] skipping the sent one, got %+v", ids[2], page)
			}
			page, _ = s.ListUnsentReminders(ids[2], 1)
			if len(page) != 0 {
				t.Errorf("Expected an empty last page, got %+v", page)
			}
		})
	}
}
