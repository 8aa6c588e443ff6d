package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Compile-time checks for the in-memory implementations.
var (
	_ Store       = (*InMemoryStore)(nil)
	_ SessionRepo = (*MemorySessionRepo)(nil)
	_ DedupRepo   = (*InMemoryStore)(nil)
)

// InMemoryStore keeps users, turns and reminders in process memory.
// It is used by tests and by ephemeral deployments; durable jobs require SQL.
type InMemoryStore struct {
	*MemorySessionRepo

	mu        sync.RWMutex
	users     map[int64]models.User
	turns     []models.MessageTurn
	reminders map[int64]models.Reminder
	inbound   map[string]*DedupRecord
	nextID    int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		MemorySessionRepo: NewMemorySessionRepo(),
		users:             make(map[int64]models.User),
		reminders:         make(map[int64]models.Reminder),
		inbound:           make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *InMemoryStore) CreateUser(u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.ChannelID == u.ChannelID {
			return ErrDuplicateUser
		}
	}
	now := time.Now().UTC()
	u.ID = s.id()
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = *u
	return nil
}

func (s *InMemoryStore) GetUser(id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) FindUserByChannelID(channelID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ChannelID == channelID {
			return &u, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) AppendMessageTurn(turn models.MessageTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn.ID = s.id()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns = append(s.turns, turn)
	return nil
}

func (s *InMemoryStore) ListRecentMessages(userID int64, limit int) ([]models.MessageTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MessageTurn
	for i := len(s.turns) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.turns[i].UserID == userID {
			out = append(out, s.turns[i])
		}
	}
	// collected newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *InMemoryStore) CreateReminder(r *models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	r.ID = s.id()
	r.Sent = false
	r.CreatedAt, r.UpdatedAt = now, now
	s.reminders[r.ID] = *r
	return nil
}

func (s *InMemoryStore) GetReminder(id int64) (*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reminders[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *InMemoryStore) MarkReminderSent(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Sent {
		return false, nil
	}
	r.Sent = true
	r.UpdatedAt = time.Now().UTC()
	s.reminders[id] = r
	return true, nil
}

func (s *InMemoryStore) ListReminders(userID int64, pendingOnly bool) ([]models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Reminder
	for _, r := range s.reminders {
		if r.UserID != userID || (pendingOnly && r.Sent) {
			continue
		}
		out = append(out, r)
	}
	sortReminders(out)
	return out, nil
}

func (s *InMemoryStore) ListUnsentReminders(afterID int64, limit int) ([]models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Reminder
	for _, r := range s.reminders {
		if !r.Sent && r.ID > afterID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortReminders(rs []models.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Date != rs[j].Date {
			return rs[i].Date < rs[j].Date
		}
		if rs[i].Hour != rs[j].Hour {
			return rs[i].Hour < rs[j].Hour
		}
		return rs[i].ID < rs[j].ID
	})
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		if rec.ProcessedAt != nil {
			return false, nil
		}
		rec.ReceivedAt = time.Now().UTC()
		return true, nil
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, SenderID: senderID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PurgeInboundBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }

// MemorySessionRepo is the single-instance SessionRepo backed by a map.
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]models.ConversationSession
}

// NewMemorySessionRepo creates an empty in-memory session repository.
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{sessions: make(map[string]models.ConversationSession)}
}

func (m *MemorySessionRepo) GetSession(senderID string) (*models.ConversationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[senderID]
	if !ok {
		return nil, nil
	}
	c := sess.Clone()
	return &c, nil
}

func (m *MemorySessionRepo) SaveSession(sess models.ConversationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.SenderID] = sess.Clone()
	return nil
}

func (m *MemorySessionRepo) DeleteSession(senderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, senderID)
	return nil
}

func (m *MemorySessionRepo) DeleteSessionsIdleSince(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, sess := range m.sessions {
		if sess.LastInteraction.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
