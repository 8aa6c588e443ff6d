package flow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// Session defaults.
const (
	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultHistoryLimit       = 10
)

// SessionOption configures a SessionStore.
type SessionOption func(*SessionStore)

// WithIdleTimeout sets the inactivity window after which a session expires.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(s *SessionStore) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithHistoryLimit bounds the number of messages retained per session.
func WithHistoryLimit(n int) SessionOption {
	return func(s *SessionStore) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

// SessionStore owns conversation sessions keyed by sender. Per-sender
// mutations are serialized; the backing repo decides where sessions live.
type SessionStore struct {
	repo         store.SessionRepo
	locks        *KeyedMutex
	idleTimeout  time.Duration
	historyLimit int
	now          func() time.Time
}

// NewSessionStore creates a SessionStore over repo.
func NewSessionStore(repo store.SessionRepo, opts ...SessionOption) *SessionStore {
	s := &SessionStore{
		repo:         repo,
		locks:        NewKeyedMutex(),
		idleTimeout:  DefaultSessionIdleTimeout,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IdleTimeout returns the configured inactivity window.
func (s *SessionStore) IdleTimeout() time.Duration { return s.idleTimeout }

// Sweep removes every session idle for longer than the inactivity window.
func (s *SessionStore) Sweep() (int, error) {
	cutoff := s.now().Add(-s.idleTimeout)
	n, err := s.repo.DeleteSessionsIdleSince(cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	if n > 0 {
		slog.Debug("SessionStore.Sweep: expired sessions removed", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Snapshot returns a copy of the sender's session. A missing session is built
// from seed but not stored; nothing is persisted until Commit.
func (s *SessionStore) Snapshot(senderID string, seed func() []models.ConversationMessage) (models.ConversationSession, error) {
	unlock := s.locks.Lock(senderID)
	defer unlock()

	sess, err := s.repo.GetSession(senderID)
	if err != nil {
		return models.ConversationSession{}, fmt.Errorf("load session: %w", err)
	}
	if sess != nil {
		return sess.Clone(), nil
	}
	fresh := models.ConversationSession{SenderID: senderID, LastInteraction: s.now()}
	if seed != nil {
		fresh.History = s.trim(seed())
	}
	slog.Debug("SessionStore.Snapshot: new session", "senderID", senderID, "seeded", len(fresh.History))
	return fresh, nil
}

// Commit applies mutate to the latest stored session and saves it. When no
// session is stored any more, base is used as the starting point. A session
// changed by another message since base was taken is still updated; the
// interleaving is logged.
func (s *SessionStore) Commit(base models.ConversationSession, mutate func(*models.ConversationSession)) (models.ConversationSession, error) {
	unlock := s.locks.Lock(base.SenderID)
	defer unlock()

	latest, err := s.repo.GetSession(base.SenderID)
	if err != nil {
		return models.ConversationSession{}, fmt.Errorf("reload session: %w", err)
	}
	var sess models.ConversationSession
	if latest == nil {
		sess = base.Clone()
	} else {
		sess = latest.Clone()
		if sess.Version != base.Version {
			slog.Debug("SessionStore.Commit: session changed concurrently", "senderID", base.SenderID, "baseVersion", base.Version, "latestVersion", sess.Version)
		}
	}

	mutate(&sess)
	sess.History = s.trim(sess.History)
	sess.LastInteraction = s.now()
	sess.Version++
	if err := s.repo.SaveSession(sess); err != nil {
		return models.ConversationSession{}, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// Get returns a copy of the stored session, or nil if none exists.
func (s *SessionStore) Get(senderID string) (*models.ConversationSession, error) {
	unlock := s.locks.Lock(senderID)
	defer unlock()
	sess, err := s.repo.GetSession(senderID)
	if err != nil || sess == nil {
		return nil, err
	}
	c := sess.Clone()
	return &c, nil
}

// AppendHistory appends messages to h and trims it to the retention bound.
func (s *SessionStore) AppendHistory(h []models.ConversationMessage, msgs ...models.ConversationMessage) []models.ConversationMessage {
	out := make([]models.ConversationMessage, 0, len(h)+len(msgs))
	out = append(out, h...)
	out = append(out, msgs...)
	return s.trim(out)
}

func (s *SessionStore) trim(h []models.ConversationMessage) []models.ConversationMessage {
	if len(h) <= s.historyLimit {
		return h
	}
	return append([]models.ConversationMessage(nil), h[len(h)-s.historyLimit:]...)
}

// SeedFromTurns converts stored Q/A turns, oldest first, into history messages.
func SeedFromTurns(turns []models.MessageTurn) []models.ConversationMessage {
	out := make([]models.ConversationMessage, 0, len(turns)*2)
	for _, t := range turns {
		if t.UserText != "" {
			out = append(out, models.ConversationMessage{Role: models.RoleUser, Content: t.UserText, Timestamp: t.CreatedAt})
		}
		if t.ResponseText != "" {
			out = append(out, models.ConversationMessage{Role: models.RoleAssistant, Content: t.ResponseText, Timestamp: t.CreatedAt})
		}
	}
	return out
}
