// Package store provides storage backends for RemindPipe.
//
// It defines the persistence contracts used by the conversation and reminder
// pipelines and ships SQLite, PostgreSQL and in-memory implementations.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Store errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateUser = errors.New("a user with this channel id already exists")
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Store is the persistence contract for users, conversation turns and reminders.
// Lookups return (nil, nil) when the record does not exist.
type Store interface {
	CreateUser(u *models.User) error
	GetUser(id int64) (*models.User, error)
	FindUserByChannelID(channelID string) (*models.User, error)

	// AppendMessageTurn persists one question/answer pair.
	AppendMessageTurn(turn models.MessageTurn) error
	// ListRecentMessages returns up to limit turns for the user, oldest first.
	ListRecentMessages(userID int64, limit int) ([]models.MessageTurn, error)

	// CreateReminder inserts the reminder with sent=false and sets its ID and timestamps.
	CreateReminder(r *models.Reminder) error
	GetReminder(id int64) (*models.Reminder, error)
	// MarkReminderSent flips sent from false to true. It reports whether this
	// call performed the flip; false means the reminder was already sent.
	MarkReminderSent(id int64) (bool, error)
	ListReminders(userID int64, pendingOnly bool) ([]models.Reminder, error)
	// ListUnsentReminders returns up to limit undelivered reminders with an id
	// greater than afterID, ordered by id. A limit <= 0 means no limit.
	ListUnsentReminders(afterID int64, limit int) ([]models.Reminder, error)

	Close() error
}

// SessionRepo persists conversation sessions for multi-instance deployments.
// GetSession returns (nil, nil) when no session exists for the sender.
type SessionRepo interface {
	GetSession(senderID string) (*models.ConversationSession, error)
	SaveSession(s models.ConversationSession) error
	DeleteSession(senderID string) error
	// DeleteSessionsIdleSince removes sessions whose last interaction is before cutoff.
	DeleteSessionsIdleSince(cutoff time.Time) (int, error)
}
