// Package store provides storage backends for RemindPipe.
//
// This file implements an SQLite-backed store for users, reminders, message
// turns and conversation sessions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteBusyTimeoutMS makes writers wait for the lock instead of failing fast
	sqliteBusyTimeoutMS = 5000
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time checks that SQLiteStore implements the store contracts.
var (
	_ Store       = (*SQLiteStore)(nil)
	_ SessionRepo = (*SQLiteStore)(nil)
)

// SQLiteStore is a single-node store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN may be a plain file path or a "file:" URI. Missing parent
// directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(sqliteFilePath(cfg.DSN))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := sqliteDSNWithPragmas(cfg.DSN)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// sqliteFilePath strips the "file:" scheme and query string from a DSN.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// sqliteDSNWithPragmas adds foreign keys and a busy timeout unless the DSN sets them.
func sqliteDSNWithPragmas(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk") {
		params = append(params, "_foreign_keys=on")
	}
	if !strings.Contains(dsn, "_busy_timeout") && !strings.Contains(dsn, "_timeout") {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", sqliteBusyTimeoutMS))
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *SQLiteStore) CreateUser(u *models.User) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO users (channel_id, name, surname, email, timezone, language, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ChannelID, u.Name, nilIfEmpty(u.Surname), nilIfEmpty(u.Email), u.Timezone, nilIfEmpty(u.Language), now, now,
	)
	if isSQLiteUniqueViolation(err) {
		return ErrDuplicateUser
	}
	if err != nil {
		slog.Error("SQLiteStore.CreateUser failed", "error", err, "channelID", u.ChannelID)
		return fmt.Errorf("create user failed: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("create user id lookup failed: %w", err)
	}
	u.ID = id
	u.CreatedAt, u.UpdatedAt = now, now
	slog.Debug("SQLiteStore.CreateUser succeeded", "userID", id)
	return nil
}

func (s *SQLiteStore) GetUser(id int64) (*models.User, error) {
	row := s.db.QueryRow(
		`SELECT id, channel_id, name, surname, email, timezone, language, created_at, updated_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) FindUserByChannelID(channelID string) (*models.User, error) {
	row := s.db.QueryRow(
		`SELECT id, channel_id, name, surname, email, timezone, language, created_at, updated_at FROM users WHERE channel_id = ?`, channelID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user failed: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) AppendMessageTurn(turn models.MessageTurn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (user_id, user_text, response_text, created_at) VALUES (?, ?, ?, ?)`,
		turn.UserID, turn.UserText, turn.ResponseText, turn.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.AppendMessageTurn failed", "error", err, "userID", turn.UserID)
		return fmt.Errorf("append message turn failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRecentMessages(userID int64, limit int) ([]models.MessageTurn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, user_id, user_text, response_text, created_at FROM messages
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	defer rows.Close()

	var turns []models.MessageTurn
	for rows.Next() {
		m, err := scanMessageTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message turn failed: %w", err)
		}
		turns = append(turns, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *SQLiteStore) CreateReminder(r *models.Reminder) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO reminders (user_id, text, date, hour, sent, created_at, updated_at) VALUES (?, ?, ?, ?, 0, ?, ?)`,
		r.UserID, r.Text, r.Date, r.Hour, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateReminder failed", "error", err, "userID", r.UserID)
		return fmt.Errorf("create reminder failed: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("create reminder id lookup failed: %w", err)
	}
	r.ID = id
	r.Sent = false
	r.CreatedAt, r.UpdatedAt = now, now
	slog.Debug("SQLiteStore.CreateReminder succeeded", "reminderID", id, "userID", r.UserID)
	return nil
}

func (s *SQLiteStore) GetReminder(id int64) (*models.Reminder, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, text, date, hour, sent, created_at, updated_at FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder failed: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) MarkReminderSent(id int64) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE reminders SET sent = 1, updated_at = ? WHERE id = ? AND sent = 0`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark reminder sent failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark reminder sent rows affected failed: %w", err)
	}
	if n == 0 {
		exists, err := s.GetReminder(id)
		if err != nil {
			return false, err
		}
		if exists == nil {
			return false, ErrNotFound
		}
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListReminders(userID int64, pendingOnly bool) ([]models.Reminder, error) {
	query := `SELECT id, user_id, text, date, hour, sent, created_at, updated_at FROM reminders WHERE user_id = ?`
	if pendingOnly {
		query += ` AND sent = 0`
	}
	query += ` ORDER BY date, hour, id`
	return s.queryReminders(query, userID)
}

func (s *SQLiteStore) ListUnsentReminders(afterID int64, limit int) ([]models.Reminder, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryReminders(
		`SELECT id, user_id, text, date, hour, sent, created_at, updated_at FROM reminders
		 WHERE sent = 0 AND id > ? ORDER BY id LIMIT ?`, afterID, limit)
}

func (s *SQLiteStore) queryReminders(query string, args ...interface{}) ([]models.Reminder, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reminders failed: %w", err)
	}
	defer rows.Close()

	var out []models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSession loads a persisted conversation session.
func (s *SQLiteStore) GetSession(senderID string) (*models.ConversationSession, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM conversation_sessions WHERE sender_id = ?`, senderID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession failed", "error", err, "senderID", senderID)
		return nil, err
	}
	return decodeSession(payload)
}

// SaveSession stores or replaces the session of a sender.
func (s *SQLiteStore) SaveSession(sess models.ConversationSession) error {
	payload, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversation_sessions (sender_id, payload, last_interaction, version, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(sender_id) DO UPDATE SET payload = excluded.payload,
		   last_interaction = excluded.last_interaction, version = excluded.version, updated_at = excluded.updated_at`,
		sess.SenderID, payload, sess.LastInteraction.UTC(), sess.Version, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveSession failed", "error", err, "senderID", sess.SenderID)
		return err
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(senderID string) error {
	_, err := s.db.Exec(`DELETE FROM conversation_sessions WHERE sender_id = ?`, senderID)
	if err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSessionsIdleSince(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM conversation_sessions WHERE last_interaction < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
