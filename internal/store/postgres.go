// Package store provides storage backends for RemindPipe.
//
// This file implements a PostgreSQL-backed store for multi-instance deployments.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time checks that PostgresStore implements the store contracts.
var (
	_ Store       = (*PostgresStore)(nil)
	_ SessionRepo = (*PostgresStore)(nil)
)

// PostgresStore is a store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PostgresStore) CreateUser(u *models.User) error {
	now := time.Now().UTC()
	err := s.db.QueryRow(
		`INSERT INTO users (channel_id, name, surname, email, timezone, language, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`,
		u.ChannelID, u.Name, nilIfEmpty(u.Surname), nilIfEmpty(u.Email), u.Timezone, nilIfEmpty(u.Language), now,
	).Scan(&u.ID)
	if isPostgresUniqueViolation(err) {
		return ErrDuplicateUser
	}
	if err != nil {
		slog.Error("PostgresStore.CreateUser failed", "error", err, "channelID", u.ChannelID)
		return fmt.Errorf("create user failed: %w", err)
	}
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

func (s *PostgresStore) GetUser(id int64) (*models.User, error) {
	row := s.db.QueryRow(
		`SELECT id, channel_id, name, surname, email, timezone, language, created_at, updated_at FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) FindUserByChannelID(channelID string) (*models.User, error) {
	row := s.db.QueryRow(
		`SELECT id, channel_id, name, surname, email, timezone, language, created_at, updated_at FROM users WHERE channel_id = $1`, channelID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user failed: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) AppendMessageTurn(turn models.MessageTurn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (user_id, user_text, response_text, created_at) VALUES ($1, $2, $3, $4)`,
		turn.UserID, turn.UserText, turn.ResponseText, turn.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore.AppendMessageTurn failed", "error", err, "userID", turn.UserID)
		return fmt.Errorf("append message turn failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecentMessages(userID int64, limit int) ([]models.MessageTurn, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.Query(
		`SELECT id, user_id, user_text, response_text, created_at FROM messages
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limitArg)
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

func (s *PostgresStore) CreateReminder(r *models.Reminder) error {
	now := time.Now().UTC()
	err := s.db.QueryRow(
		`INSERT INTO reminders (user_id, text, date, hour, sent, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, FALSE, $5, $5) RETURNING id`,
		r.UserID, r.Text, r.Date, r.Hour, now,
	).Scan(&r.ID)
	if err != nil {
		slog.Error("PostgresStore.CreateReminder failed", "error", err, "userID", r.UserID)
		return fmt.Errorf("create reminder failed: %w", err)
	}
	r.Sent = false
	r.CreatedAt, r.UpdatedAt = now, now
	return nil
}

func (s *PostgresStore) GetReminder(id int64) (*models.Reminder, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, text, date, hour, sent, created_at, updated_at FROM reminders WHERE id = $1`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder failed: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) MarkReminderSent(id int64) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE reminders SET sent = TRUE, updated_at = $1 WHERE id = $2 AND sent = FALSE`, time.Now().UTC(), id)
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

func (s *PostgresStore) ListReminders(userID int64, pendingOnly bool) ([]models.Reminder, error) {
	query := `SELECT id, user_id, text, date, hour, sent, created_at, updated_at FROM reminders WHERE user_id = $1`
	if pendingOnly {
		query += ` AND sent = FALSE`
	}
	query += ` ORDER BY date, hour, id`
	return s.queryReminders(query, userID)
}

func (s *PostgresStore) ListUnsentReminders(afterID int64, limit int) ([]models.Reminder, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	return s.queryReminders(
		`SELECT id, user_id, text, date, hour, sent, created_at, updated_at FROM reminders
		 WHERE sent = FALSE AND id > $1 ORDER BY id LIMIT $2`, afterID, limitArg)
}

func (s *PostgresStore) queryReminders(query string, args ...interface{}) ([]models.Reminder, error) {
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

func (s *PostgresStore) GetSession(senderID string) (*models.ConversationSession, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM conversation_sessions WHERE sender_id = $1`, senderID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession failed", "error", err, "senderID", senderID)
		return nil, err
	}
	return decodeSession(payload)
}

func (s *PostgresStore) SaveSession(sess models.ConversationSession) error {
	payload, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversation_sessions (sender_id, payload, last_interaction, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (sender_id) DO UPDATE SET payload = EXCLUDED.payload,
		   last_interaction = EXCLUDED.last_interaction, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`,
		sess.SenderID, payload, sess.LastInteraction.UTC(), sess.Version, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore.SaveSession failed", "error", err, "senderID", sess.SenderID)
		return err
	}
	return nil
}

func (s *PostgresStore) DeleteSession(senderID string) error {
	_, err := s.db.Exec(`DELETE FROM conversation_sessions WHERE sender_id = $1`, senderID)
	if err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSessionsIdleSince(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM conversation_sessions WHERE last_interaction < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
