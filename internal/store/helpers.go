package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanJob scans a Job from sql.Rows.
func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := rows.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanJobRow scans a Job from a single sql.Row.
func scanJobRow(row *sql.Row) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(sc rowScanner) (models.User, error) {
	var u models.User
	var surname, email, language sql.NullString
	err := sc.Scan(&u.ID, &u.ChannelID, &u.Name, &surname, &email, &u.Timezone, &language, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return u, err
	}
	u.Surname = surname.String
	u.Email = email.String
	u.Language = language.String
	return u, nil
}

func scanReminder(sc rowScanner) (models.Reminder, error) {
	var r models.Reminder
	err := sc.Scan(&r.ID, &r.UserID, &r.Text, &r.Date, &r.Hour, &r.Sent, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanMessageTurn(sc rowScanner) (models.MessageTurn, error) {
	var m models.MessageTurn
	err := sc.Scan(&m.ID, &m.UserID, &m.UserText, &m.ResponseText, &m.CreatedAt)
	return m, err
}

// reverseTurns flips a newest-first page into chronological order.
func reverseTurns(turns []models.MessageTurn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

// encodeSession serializes the session history for storage in a single column.
func encodeSession(sess models.ConversationSession) (string, error) {
	b, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session failed: %w", err)
	}
	return string(b), nil
}

func decodeSession(payload string) (*models.ConversationSession, error) {
	var sess models.ConversationSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("decode session failed: %w", err)
	}
	return &sess, nil
}
