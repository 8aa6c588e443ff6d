// Package models defines the core data structures shared across RemindPipe packages.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Layouts used for the wall-clock fields of reminders and drafts.
const (
	// DateLayout is the storage layout of a reminder date (user-local).
	DateLayout = "2006-01-02"
	// HourLayout is the storage layout of a reminder hour (user-local, 24h).
	HourLayout = "15:04"
	// DisplayDateLayout is the layout shown to end users.
	DisplayDateLayout = "02/01/2006"
	// MaxReminderTextLength bounds the text of a single reminder.
	MaxReminderTextLength = 500
)

// Validation errors
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrEmptyReminderText = errors.New("reminder text cannot be empty")
	ErrReminderTooLong   = errors.New("reminder text exceeds maximum length")
	ErrInvalidDate       = errors.New("invalid reminder date")
	ErrInvalidHour       = errors.New("invalid reminder hour")
	ErrDraftIncomplete   = errors.New("reminder draft is incomplete")
	ErrPersistence       = errors.New("persistence failure")
	ErrEmptyChannelID    = errors.New("channel id cannot be empty")
	ErrInvalidTimezone   = errors.New("invalid timezone")
)

// User is a registered person reachable over the messaging channel.
type User struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channel_id"` // canonical phone number
	Name      string    `json:"name"`
	Surname   string    `json:"surname,omitempty"`
	Email     string    `json:"email,omitempty"`
	Timezone  string    `json:"timezone"` // IANA identifier, e.g. "Europe/Madrid"
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields required to register a user.
func (u *User) Validate() error {
	if strings.TrimSpace(u.ChannelID) == "" {
		return ErrEmptyChannelID
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(u.Timezone); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, u.Timezone)
	}
	return nil
}

// Reminder is a confirmed reminder. Date and Hour are user-local wall-clock values.
type Reminder struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	Date      string    `json:"date"`
	Hour      string    `json:"hour"`
	Sent      bool      `json:"sent"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageTurn is a persisted question/answer pair from the general conversation path.
type MessageTurn struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	UserText     string    `json:"user_text"`
	ResponseText string    `json:"response_text"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReminderDraft is an extracted reminder proposal awaiting explicit confirmation.
type ReminderDraft struct {
	SenderID   string `json:"sender_id"`
	Text       string `json:"reminder_text"`
	Date       string `json:"reminder_date,omitempty"`
	Hour       string `json:"reminder_hour,omitempty"`
	IsComplete bool   `json:"reminder_is_complete"`
}

// Validate reports whether the draft can be confirmed as-is.
func (d ReminderDraft) Validate() error {
	text := strings.TrimSpace(d.Text)
	if text == "" {
		return ErrEmptyReminderText
	}
	if len(text) > MaxReminderTextLength {
		return ErrReminderTooLong
	}
	if _, err := ParseDate(d.Date); err != nil {
		return err
	}
	if _, _, err := ParseHour(d.Hour); err != nil {
		return err
	}
	return nil
}

// DisplayDate renders the date as DD/MM/YYYY, falling back to the raw value.
func (d ReminderDraft) DisplayDate() string {
	t, err := ParseDate(d.Date)
	if err != nil {
		return d.Date
	}
	return t.Format(DisplayDateLayout)
}

// DisplayHour renders the hour as zero-padded HH:MM.
func (d ReminderDraft) DisplayHour() string {
	h, m, err := ParseHour(d.Hour)
	if err != nil {
		return d.Hour
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// ParseDate parses a YYYY-MM-DD calendar date. The result carries no meaningful location.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t, nil
}

// ParseHour parses HH:MM (also H:MM or HH:MM:SS) into hour and minute.
func ParseHour(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{HourLayout, "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour(), t.Minute(), nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrInvalidHour, s)
}

// Intent is the classified purpose of an inbound message.
type Intent int

const (
	// IntentUnknown marks conversation-ending utterances or nonsense.
	IntentUnknown Intent = iota
	// IntentGeneral is general conversation.
	IntentGeneral
	// IntentReminder is a request to create a reminder.
	IntentReminder
)

var intentNames = map[Intent]string{
	IntentUnknown:  "unknown",
	IntentGeneral:  "general",
	IntentReminder: "reminder",
}

// String returns the wire name of the intent.
func (i Intent) String() string {
	if name, ok := intentNames[i]; ok {
		return name
	}
	return fmt.Sprintf("Intent(%d)", int(i))
}

// ParseIntent maps a wire name to an Intent. Unrecognised names are an error.
func ParseIntent(s string) (Intent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "general":
		return IntentGeneral, nil
	case "reminder":
		return IntentReminder, nil
	case "unknown":
		return IntentUnknown, nil
	}
	return IntentUnknown, fmt.Errorf("unrecognised intent %q", s)
}

// IntentNames lists the valid wire names, in declaration order.
func IntentNames() []string {
	return []string{IntentGeneral.String(), IntentReminder.String(), IntentUnknown.String()}
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusCreated indicates a resource was created.
	APIStatusCreated APIStatus = "created"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Created creates a response for a newly created resource.
func Created(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusCreated), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
