// Package models defines conversation state and channel event structures.
package models

import "time"

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage is one entry of a session's bounded history.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationSession is the active conversation state of one sender.
type ConversationSession struct {
	SenderID        string                `json:"sender_id"`
	LatestInput     string                `json:"latest_input"`
	History         []ConversationMessage `json:"history"`
	CurrentIntent   Intent                `json:"current_intent"`
	LastInteraction time.Time             `json:"last_interaction"`
	// Version increases on every committed change.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the session.
func (s ConversationSession) Clone() ConversationSession {
	c := s
	if s.History != nil {
		c.History = make([]ConversationMessage, len(s.History))
		copy(c.History, s.History)
	}
	return c
}

// MessageKind distinguishes free text from interactive replies.
type MessageKind string

const (
	// MessageKindText is a plain text message.
	MessageKindText MessageKind = "text"
	// MessageKindButton is a press on an interactive button.
	MessageKindButton MessageKind = "interactive_button"
)

// Button identifiers of the reminder confirmation message.
const (
	ButtonAcceptReminder = "accept_reminder"
	ButtonRejectReminder = "reject_reminder"
)

// InboundEvent is a normalized inbound message from any channel.
type InboundEvent struct {
	SenderID  string      `json:"sender_id"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	ButtonID  string      `json:"button_id,omitempty"`
	MessageID string      `json:"message_id"`
	Timestamp time.Time   `json:"timestamp"`
}
