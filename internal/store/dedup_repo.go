package store

import (
	"time"
)

// DedupRecord is the first-seen record of an inbound channel message.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	SenderID    string     `json:"sender_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo makes inbound processing idempotent across webhook redeliveries.
type DedupRepo interface {
	// IsDuplicate reports whether the message id was already recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound claims the message id for processing. It returns false
	// only if the id was already processed. A record left unprocessed by a
	// crash is claimed again, so a redelivery is handled.
	RecordInbound(messageID, senderID string) (bool, error)

	// MarkProcessed stamps the processed_at time of a recorded message.
	MarkProcessed(messageID string) error

	// PurgeInboundBefore deletes records received before cutoff.
	PurgeInboundBefore(cutoff time.Time) (int, error)
}
