package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store closed")

// DefaultDedupRetention is how long inbound message ids are remembered.
const DefaultDedupRetention = 7 * 24 * time.Hour

// DedupRecord is one remembered inbound message.
type DedupRecord struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// DedupRepo remembers inbound message ids so redelivered webhooks run the engine once.
type DedupRepo interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	// RecordInbound reports false when the id was already recorded.
	RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
	// PurgeDedup forgets ids received before cutoff and returns how many were removed.
	PurgeDedup(ctx context.Context, cutoff time.Time) (int64, error)
}
