package store

import (
	"context"
	"encoding/json"
)

// Store defines the interface for all cache operations.
// This interface enables mocking for unit tests.
type Store interface {
	// Close closes the database connection.
	Close()

	// Messages
	SaveMessage(ctx context.Context, msg *Message) (bool, error)
	GetMessages(ctx context.Context, convID string, before, limit int) ([]Message, error)
	GetMessageBySeq(ctx context.Context, convID string, seq int) (*Message, error)
	EditMessage(ctx context.Context, convID string, seq int, content json.RawMessage) error
	UnsendMessage(ctx context.Context, convID string, seq int) error

	// Delivery state
	UpdateRecvSeq(ctx context.Context, convID string, seq int) (bool, error)
	UpdateReadSeq(ctx context.Context, convID string, seq int) (bool, error)
	GetDeliveryState(ctx context.Context, convID string) (*DeliveryState, error)
}

// Ensure DB implements Store
var _ Store = (*DB)(nil)
