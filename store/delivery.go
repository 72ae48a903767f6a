package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// DeliveryState tracks how far this client has received and read a
// conversation. Both sequences only move forward.
type DeliveryState struct {
	ConversationID string    `json:"conv"`
	RecvSeq        int       `json:"recvSeq"`
	ReadSeq        int       `json:"readSeq"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// UpdateRecvSeq raises the received sequence to seq. It reports false when
// the stored value was already at or beyond seq.
func (db *DB) UpdateRecvSeq(ctx context.Context, convID string, seq int) (bool, error) {
	ctx, cancel := db.Context(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx, `
		INSERT INTO delivery_state (conversation_id, recv_seq, read_seq, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (conversation_id) DO UPDATE
		SET recv_seq = EXCLUDED.recv_seq, updated_at = EXCLUDED.updated_at
		WHERE delivery_state.recv_seq < EXCLUDED.recv_seq
	`, convID, seq, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateReadSeq raises the read sequence to seq, pulling the received
// sequence along. It reports false when nothing moved.
func (db *DB) UpdateReadSeq(ctx context.Context, convID string, seq int) (bool, error) {
	ctx, cancel := db.Context(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx, `
		INSERT INTO delivery_state (conversation_id, recv_seq, read_seq, updated_at)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE
		SET read_seq = EXCLUDED.read_seq,
			recv_seq = GREATEST(delivery_state.recv_seq, EXCLUDED.read_seq),
			updated_at = EXCLUDED.updated_at
		WHERE delivery_state.read_seq < EXCLUDED.read_seq
	`, convID, seq, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetDeliveryState returns the state of a conversation, or nil if none is
// recorded.
func (db *DB) GetDeliveryState(ctx context.Context, convID string) (*DeliveryState, error) {
	ctx, cancel := db.Context(ctx)
	defer cancel()

	var ds DeliveryState
	err := db.pool.QueryRow(ctx, `
		SELECT conversation_id, recv_seq, read_seq, updated_at
		FROM delivery_state WHERE conversation_id = $1
	`, convID).Scan(&ds.ConversationID, &ds.RecvSeq, &ds.ReadSeq, &ds.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}
