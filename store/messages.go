package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Message is a cached conversation message as delivered by the server.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID string          `json:"conv"`
	Seq            int             `json:"seq"`
	From           string          `json:"from"`
	Content        json.RawMessage `json:"content"` // Irido content
	Head           json.RawMessage `json:"head,omitempty"`
	SentAt         time.Time       `json:"ts"`
	ReceivedAt     time.Time       `json:"receivedAt"`
	EditedAt       *time.Time      `json:"editedAt,omitempty"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
}

const messageColumns = `id, conversation_id, seq, from_user_id, content, head, sent_at, received_at, edited_at, deleted_at`

func scanMessage(row pgx.Row, msg *Message) error {
	return row.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.From, &msg.Content, &msg.Head,
		&msg.SentAt, &msg.ReceivedAt, &msg.EditedAt, &msg.DeletedAt)
}

// SaveMessage caches msg. A message already cached under the same
// conversation and seq is left alone; the result reports whether msg was new.
func (db *DB) SaveMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.ReceivedAt
	}

	ctx, cancel := db.Context(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx, `
		INSERT INTO cached_messages (id, conversation_id, seq, from_user_id, content, head, sent_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, seq) DO NOTHING
	`, msg.ID, msg.ConversationID, msg.Seq, msg.From, msg.Content, msg.Head, msg.SentAt, msg.ReceivedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetMessages returns cached messages of a conversation with seq < before
// (or the newest when before is 0), newest first.
func (db *DB) GetMessages(ctx context.Context, convID string, before, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var query string
	var args []any

	if before > 0 {
		query = `
			SELECT ` + messageColumns + `
			FROM cached_messages
			WHERE conversation_id = $1 AND seq < $3
			ORDER BY seq DESC LIMIT $2
		`
		args = []any{convID, limit, before}
	} else {
		query = `
			SELECT ` + messageColumns + `
			FROM cached_messages
			WHERE conversation_id = $1
			ORDER BY seq DESC LIMIT $2
		`
		args = []any{convID, limit}
	}

	ctx, cancel := db.Context(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := scanMessage(rows, &msg); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetMessageBySeq returns one cached message, or nil if it is not cached.
func (db *DB) GetMessageBySeq(ctx context.Context, convID string, seq int) (*Message, error) {
	ctx, cancel := db.Context(ctx)
	defer cancel()

	var msg Message
	err := scanMessage(db.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM cached_messages WHERE conversation_id = $1 AND seq = $2
	`, convID, seq), &msg)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage replaces the content of a cached message.
func (db *DB) EditMessage(ctx context.Context, convID string, seq int, content json.RawMessage) error {
	ctx, cancel := db.Context(ctx)
	defer cancel()

	_, err := db.pool.Exec(ctx, `
		UPDATE cached_messages SET content = $3, edited_at = $4
		WHERE conversation_id = $1 AND seq = $2 AND deleted_at IS NULL
	`, convID, seq, content, time.Now().UTC())
	return err
}

// UnsendMessage marks a cached message as withdrawn by its sender and drops
// its content.
func (db *DB) UnsendMessage(ctx context.Context, convID string, seq int) error {
	ctx, cancel := db.Context(ctx)
	defer cancel()

	_, err := db.pool.Exec(ctx, `
		UPDATE cached_messages SET deleted_at = $3, content = NULL,
			head = COALESCE(head, '{}'::jsonb) || '{"unsent": true}'::jsonb
		WHERE conversation_id = $1 AND seq = $2
	`, convID, seq, time.Now().UTC())
	return err
}
