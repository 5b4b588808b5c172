package store

import (
	"context"
	"time"

	"github.com/matheus3301/relay/internal/chat"
)

// Persist appends a message. The returned nil is the durability ack the
// sequencer requires before the message counts as sent; the unique
// (conversation, sequence) constraint backstops the sequencer's gapless
// guarantee at the storage layer.
func (db *DB) Persist(ctx context.Context, m *chat.Message) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sequence, kind, body, file_ref, idempotency_key, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.ConversationID), string(m.SenderID), m.Sequence, string(m.Kind),
		m.Body, m.FileRef, m.IdempotencyKey, m.Deleted, m.CreatedAt.UnixMilli())
	return err
}

// LoadHistory returns up to limit messages with sequence below beforeSeq,
// newest first. beforeSeq <= 0 means from the top. Soft-deleted messages
// are returned with the flag set; rendering them is the UI's call.
func (db *DB) LoadHistory(ctx context.Context, id chat.ConversationID, beforeSeq int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeSeq <= 0 {
		beforeSeq = int64(^uint64(0) >> 1)
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, sequence, kind, body, file_ref, deleted, created_at
		FROM messages
		WHERE conversation_id = ? AND sequence < ?
		ORDER BY sequence DESC
		LIMIT ?`, string(id), beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var conv, sender, kind string
		var createdAt int64
		if err := rows.Scan(&m.ID, &conv, &sender, &m.Sequence, &kind, &m.Body, &m.FileRef, &m.Deleted, &createdAt); err != nil {
			return nil, err
		}
		m.ConversationID = chat.ConversationID(conv)
		m.SenderID = chat.UserID(sender)
		m.Kind = chat.MessageKind(kind)
		m.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkDeleted sets the soft delete flag. The message row stays; sequence
// numbers never get holes.
func (db *DB) MarkDeleted(ctx context.Context, id chat.ConversationID, seq int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET deleted = 1 WHERE conversation_id = ? AND sequence = ?`,
		string(id), seq)
	return err
}
