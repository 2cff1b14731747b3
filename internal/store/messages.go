package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/markb/chatrelay/internal/db"
)

// Fixed width so created_at sorts as text.
const storedTime = "2006-01-02T15:04:05.000000000Z"

// SQLitePersister writes messages to the messages table.
type SQLitePersister struct {
	db *db.DB
}

func NewSQLitePersister(database *db.DB) *SQLitePersister {
	return &SQLitePersister{db: database}
}

func (p *SQLitePersister) Persist(ctx context.Context, msg Message) (string, error) {
	msg = normalize(msg)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (id, kind, channel, sender_id, receiver_id, room_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Kind, msg.Channel, msg.SenderID,
		nullable(msg.ReceiverID), nullable(msg.RoomID), msg.Content,
		msg.CreatedAt.Format(storedTime))
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return msg.ID, nil
}

// History returns up to limit of the latest messages on channel, oldest first.
func (p *SQLitePersister) History(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, channel, sender_id, COALESCE(receiver_id, ''), COALESCE(room_id, ''), content, created_at
		FROM (
			SELECT * FROM messages WHERE channel = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at, id`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.Kind, &m.Channel, &m.SenderID, &m.ReceiverID, &m.RoomID, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(storedTime, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func normalize(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg
}
