// Package store holds the durable collaborators of the relay: room
// membership and out-of-band message persistence.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
	// ErrQueueUnavailable is returned by QueuePersister while disconnected.
	ErrQueueUnavailable = errors.New("message queue unavailable")
)

// Message is a relayed chat message as it is persisted.
type Message struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Channel    string    `json:"channel"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	RoomID     string    `json:"room_id,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Persister durably records a message and returns its id. It is never on the
// delivery path.
type Persister interface {
	Persist(ctx context.Context, msg Message) (string, error)
}

// Discard is a Persister that keeps nothing.
type Discard struct{}

func (Discard) Persist(ctx context.Context, msg Message) (string, error) {
	return msg.ID, nil
}
