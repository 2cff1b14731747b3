// Package presence keeps best-effort online/offline status per identity.
package presence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status is the advisory presence of an identity.
type Status string

const (
	Online  Status = "ONLINE"
	Offline Status = "OFFLINE"
)

// ParseStatus accepts ONLINE or OFFLINE in any case.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(s)) {
	case Online:
		return Online, nil
	case Offline:
		return Offline, nil
	}
	return "", fmt.Errorf("unknown presence status %q", s)
}

// Session is optional metadata stored next to the status.
type Session struct {
	ConnectionID string
}

// Record is the stored presence of one identity.
type Record struct {
	Identity     string    `json:"identity"`
	Status       Status    `json:"status"`
	ConnectionID string    `json:"connection_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Store persists presence. Writes are last-writer-wins per identity and a
// missing record reads as Offline.
type Store interface {
	SetStatus(ctx context.Context, identity string, status Status, session *Session) error
	GetStatus(ctx context.Context, identity string) (Status, error)
	Get(ctx context.Context, identity string) (Record, error)
}
