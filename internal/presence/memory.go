package presence

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) SetStatus(ctx context.Context, identity string, status Status, session *Session) error {
	if identity == "" {
		return errors.New("presence: empty identity")
	}
	rec := Record{Identity: identity, Status: status, UpdatedAt: time.Now().UTC()}
	if session != nil {
		rec.ConnectionID = session.ConnectionID
	}

	s.mu.Lock()
	s.records[identity] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetStatus(ctx context.Context, identity string) (Status, error) {
	rec, err := s.Get(ctx, identity)
	return rec.Status, err
}

func (s *MemoryStore) Get(ctx context.Context, identity string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[identity]
	if !ok {
		return Record{Identity: identity, Status: Offline}, nil
	}
	return rec, nil
}
