package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:"

// RedisStore keeps one hash per identity: presence:<identity> with fields
// status, connection_id and updated_at.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisStore returns a store backed by rdb. A positive ttl expires records
// that were not refreshed, which bounds stale ONLINE entries after a crash.
func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func key(identity string) string {
	return keyPrefix + identity
}

func (s *RedisStore) SetStatus(ctx context.Context, identity string, status Status, session *Session) error {
	if identity == "" {
		return errors.New("presence: empty identity")
	}

	fields := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if session != nil {
		fields["connection_id"] = session.ConnectionID
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(identity), fields)
		if s.ttl > 0 {
			pipe.Expire(ctx, key(identity), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set presence for %s: %w", identity, err)
	}
	return nil
}

func (s *RedisStore) GetStatus(ctx context.Context, identity string) (Status, error) {
	v, err := s.rdb.HGet(ctx, key(identity), "status").Result()
	if errors.Is(err, redis.Nil) {
		return Offline, nil
	}
	if err != nil {
		return Offline, fmt.Errorf("get presence for %s: %w", identity, err)
	}
	st, err := ParseStatus(v)
	if err != nil {
		return Offline, nil
	}
	return st, nil
}

func (s *RedisStore) Get(ctx context.Context, identity string) (Record, error) {
	rec := Record{Identity: identity, Status: Offline}

	vals, err := s.rdb.HGetAll(ctx, key(identity)).Result()
	if err != nil {
		return rec, fmt.Errorf("get presence for %s: %w", identity, err)
	}
	if len(vals) == 0 {
		return rec, nil
	}
	if st, err := ParseStatus(vals["status"]); err == nil {
		rec.Status = st
	}
	rec.ConnectionID = vals["connection_id"]
	if ts, err := time.Parse(time.RFC3339, vals["updated_at"]); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}
