package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("absent is offline", func(t *testing.T) {
		st, err := s.GetStatus(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, Offline, st)

		rec, err := s.Get(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, Offline, rec.Status)
		assert.Equal(t, "nobody", rec.Identity)
	})

	t.Run("upsert", func(t *testing.T) {
		require.NoError(t, s.SetStatus(ctx, "u1", Online, &Session{ConnectionID: "c1"}))
		st, err := s.GetStatus(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, Online, st)

		rec, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "c1", rec.ConnectionID)
		assert.False(t, rec.UpdatedAt.IsZero())
	})

	t.Run("last writer wins", func(t *testing.T) {
		require.NoError(t, s.SetStatus(ctx, "u2", Online, nil))
		require.NoError(t, s.SetStatus(ctx, "u2", Offline, nil))
		st, err := s.GetStatus(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, Offline, st)
	})

	t.Run("empty identity", func(t *testing.T) {
		assert.Error(t, s.SetStatus(ctx, "", Online, nil))
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	_, rdb := newRedis(t)
	storeContract(t, NewRedisStore(rdb, 0))
}

func TestRedisStore_HashLayout(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedisStore(rdb, 0)

	require.NoError(t, s.SetStatus(context.Background(), "u1", Online, &Session{ConnectionID: "c9"}))

	assert.Equal(t, "ONLINE", mr.HGet("presence:u1", "status"))
	assert.Equal(t, "c9", mr.HGet("presence:u1", "connection_id"))
	_, err := time.Parse(time.RFC3339, mr.HGet("presence:u1", "updated_at"))
	assert.NoError(t, err)
	assert.Zero(t, mr.TTL("presence:u1"))
}

func TestRedisStore_TTL(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedisStore(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.SetStatus(ctx, "u1", Online, nil))
	assert.Equal(t, time.Minute, mr.TTL("presence:u1"))

	mr.FastForward(2 * time.Minute)
	st, err := s.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Offline, st)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedisStore(rdb, 0)
	mr.Close()

	_, err := s.GetStatus(context.Background(), "u1")
	assert.Error(t, err)
	assert.Error(t, s.SetStatus(context.Background(), "u1", Online, nil))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("online")
	require.NoError(t, err)
	assert.Equal(t, Online, st)

	st, err = ParseStatus("OFFLINE")
	require.NoError(t, err)
	assert.Equal(t, Offline, st)

	_, err = ParseStatus("away")
	assert.Error(t, err)
}
