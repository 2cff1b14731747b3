package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiterBurst(t *testing.T) {
	now := time.Now()
	rl := newRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.AllowN(now, 1), "event %d should be allowed", i)
	}
	assert.False(t, rl.AllowN(now, 1), "fourth event should be limited")

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.AllowN(now, 1), "one token should have refilled")
	assert.False(t, rl.AllowN(now, 1), "only one token should have refilled")
}

func TestRateLimiterCapsAtBurst(t *testing.T) {
	now := time.Now()
	rl := newRateLimiter(10, 2)

	now = now.Add(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		if rl.AllowN(now, 1) {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(0, 0)

	assert.Equal(t, 1, rl.Burst())
	assert.Equal(t, rate.Limit(1), rl.Limit())
	assert.True(t, rl.Allow(), "first event should be allowed")
}
