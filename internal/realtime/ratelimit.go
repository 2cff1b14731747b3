package realtime

import "golang.org/x/time/rate"

// newRateLimiter returns the inbound event limiter of one connection:
// perSecond sustained with bursts of up to burst events.
func newRateLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Limit(burst)
	}
	return rate.NewLimiter(limit, burst)
}
