package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// webhookRateLimit and webhookRateBurst bound inbound webhook delivery
// per managed endpoint, protecting the Persistence Gateway from a
// misbehaving or replaying source provider.
const (
	webhookRateLimit = rate.Limit(20) // events/sec
	webhookRateBurst = 40
)

// RateLimiter hands out a token-bucket limiter per key (the managed
// endpoint's local uuid), created lazily on first use.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter constructs a RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiterFor(key).Allow()
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(webhookRateLimit, webhookRateBurst)
		rl.limiters[key] = l
	}
	return l
}
