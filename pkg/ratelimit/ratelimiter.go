package ratelimit

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// RateLimiter is a sliding window limiter keyed by client. Keys with no requests in the
// last window expire from memory.
type RateLimiter struct {
	hits   *gocache.Cache
	lock   sync.Mutex
	window time.Duration
	max    int
	now    func() time.Time
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		hits:   gocache.New(window, 2*window),
		window: window,
		max:    max,
		now:    time.Now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	now := rl.now()
	windowStart := now.Add(-rl.window)

	var validRequests []time.Time
	if cached, ok := rl.hits.Get(key); ok {
		for _, reqTime := range cached.([]time.Time) {
			if reqTime.After(windowStart) {
				validRequests = append(validRequests, reqTime)
			}
		}
	}

	if len(validRequests) >= rl.max {
		rl.hits.Set(key, validRequests, rl.window)
		return false
	}

	validRequests = append(validRequests, now)
	rl.hits.Set(key, validRequests, rl.window)
	return true
}
