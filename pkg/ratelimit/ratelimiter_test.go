package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(time.Minute, 3)
	rl.now = func() time.Time { return now }

	for range 3 {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
	assert.False(t, rl.Allow("10.0.0.1"))

	// other clients have their own budget
	assert.True(t, rl.Allow("10.0.0.2"))

	// the window slides
	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
}
