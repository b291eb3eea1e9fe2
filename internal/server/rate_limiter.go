package server

import (
	"sync"
	"time"
)

// frameCostBytes is the payload span one token covers. Larger frames
// charge proportionally more, so a client cannot stretch its budget by
// packing every frame to the size limit.
const frameCostBytes = 256

// rateLimiter is a token bucket charged per inbound frame, weighted by
// frame size. Burst tokens refill continuously at capacity per interval.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: float64(capacity) / interval.Seconds(),
		lastRefill: time.Now(),
	}
}

// allow charges for one frame of the given size and reports whether the
// connection is still within its budget.
func (rl *rateLimiter) allow(frameSize int) bool {
	cost := float64(1 + frameSize/frameCostBytes)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(rl.lastRefill).Seconds(); elapsed > 0 {
		rl.tokens += elapsed * rl.refillRate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}
	rl.lastRefill = now

	if rl.tokens < cost {
		return false
	}
	rl.tokens -= cost
	return true
}
