package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TokenBucket counts actions inside fixed windows. Every window the bucket is
// refilled back to capacity; TakeTicket never blocks.
type TokenBucket struct {
	mu        sync.Mutex
	clock     clock.Clock
	capacity  int
	window    time.Duration
	tokens    int
	windowEnd time.Time
}

// NewTokenBucket builds a full bucket. A capacity <= 0 disables limiting.
func NewTokenBucket(capacity int, window time.Duration, clk clock.Clock) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &TokenBucket{
		clock:     clk,
		capacity:  capacity,
		window:    window,
		tokens:    max(capacity, 0),
		windowEnd: clk.Now().Add(window),
	}
}

// TakeTicket consumes one token if available. A nil bucket never limits.
func (b *TokenBucket) TakeTicket() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity <= 0 {
		return true
	}
	b.refillLocked(b.clock.Now())
	if b.tokens == 0 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the tokens left in the current window.
func (b *TokenBucket) Tokens() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	return b.tokens
}

// Capacity returns the configured capacity.
func (b *TokenBucket) Capacity() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// SetCapacity changes the capacity. Tokens already spent in the current
// window stay spent; the count is clamped into [0, capacity].
func (b *TokenBucket) SetCapacity(capacity int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	used := b.capacity - b.tokens
	b.capacity = capacity
	b.tokens = min(max(capacity-used, 0), max(capacity, 0))
}

// refillLocked advances windowEnd in whole windows so refills stay aligned
// to the bucket's creation time.
func (b *TokenBucket) refillLocked(now time.Time) {
	if now.Before(b.windowEnd) {
		return
	}
	elapsed := now.Sub(b.windowEnd)
	b.windowEnd = b.windowEnd.Add(b.window * (elapsed/b.window + 1))
	b.tokens = b.capacity
}
