// Package resilience provides the high-availability primitives used by the
// dispatch engine: a per-provider token bucket and a circuit breaker.
package resilience

import (
	"sync"
	"time"
)

// Bucket is a fixed-window token bucket: capacity permits refill in full
// every window. TryAcquire never blocks; denied requests are queued by the
// dispatch engine, not here.
type Bucket struct {
	mu          sync.Mutex
	capacity    int
	window      time.Duration
	tokens      int
	windowStart time.Time
	now         func() time.Time
}

// NewBucket creates a token bucket with the given capacity and refill window.
func NewBucket(capacity int, window time.Duration) *Bucket {
	b := &Bucket{
		capacity: capacity,
		window:   window,
		tokens:   capacity,
		now:      time.Now,
	}
	b.windowStart = b.now()
	return b
}

// TryAcquire consumes one token if available. It returns false when the
// bucket is exhausted for the current window.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the number of permits remaining in the current window.
func (b *Bucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Reset restores a full bucket and restarts the window. Called on
// reconfiguration.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.windowStart = b.now()
}

// Capacity returns the bucket capacity.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// Window returns the refill window.
func (b *Bucket) Window() time.Duration {
	return b.window
}

// SetClock overrides the time source. Test hook.
func (b *Bucket) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// refill restores the full capacity once the window has rolled over.
// Caller must hold the lock.
func (b *Bucket) refill() {
	now := b.now()
	if now.Sub(b.windowStart) >= b.window {
		b.tokens = b.capacity
		b.windowStart = now
	}
}
