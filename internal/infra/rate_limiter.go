package infra

import (
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter.
// Thread-safe. Used to space subscription requests on the stream and to
// pace REST polling so the exchange never sees a burst.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter.
// maxBurst: maximum burst size
// perSecond: refill rate (requests per second)
func NewRateLimiter(maxBurst int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(maxBurst),
		maxTokens:  float64(maxBurst),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available.
func (r *RateLimiter) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	for r.tokens < 1 {
		waitTime := time.Duration(float64(time.Second) / r.refillRate)
		r.mu.Unlock()
		time.Sleep(waitTime)
		r.mu.Lock()
		r.refill()
	}

	r.tokens--
}

// TryAcquire attempts to acquire a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time. Caller holds the mutex.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.refillRate

	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}

	r.lastRefill = now
}

// NewSubscribeLimiter returns the limiter used between subscription wire
// requests: 5 per second, no burst, so requests stay at least 0.2s apart.
func NewSubscribeLimiter() *RateLimiter {
	return NewRateLimiter(1, 5)
}

// NewMarketLimiter returns the limiter for market-data REST endpoints.
// OKX allows 20 req/2s on the ticker endpoints; stay well under.
func NewMarketLimiter() *RateLimiter {
	return NewRateLimiter(5, 8)
}

// NewNotifyLimiter bounds significant-change notifications: a short
// burst, then one per 10s. Checked with TryAcquire, never Wait; a
// notification that cannot go out now is dropped, not queued.
func NewNotifyLimiter() *RateLimiter {
	return NewRateLimiter(3, 0.1)
}
