// Package limits implements the server's admission control: per-principal
// token-bucket message rate limiting and per-IP connection limiting.
package limits

import (
	"sync"
	"time"
)

// Rate limiter defaults: 60 messages/minute sustained with a burst
// allowance of 10 on top.
const (
	DefaultMessagesPerMinute = 60
	DefaultBurstAllowance    = 10

	// bucketIdleFraction: a bucket at or above this share of capacity
	// with no violations on record is considered idle and reclaimable.
	bucketIdleFraction = 0.9

	violationRetention     = time.Hour
	defaultCleanupInterval = 5 * time.Minute
)

// TokenBucket is a lazy-refill token bucket. Tokens are recomputed on every
// access rather than by a background ticker, so an untouched bucket costs
// nothing.
//
// Invariant: after any operation, 0 <= tokens <= capacity.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	violations    int64
	lastViolation time.Time

	now func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// refill must be called with the lock held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.refillRate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.lastRefill = now
}

// Consume takes n tokens if available. Requests for zero or negative token
// counts succeed without mutating the bucket. A refusal is recorded as a
// violation.
func (tb *TokenBucket) Consume(n float64) bool {
	if n <= 0 {
		return true
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	tb.violations++
	tb.lastViolation = tb.now()
	return false
}

// Peek refills and returns the current token count without consuming.
func (tb *TokenBucket) Peek() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// TimeUntilAvailable reports how long until n tokens will be available,
// zero if they already are.
func (tb *TokenBucket) TimeUntilAvailable(n float64) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= n {
		return 0
	}
	deficit := n - tb.tokens
	return time.Duration(deficit / tb.refillRate * float64(time.Second))
}

// Violations returns the number of refused consumes so far.
func (tb *TokenBucket) Violations() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.violations
}

// reclaimable must be called with the RateLimiter's lock held but takes the
// bucket's own lock; buckets are leaves in the lock order.
func (tb *TokenBucket) reclaimable(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.violations == 0 {
		return tb.tokens >= tb.capacity*bucketIdleFraction
	}
	return now.Sub(tb.lastViolation) > violationRetention
}

// RateLimiter keys token buckets by principal: a connection-id for message
// rates, an IP for anything connection-shaped. Buckets are created on first
// access and garbage-collected by a lazy sweep.
type RateLimiter struct {
	mu              sync.Mutex
	buckets         map[string]*TokenBucket
	capacity        float64
	refillRate      float64
	ratePerMinute   int
	burstAllowance  int
	cleanupInterval time.Duration
	lastCleanup     time.Time
	totalViolations int64

	now func() time.Time
}

// RateLimiterStatistics is a point-in-time snapshot for diagnostics.
type RateLimiterStatistics struct {
	Principals      int
	TotalViolations int64
	RatePerMinute   int
	BurstAllowance  int
}

// NewRateLimiter builds a limiter allowing messagesPerMinute sustained plus
// burstAllowance extra capacity, i.e. capacity = rate + burst and refill =
// rate/60 tokens per second. Non-positive arguments fall back to defaults.
func NewRateLimiter(messagesPerMinute, burstAllowance int) *RateLimiter {
	if messagesPerMinute <= 0 {
		messagesPerMinute = DefaultMessagesPerMinute
	}
	if burstAllowance < 0 {
		burstAllowance = DefaultBurstAllowance
	}
	return &RateLimiter{
		buckets:         make(map[string]*TokenBucket),
		capacity:        float64(messagesPerMinute + burstAllowance),
		refillRate:      float64(messagesPerMinute) / 60.0,
		ratePerMinute:   messagesPerMinute,
		burstAllowance:  burstAllowance,
		cleanupInterval: defaultCleanupInterval,
		lastCleanup:     time.Now(),
		now:             time.Now,
	}
}

// bucket returns the principal's bucket, creating it full on first access,
// and opportunistically runs the cleanup sweep.
func (rl *RateLimiter) bucket(principal string) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.maybeSweep()

	tb, ok := rl.buckets[principal]
	if !ok {
		tb = NewTokenBucket(rl.capacity, rl.refillRate)
		tb.now = rl.now
		rl.buckets[principal] = tb
	}
	return tb
}

// Allow consumes one token for the principal.
func (rl *RateLimiter) Allow(principal string) bool {
	return rl.Consume(principal, 1)
}

// Consume takes n tokens from the principal's bucket.
func (rl *RateLimiter) Consume(principal string, n float64) bool {
	ok := rl.bucket(principal).Consume(n)
	if !ok {
		rl.mu.Lock()
		rl.totalViolations++
		rl.mu.Unlock()
	}
	return ok
}

// Peek returns the principal's current token count without consuming.
func (rl *RateLimiter) Peek(principal string) float64 {
	return rl.bucket(principal).Peek()
}

// TimeUntilAvailable reports the wait until the principal can consume n.
func (rl *RateLimiter) TimeUntilAvailable(principal string, n float64) time.Duration {
	return rl.bucket(principal).TimeUntilAvailable(n)
}

// Remove drops the principal's bucket, typically on disconnect.
func (rl *RateLimiter) Remove(principal string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, principal)
}

// Sweep forces a cleanup pass regardless of the interval.
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweepLocked()
}

// maybeSweep runs the cleanup at most once per cleanupInterval. Called with
// the lock held.
func (rl *RateLimiter) maybeSweep() {
	now := rl.now()
	if now.Sub(rl.lastCleanup) < rl.cleanupInterval {
		return
	}
	rl.sweepLocked()
}

func (rl *RateLimiter) sweepLocked() {
	now := rl.now()
	for principal, tb := range rl.buckets {
		if tb.reclaimable(now) {
			delete(rl.buckets, principal)
		}
	}
	rl.lastCleanup = now
}

// Statistics returns a well-defined snapshot of limiter state.
func (rl *RateLimiter) Statistics() RateLimiterStatistics {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStatistics{
		Principals:      len(rl.buckets),
		TotalViolations: rl.totalViolations,
		RatePerMinute:   rl.ratePerMinute,
		BurstAllowance:  rl.burstAllowance,
	}
}
