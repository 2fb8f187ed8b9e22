package limits

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBucket(capacity, refill float64, clk *fakeClock) *TokenBucket {
	tb := NewTokenBucket(capacity, refill)
	tb.now = clk.Now
	tb.lastRefill = clk.Now()
	return tb
}

func TestTokenBucketConsumeAndRefill(t *testing.T) {
	clk := newFakeClock()
	tb := newTestBucket(10, 1, clk)

	for i := 0; i < 10; i++ {
		assert.True(t, tb.Consume(1))
	}
	assert.False(t, tb.Consume(1), "empty bucket must refuse")
	assert.EqualValues(t, 1, tb.Violations())

	clk.Advance(3 * time.Second)
	assert.InDelta(t, 3, tb.Peek(), 0.001)
	assert.True(t, tb.Consume(3))
	assert.False(t, tb.Consume(1))
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	clk := newFakeClock()
	tb := newTestBucket(5, 100, clk)

	clk.Advance(time.Hour)
	assert.InDelta(t, 5, tb.Peek(), 0.001)
}

func TestTokenBucketZeroAndNegativeConsume(t *testing.T) {
	clk := newFakeClock()
	tb := newTestBucket(5, 1, clk)

	before := tb.Peek()
	assert.True(t, tb.Consume(0))
	assert.True(t, tb.Consume(-3))
	assert.Equal(t, before, tb.Peek())
	assert.EqualValues(t, 0, tb.Violations())
}

func TestTokenBucketBoundsInvariant(t *testing.T) {
	clk := newFakeClock()
	tb := newTestBucket(7, 2, clk)

	ops := []float64{3, 0, 5, -1, 2, 7, 1, 0.5}
	for _, n := range ops {
		tb.Consume(n)
		got := tb.Peek()
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 7.0)
		clk.Advance(500 * time.Millisecond)
	}
}

func TestTokenBucketTimeUntilAvailable(t *testing.T) {
	clk := newFakeClock()
	tb := newTestBucket(10, 2, clk)

	assert.Equal(t, time.Duration(0), tb.TimeUntilAvailable(5))

	require.True(t, tb.Consume(10))
	// 6 tokens at 2/s: 3 seconds.
	assert.Equal(t, 3*time.Second, tb.TimeUntilAvailable(6))
}

func newTestLimiter(perMinute, burst int, clk *fakeClock) *RateLimiter {
	rl := NewRateLimiter(perMinute, burst)
	rl.now = clk.Now
	rl.lastCleanup = clk.Now()
	return rl
}

func TestRateLimiterCapacityIsRatePlusBurst(t *testing.T) {
	clk := newFakeClock()
	rl := newTestLimiter(60, 5, clk)

	// 65 frames pass, the 66th is refused.
	for i := 0; i < 65; i++ {
		require.True(t, rl.Allow("conn-1"), "message %d should pass", i+1)
	}
	assert.False(t, rl.Allow("conn-1"))

	// One second later at 1 tok/s a single token has refilled.
	clk.Advance(time.Second)
	assert.True(t, rl.Allow("conn-1"))
	assert.False(t, rl.Allow("conn-1"))
}

func TestRateLimiterIsolatesPrincipals(t *testing.T) {
	clk := newFakeClock()
	rl := newTestLimiter(60, 0, clk)

	for i := 0; i < 60; i++ {
		require.True(t, rl.Allow("noisy"))
	}
	assert.False(t, rl.Allow("noisy"))
	assert.True(t, rl.Allow("quiet"))
}

func TestRateLimiterSweepReclaimsIdleBuckets(t *testing.T) {
	clk := newFakeClock()
	rl := newTestLimiter(60, 10, clk)

	rl.Allow("idle")
	rl.Allow("busy")

	// Drain "busy" so it records a violation and sits near empty.
	for rl.Allow("busy") {
	}

	clk.Advance(time.Minute * 2) // "idle" refills to full; "busy" stays low
	rl.Sweep()

	stats := rl.Statistics()
	assert.Equal(t, 1, stats.Principals, "only the violating bucket survives")

	// An hour after its last violation, "busy" is reclaimable too.
	clk.Advance(time.Hour + time.Minute)
	rl.Sweep()
	assert.Equal(t, 0, rl.Statistics().Principals)
}

func TestRateLimiterStatistics(t *testing.T) {
	clk := newFakeClock()
	rl := newTestLimiter(60, 0, clk)

	for i := 0; i < 62; i++ {
		rl.Allow("c")
	}
	stats := rl.Statistics()
	assert.Equal(t, 60, stats.RatePerMinute)
	assert.Equal(t, 0, stats.BurstAllowance)
	assert.EqualValues(t, 2, stats.TotalViolations)
	assert.Equal(t, 1, stats.Principals)
}

func TestRateLimiterConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(6000, 1000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			principal := string(rune('a' + id))
			for i := 0; i < 200; i++ {
				rl.Allow(principal)
				rl.Peek(principal)
			}
		}(g)
	}
	wg.Wait()

	stats := rl.Statistics()
	assert.Equal(t, 8, stats.Principals)
	for g := 0; g < 8; g++ {
		principal := string(rune('a' + g))
		got := rl.Peek(principal)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 7000.0)
	}
}
