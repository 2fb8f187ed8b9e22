package limits

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnLimiter(cfg ConnectionLimiterConfig, clk *fakeClock) *ConnectionLimiter {
	cfg.GlobalRate = -1 // the global throttle is off unless a test opts in
	cl := NewConnectionLimiter(cfg)
	cl.now = clk.Now
	return cl
}

func TestConnLimiterPerIPCap(t *testing.T) {
	clk := newFakeClock()
	cl := newTestConnLimiter(ConnectionLimiterConfig{MaxPerIP: 2, MaxTotal: 100, MaxPerMinute: 100}, clk)

	require.NoError(t, cl.Admit("10.0.0.5", "c1"))
	require.NoError(t, cl.Admit("10.0.0.5", "c2"))
	assert.ErrorIs(t, cl.Admit("10.0.0.5", "c3"), ErrTooManyFromIP)

	// Another IP is unaffected.
	assert.NoError(t, cl.Admit("10.0.0.6", "c4"))

	// Releasing frees a slot.
	cl.Release("10.0.0.5", "c1")
	assert.NoError(t, cl.Admit("10.0.0.5", "c5"))
}

func TestConnLimiterGlobalCap(t *testing.T) {
	clk := newFakeClock()
	cl := newTestConnLimiter(ConnectionLimiterConfig{MaxPerIP: 10, MaxTotal: 3, MaxPerMinute: 100}, clk)

	require.NoError(t, cl.Admit("10.0.0.1", "c1"))
	require.NoError(t, cl.Admit("10.0.0.2", "c2"))
	require.NoError(t, cl.Admit("10.0.0.3", "c3"))
	assert.ErrorIs(t, cl.Admit("10.0.0.4", "c4"), ErrServerFull)
}

func TestConnLimiterPerMinuteRateTriggersBlock(t *testing.T) {
	clk := newFakeClock()
	cl := newTestConnLimiter(ConnectionLimiterConfig{
		MaxPerIP:      100,
		MaxTotal:      1000,
		MaxPerMinute:  3,
		BlockDuration: 5 * time.Minute,
	}, clk)

	// Exactly maxPerMinute admissions succeed inside the window.
	for i := 0; i < 3; i++ {
		require.NoError(t, cl.Admit("10.0.0.9", fmt.Sprintf("c%d", i)))
		cl.Release("10.0.0.9", fmt.Sprintf("c%d", i))
	}

	// The next attempt trips the block at the moment of detection.
	assert.ErrorIs(t, cl.Admit("10.0.0.9", "c-over"), ErrRateLimited)

	// While blocked, every attempt is refused as blocked.
	clk.Advance(time.Minute)
	assert.ErrorIs(t, cl.Admit("10.0.0.9", "c-during"), ErrIPBlocked)

	// After the block lapses (and the rate window has drained), admission
	// resumes.
	clk.Advance(5 * time.Minute)
	assert.NoError(t, cl.Admit("10.0.0.9", "c-after"))
}

func TestConnLimiterReleaseIsIdempotent(t *testing.T) {
	clk := newFakeClock()
	cl := newTestConnLimiter(ConnectionLimiterConfig{MaxPerIP: 2, MaxTotal: 10, MaxPerMinute: 100}, clk)

	require.NoError(t, cl.Admit("10.0.0.1", "c1"))
	cl.Release("10.0.0.1", "c1")
	cl.Release("10.0.0.1", "c1")
	cl.Release("10.0.0.2", "never-admitted")

	assert.Equal(t, 0, cl.TotalActive())
}

func TestConnLimiterSweepRetainsWindowAndBlock(t *testing.T) {
	clk := newFakeClock()
	cl := newTestConnLimiter(ConnectionLimiterConfig{
		MaxPerIP:      10,
		MaxTotal:      10,
		MaxPerMinute:  100,
		BlockDuration: 10 * time.Minute,
	}, clk)

	require.NoError(t, cl.Admit("10.0.0.1", "c1"))
	cl.Release("10.0.0.1", "c1")

	// Recent history keeps the tracker alive.
	cl.Sweep()
	assert.Equal(t, 1, cl.Statistics().TrackedIPs)

	// Once the hour window lapses with nothing active, the tracker goes.
	clk.Advance(connectionHistoryWindow + time.Minute)
	cl.Sweep()
	assert.Equal(t, 0, cl.Statistics().TrackedIPs)
}

func TestConnLimiterConcurrentDistinctIPs(t *testing.T) {
	clk := newFakeClock()
	cl := newTestConnLimiter(ConnectionLimiterConfig{MaxPerIP: 2, MaxTotal: 1000, MaxPerMinute: 100}, clk)

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.1.%d.%d", i/250, i%250)
			errs[i] = cl.Admit(ip, fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	// Under the caps, distinct IPs never refuse spuriously.
	for i, err := range errs {
		assert.NoError(t, err, "admit %d", i)
	}
	assert.Equal(t, n, cl.TotalActive())
}

func TestConnLimiterConcurrentSingleIPCapExact(t *testing.T) {
	clk := newFakeClock()
	cl := newTestConnLimiter(ConnectionLimiterConfig{MaxPerIP: 4, MaxTotal: 1000, MaxPerMinute: 100}, clk)

	const attempts = 32
	var wg sync.WaitGroup
	var admitted int64
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cl.Admit("10.2.0.1", fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	for _, err := range results {
		if err == nil {
			admitted++
		} else {
			assert.ErrorIs(t, err, ErrTooManyFromIP)
		}
	}
	assert.EqualValues(t, 4, admitted, "exactly maxPerIP admissions succeed")
	assert.Equal(t, 4, cl.ActiveConnections("10.2.0.1"))
}
