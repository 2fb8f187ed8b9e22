package limits

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Connection limiter defaults.
const (
	DefaultMaxTotalConnections   = 100
	DefaultMaxConnectionsPerIP   = 3
	DefaultMaxConnectionsPerMin  = 10
	DefaultBlockDuration         = 5 * time.Minute
	DefaultKeepAlivePeriod       = 30 * time.Second
	connectionHistoryWindow      = time.Hour
	connectionRateWindow         = time.Minute

	// Global new-connection throttle in front of the per-IP rules. Sized
	// generously so only a distributed flood trips it.
	defaultGlobalConnRate  = 50.0
	defaultGlobalConnBurst = 300
)

// Admission refusals. Messages are deliberately coarse; internal state never
// leaks to the peer.
var (
	ErrIPBlocked     = errors.New("connection refused: IP blocked")
	ErrServerFull    = errors.New("connection refused: server at capacity")
	ErrTooManyFromIP = errors.New("connection refused: too many connections from IP")
	ErrRateLimited   = errors.New("connection refused: rate limit exceeded")
)

// ipTracker accumulates per-IP admission state. One exists per IP ever seen,
// created lazily and garbage-collected once its window empties.
type ipTracker struct {
	active       map[string]struct{} // connection-ids currently open
	history      []time.Time         // connects within the last hour
	blockedUntil time.Time
	lastSeen     time.Time
}

// ConnectionLimiterConfig bounds the limiter. Zero values use defaults; a
// negative GlobalRate disables the global throttle (tests use this).
type ConnectionLimiterConfig struct {
	MaxTotal      int
	MaxPerIP      int
	MaxPerMinute  int
	BlockDuration time.Duration
	GlobalRate    float64
	GlobalBurst   int
	Logger        zerolog.Logger
}

// ConnectionLimiter enforces per-IP and global concurrent-connection caps,
// a per-IP new-connection rate with temporary blocking, and a system-wide
// new-connection throttle.
type ConnectionLimiter struct {
	mu            sync.Mutex
	trackers      map[string]*ipTracker
	total         int
	maxTotal      int
	maxPerIP      int
	maxPerMinute  int
	blockDuration time.Duration

	global *rate.Limiter // nil when disabled

	totalAdmitted int64
	totalRefused  int64

	logger zerolog.Logger
	now    func() time.Time
}

// NewConnectionLimiter builds a limiter from config with defaults applied.
func NewConnectionLimiter(cfg ConnectionLimiterConfig) *ConnectionLimiter {
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = DefaultMaxTotalConnections
	}
	if cfg.MaxPerIP <= 0 {
		cfg.MaxPerIP = DefaultMaxConnectionsPerIP
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = DefaultMaxConnectionsPerMin
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}

	var global *rate.Limiter
	if cfg.GlobalRate >= 0 {
		r := cfg.GlobalRate
		b := cfg.GlobalBurst
		if r == 0 {
			r = defaultGlobalConnRate
		}
		if b == 0 {
			b = defaultGlobalConnBurst
		}
		global = rate.NewLimiter(rate.Limit(r), b)
	}

	return &ConnectionLimiter{
		trackers:      make(map[string]*ipTracker),
		maxTotal:      cfg.MaxTotal,
		maxPerIP:      cfg.MaxPerIP,
		maxPerMinute:  cfg.MaxPerMinute,
		blockDuration: cfg.BlockDuration,
		global:        global,
		logger:        cfg.Logger.With().Str("component", "connection_limiter").Logger(),
		now:           time.Now,
	}
}

// Admit decides whether a new connection from ip may be accepted, and if so
// records it under connID. Rules are checked in a fixed order; only the
// coarse category is reported to the caller.
func (cl *ConnectionLimiter) Admit(ip, connID string) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	tr := cl.tracker(ip, now)

	if tr.blockedUntil.After(now) {
		cl.totalRefused++
		return ErrIPBlocked
	}
	if cl.global != nil && !cl.global.Allow() {
		cl.totalRefused++
		cl.logger.Warn().Str("ip", ip).Msg("global connection rate exceeded")
		return ErrRateLimited
	}
	if cl.total >= cl.maxTotal {
		cl.totalRefused++
		return ErrServerFull
	}
	if len(tr.active) >= cl.maxPerIP {
		cl.totalRefused++
		return ErrTooManyFromIP
	}

	// The per-minute window is judged before this attempt is recorded:
	// exactly maxPerMinute admissions fit, the next one trips the block.
	if cl.recentConnects(tr, now) >= cl.maxPerMinute {
		tr.blockedUntil = now.Add(cl.blockDuration)
		cl.totalRefused++
		cl.logger.Warn().
			Str("ip", ip).
			Dur("block_duration", cl.blockDuration).
			Msg("connection rate exceeded, IP temporarily blocked")
		return ErrRateLimited
	}

	tr.history = append(tr.history, now)
	tr.active[connID] = struct{}{}
	tr.lastSeen = now
	cl.pruneHistory(tr, now)
	cl.total++
	cl.totalAdmitted++
	return nil
}

// Release removes a closed connection. The tracker is retained so the
// per-minute window keeps counting across reconnects. Idempotent.
func (cl *ConnectionLimiter) Release(ip, connID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	tr, ok := cl.trackers[ip]
	if !ok {
		return
	}
	if _, held := tr.active[connID]; !held {
		return
	}
	delete(tr.active, connID)
	tr.lastSeen = cl.now()
	cl.total--
}

// Touch notes activity from an admitted connection's IP, deferring tracker
// garbage collection.
func (cl *ConnectionLimiter) Touch(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if tr, ok := cl.trackers[ip]; ok {
		tr.lastSeen = cl.now()
	}
}

// Sweep garbage-collects trackers with no live connections, an empty rate
// window, and no standing block.
func (cl *ConnectionLimiter) Sweep() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	for ip, tr := range cl.trackers {
		cl.pruneHistory(tr, now)
		if len(tr.active) == 0 && len(tr.history) == 0 && !tr.blockedUntil.After(now) {
			delete(cl.trackers, ip)
		}
	}
}

// ActiveConnections reports the live connection count for an IP.
func (cl *ConnectionLimiter) ActiveConnections(ip string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if tr, ok := cl.trackers[ip]; ok {
		return len(tr.active)
	}
	return 0
}

// TotalActive reports the live connection count across all IPs.
func (cl *ConnectionLimiter) TotalActive() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

// ConnectionLimiterStatistics is a diagnostics snapshot.
type ConnectionLimiterStatistics struct {
	ActiveConnections int
	TrackedIPs        int
	TotalAdmitted     int64
	TotalRefused      int64
}

func (cl *ConnectionLimiter) Statistics() ConnectionLimiterStatistics {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return ConnectionLimiterStatistics{
		ActiveConnections: cl.total,
		TrackedIPs:        len(cl.trackers),
		TotalAdmitted:     cl.totalAdmitted,
		TotalRefused:      cl.totalRefused,
	}
}

func (cl *ConnectionLimiter) tracker(ip string, now time.Time) *ipTracker {
	tr, ok := cl.trackers[ip]
	if !ok {
		tr = &ipTracker{active: make(map[string]struct{}), lastSeen: now}
		cl.trackers[ip] = tr
	}
	return tr
}

func (cl *ConnectionLimiter) recentConnects(tr *ipTracker, now time.Time) int {
	cutoff := now.Add(-connectionRateWindow)
	n := 0
	for _, ts := range tr.history {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func (cl *ConnectionLimiter) pruneHistory(tr *ipTracker, now time.Time) {
	cutoff := now.Add(-connectionHistoryWindow)
	kept := tr.history[:0]
	for _, ts := range tr.history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	tr.history = kept
}

// ApplySecureTimeout enables TCP keep-alive on the connection so dead peers
// are eventually detected even when idle. Read deadlines are the session
// loop's responsibility.
func ApplySecureTimeout(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(DefaultKeepAlivePeriod)
	}
}
