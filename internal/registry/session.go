package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// sendBufferSize is the per-session outbound queue depth. Broadcasts
// enqueue without blocking; a full buffer counts as a failed delivery for
// that peer, so slow readers never stall the broker.
const sendBufferSize = 256

// Session is the server-side state for one connected peer. The session owns
// its socket: reads happen only in the session's reader goroutine, writes
// only in its writer goroutine draining the send queue. Everything else
// talks to the session through Enqueue.
type Session struct {
	// ID is the opaque registry primary key. Never sent to peers.
	ID string

	conn net.Conn
	addr string
	ip   string

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu       sync.RWMutex
	username string

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos
	messageCount atomic.Int64
}

func newSession(id string, conn net.Conn, addr, ip, username string, now time.Time) *Session {
	s := &Session{
		ID:          id,
		conn:        conn,
		addr:        addr,
		ip:          ip,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		username:    username,
		connectedAt: now,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// Conn exposes the owned socket for the session's own reader/writer and for
// shutdown initiators. Closing it elsewhere must go through Close.
func (s *Session) Conn() net.Conn { return s.conn }

// Addr is the peer's host:port as reported at accept time.
func (s *Session) Addr() string { return s.addr }

// IP is the peer's address without the port, as the limiter keys it.
func (s *Session) IP() string { return s.ip }

// Username returns the current registry-assigned username.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) setUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

// ConnectedAt is the admission timestamp.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Touch records peer activity.
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// IdleSince reports the duration since the last recorded activity.
func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// MessageCount is the number of chat messages this session has sent.
func (s *Session) MessageCount() int64 { return s.messageCount.Load() }

// CountMessage bumps the per-session message counter.
func (s *Session) CountMessage() { s.messageCount.Add(1) }

// Enqueue queues an outbound record without blocking. It reports false when
// the session is closed or its buffer is full; the caller records the
// failure and moves on.
func (s *Session) Enqueue(record []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- record:
		return true
	default:
		return false
	}
}

// Outbound is the writer goroutine's view of the send queue.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed when the session has been shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close shuts the session down exactly once: the reader observes the closed
// socket as EOF and the writer drains out via Done. Safe to call from the
// session itself, the idle reaper, or server shutdown.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
