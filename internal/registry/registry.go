// Package registry is the authoritative mapping of connection-id to live
// session, with reverse indexes by socket and by username, the bounded
// shared chat history, and username-conflict resolution.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/limits"
	"github.com/adred-codev/chatd/internal/protocol"
)

const (
	// DefaultHistorySize bounds the shared chat history unless configured.
	DefaultHistorySize = 50
	// MaxHistorySize is the hard cap; configuration cannot exceed it.
	MaxHistorySize = 200

	// conflictProbeLimit caps the _2, _3, ... suffix search before the
	// resolver falls back to a timestamp suffix.
	conflictProbeLimit = 1000
)

// ErrDuplicateSocket means Add was called twice for the same socket.
var ErrDuplicateSocket = errors.New("registry: socket already registered")

// UserInfo is one row of the user-list snapshot.
type UserInfo struct {
	Username string
	Addr     string
}

// Config bounds the registry.
type Config struct {
	HistorySize int
	Logger      zerolog.Logger
}

// Registry owns the session maps. All mutation happens under one mutex so
// the three maps stay consistent as a transaction; snapshots are copied out
// under the lock and iterated outside it, per the locking discipline.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session  // connection-id → session
	byConn   map[net.Conn]string  // socket → connection-id
	byName   map[string]string    // username → connection-id

	history     []protocol.Message
	historySize int

	limiter *limits.ConnectionLimiter

	totalConnects    int64
	totalDisconnects int64

	logger zerolog.Logger
	now    func() time.Time
}

// New builds a registry backed by the given connection limiter.
func New(cfg Config, limiter *limits.ConnectionLimiter) *Registry {
	size := cfg.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	if size > MaxHistorySize {
		size = MaxHistorySize
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		byConn:      make(map[net.Conn]string),
		byName:      make(map[string]string),
		historySize: size,
		limiter:     limiter,
		logger:      cfg.Logger.With().Str("component", "registry").Logger(),
		now:         time.Now,
	}
}

// Add admits a socket: the connection limiter rules on it, a fresh
// connection-id is allocated, the effective username is resolved against
// conflicts, and all three maps are updated atomically. On refusal the
// caller closes the socket.
func (r *Registry) Add(conn net.Conn, desiredUsername string) (*Session, error) {
	addr := conn.RemoteAddr().String()
	ip := hostOnly(addr)
	connID := uuid.NewString()

	if err := r.limiter.Admit(ip, connID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, dup := r.byConn[conn]; dup {
		r.mu.Unlock()
		r.limiter.Release(ip, connID)
		return nil, ErrDuplicateSocket
	}

	base := desiredUsername
	if base == "" {
		base = "User_" + addr
	}
	username := r.resolveLocked(base, "")

	sess := newSession(connID, conn, addr, ip, username, r.now())
	r.sessions[connID] = sess
	r.byConn[conn] = connID
	r.byName[username] = connID
	r.totalConnects++
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info().
		Str("conn_id", connID).
		Str("username", username).
		Str("addr", addr).
		Int("active_sessions", count).
		Msg("session registered")
	return sess, nil
}

// Remove deletes the session from all three maps and releases its limiter
// slot. Removing an absent connection-id is a no-op returning false.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, connID)
	delete(r.byConn, sess.conn)
	delete(r.byName, sess.Username())
	r.totalDisconnects++
	count := len(r.sessions)
	r.mu.Unlock()

	r.limiter.Release(sess.ip, connID)

	r.logger.Info().
		Str("conn_id", connID).
		Str("username", sess.Username()).
		Int("active_sessions", count).
		Msg("session removed")
	return true
}

// UpdateUsername renames a session, resolving conflicts with the current
// owner excluded so renaming to a name you already hold is a no-op. Returns
// the previous name.
func (r *Registry) UpdateUsername(connID, newUsername string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connID]
	if !ok {
		return "", fmt.Errorf("registry: unknown connection %s", connID)
	}

	old := sess.Username()
	resolved := r.resolveLocked(newUsername, connID)
	if resolved != old {
		delete(r.byName, old)
		r.byName[resolved] = connID
		sess.setUsername(resolved)
	}
	sess.Touch(r.now())
	return old, nil
}

// UpdateActivity touches the session and forwards to the connection
// limiter's tracker.
func (r *Registry) UpdateActivity(connID string) {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	r.mu.Unlock()
	if !ok {
		return
	}
	sess.Touch(r.now())
	r.limiter.Touch(sess.ip)
}

// Get looks a session up by connection-id.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[connID]
	return sess, ok
}

// GetByUsername looks a session up by its current username.
func (r *Registry) GetByUsername(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byName[username]
	if !ok {
		return nil, false
	}
	sess, ok := r.sessions[connID]
	return sess, ok
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot copies out the current sessions. Callers iterate and send
// outside the registry lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// UserList returns a (username, address) snapshot ordered by connection
// time so the list is stable across broadcasts.
func (r *Registry) UserList() []UserInfo {
	sessions := r.Snapshot()
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.connectedAt.Equal(b.connectedAt) {
			return a.connectedAt.Before(b.connectedAt)
		}
		return a.Username() < b.Username()
	})
	out := make([]UserInfo, len(sessions))
	for i, sess := range sessions {
		out[i] = UserInfo{Username: sess.Username(), Addr: sess.addr}
	}
	return out
}

// UserListString renders the snapshot as "u1(a1),u2(a2),...".
func (r *Registry) UserListString() string {
	users := r.UserList()
	parts := make([]string, len(users))
	for i, u := range users {
		parts[i] = fmt.Sprintf("%s(%s)", u.Username, u.Addr)
	}
	return strings.Join(parts, ",")
}

// AddToHistory retains chat messages only, evicting the oldest past the
// configured cap.
func (r *Registry) AddToHistory(msg protocol.Message) {
	if msg.Type != protocol.Chat {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, msg)
	if len(r.history) > r.historySize {
		r.history = r.history[len(r.history)-r.historySize:]
	}
}

// History returns up to the last n chat messages, oldest first.
func (r *Registry) History(n int) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	out := make([]protocol.Message, n)
	copy(out, r.history[len(r.history)-n:])
	return out
}

// CleanupInactive closes and removes sessions idle past the threshold,
// returning what was reaped so the caller can announce departures. Tolerant
// of sessions racing their own termination; Remove is idempotent.
func (r *Registry) CleanupInactive(threshold time.Duration) []*Session {
	now := r.now()
	var idle []*Session
	for _, sess := range r.Snapshot() {
		if sess.IdleSince(now) > threshold {
			idle = append(idle, sess)
		}
	}

	var reaped []*Session
	for _, sess := range idle {
		sess.Close()
		if r.Remove(sess.ID) {
			reaped = append(reaped, sess)
			r.logger.Info().
				Str("conn_id", sess.ID).
				Str("username", sess.Username()).
				Dur("idle", sess.IdleSince(now)).
				Msg("idle session reaped")
		}
	}
	return reaped
}

// Statistics is a diagnostics snapshot.
type Statistics struct {
	ActiveSessions   int
	HistoryLength    int
	TotalConnects    int64
	TotalDisconnects int64
}

func (r *Registry) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Statistics{
		ActiveSessions:   len(r.sessions),
		HistoryLength:    len(r.history),
		TotalConnects:    r.totalConnects,
		TotalDisconnects: r.totalDisconnects,
	}
}

// resolveLocked finds a free username starting from base: base, base_2,
// base_3, ... capped at conflictProbeLimit probes, then a microsecond
// suffix guarantees termination. The owner (if any) is excluded so renames
// to a currently-held name are stable.
func (r *Registry) resolveLocked(base, ownerConnID string) string {
	taken := func(name string) bool {
		holder, exists := r.byName[name]
		return exists && holder != ownerConnID
	}

	if !taken(base) {
		return base
	}
	for i := 2; i <= conflictProbeLimit; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if !taken(candidate) {
			return candidate
		}
	}
	return fmt.Sprintf("%s_%d", base, r.now().UnixMicro())
}

// hostOnly strips the port from host:port, tolerating bare hosts.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
