package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/broker"
	"github.com/adred-codev/chatd/internal/limits"
	"github.com/adred-codev/chatd/internal/monitoring"
	"github.com/adred-codev/chatd/internal/protocol"
	"github.com/adred-codev/chatd/internal/registry"
	"github.com/adred-codev/chatd/internal/validate"
)

// writeTimeout bounds each outbound socket write so one stuck peer cannot
// wedge its writer goroutine.
const writeTimeout = 10 * time.Second

// sessionHandler runs one connected peer: a reader goroutine framing and
// dispatching inbound records, and a writer goroutine draining the session's
// send queue. The handler owns the socket's lifecycle from admission to
// teardown.
type sessionHandler struct {
	sess      *registry.Session
	reg       *registry.Registry
	broker    *broker.Broker
	validator *validate.Validator
	limiter   *limits.RateLimiter

	readTimeout time.Duration
	strict      bool

	logger zerolog.Logger
}

func newSessionHandler(sess *registry.Session, reg *registry.Registry, brk *broker.Broker,
	v *validate.Validator, rl *limits.RateLimiter, readTimeout time.Duration, strict bool,
	logger zerolog.Logger) *sessionHandler {
	return &sessionHandler{
		sess:        sess,
		reg:         reg,
		broker:      brk,
		validator:   v,
		limiter:     rl,
		readTimeout: readTimeout,
		strict:      strict,
		logger: logger.With().
			Str("component", "session").
			Str("conn_id", sess.ID).
			Str("addr", sess.Addr()).
			Logger(),
	}
}

// run drives the session from admission to teardown and returns when the
// peer is gone.
func (h *sessionHandler) run() {
	go h.writePump()

	if err := h.broker.SendWelcome(h.sess.ID); err != nil {
		h.logger.Warn().Err(err).Msg("welcome delivery failed")
	}
	h.broker.BroadcastUserList()

	h.readLoop()
	h.teardown()
}

// readLoop frames and dispatches inbound records until the peer disconnects
// or a terminal protocol error occurs. A read deadline expiring is not a
// disconnect; the loop re-arms the deadline and keeps reading.
func (h *sessionHandler) readLoop() {
	conn := h.sess.Conn()
	r := protocol.NewReader(conn)

	for {
		select {
		case <-h.sess.Done():
			return
		default:
		}

		if h.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		}

		rec, err := r.ReadRecord()
		if err != nil {
			var nerr net.Error
			switch {
			case errors.As(err, &nerr) && nerr.Timeout():
				continue
			case errors.Is(err, protocol.ErrInvalidUTF8):
				monitoring.MalformedRecords.Inc()
				h.logger.Debug().Msg("dropped non-UTF-8 record")
				continue
			case errors.Is(err, protocol.ErrRecordTooLong):
				h.logger.Warn().Msg("record length limit exceeded, closing session")
				return
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return
			default:
				h.logger.Debug().Err(err).Msg("read failed")
				return
			}
		}

		monitoring.MessagesReceived.Inc()
		switch rec.Tag {
		case protocol.TagMessage:
			if !h.handleChat(rec.Payload) {
				return
			}
		case protocol.TagUserCmd:
			if !h.handleRename(rec.Payload) {
				return
			}
		default:
			monitoring.MalformedRecords.Inc()
			h.logger.Debug().Str("tag", rec.Tag).Msg("unknown record tag dropped")
		}
	}
}

// handleChat routes one chat frame through the broker. Rate-limit and (in
// non-strict mode) validation refusals drop the frame and keep the session
// open; anything else is terminal. Returns false to close the session.
func (h *sessionHandler) handleChat(payload string) bool {
	content := stripSenderPrefix(payload)

	_, err := h.broker.ProcessMessage(h.sess.ID, content, protocol.Chat, "")
	switch {
	case err == nil:
		return true
	case errors.Is(err, broker.ErrSenderRateLimited):
		h.logger.Debug().Msg("chat frame dropped: rate limited")
		return true
	case errors.Is(err, broker.ErrInvalidMessage):
		h.logger.Debug().Err(err).Msg("chat frame dropped: validation failed")
		return !h.strict
	default:
		h.logger.Warn().Err(err).Msg("chat dispatch failed")
		return false
	}
}

// handleRename processes a username-change request. Unlike chat frames, a
// rate-limit or validation refusal here is terminal for the session.
func (h *sessionHandler) handleRename(arg string) bool {
	if !h.limiter.Allow(h.sess.ID) {
		monitoring.RateLimitedMessages.Inc()
		h.logger.Warn().Msg("rename refused: rate limited, closing session")
		return false
	}

	res := h.validator.Username(arg)
	if !res.OK {
		monitoring.ValidationFailures.Inc()
		h.logger.Warn().Strs("errors", res.Errors).Msg("rename refused: invalid username")
		return false
	}

	old, err := h.reg.UpdateUsername(h.sess.ID, res.Sanitized)
	if err != nil {
		h.logger.Warn().Err(err).Msg("rename failed")
		return false
	}

	newName := h.sess.Username()
	if old != newName {
		h.broker.BroadcastServerMessage(fmt.Sprintf("%s is now known as %s", old, newName), "")
		h.logger.Info().Str("old", old).Str("new", newName).Msg("username changed")
	}
	h.broker.BroadcastUserList()
	h.reg.UpdateActivity(h.sess.ID)
	return true
}

// teardown unwinds the session exactly once: close the socket, drop the
// registry entries, and announce the departure to survivors. When the idle
// reaper or shutdown already removed the session, Remove reports false and
// the announcement is theirs.
func (h *sessionHandler) teardown() {
	h.sess.Close()

	if !h.reg.Remove(h.sess.ID) {
		return
	}
	monitoring.ConnectionsCurrent.Dec()
	h.limiter.Remove(h.sess.ID)

	name := h.sess.Username()
	h.broker.BroadcastServerMessage(fmt.Sprintf("%s has left the chat", name), "")
	h.broker.BroadcastUserList()
	h.logger.Info().Str("username", name).Msg("session closed")
}

// writePump serializes all writes to the socket by draining the send queue.
// A write failure closes the session; the reader observes the closed socket
// and unwinds.
func (h *sessionHandler) writePump() {
	conn := h.sess.Conn()
	for {
		select {
		case rec := <-h.sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Write(rec); err != nil {
				h.sess.Close()
				return
			}
		case <-h.sess.Done():
			return
		}
	}
}

// stripSenderPrefix drops the cosmetic "<username>: " prefix clients prepend
// to chat payloads. The registry's username is authoritative; the claimed
// prefix is never trusted.
func stripSenderPrefix(payload string) string {
	if i := strings.Index(payload, ": "); i >= 0 {
		return payload[i+2:]
	}
	return payload
}
