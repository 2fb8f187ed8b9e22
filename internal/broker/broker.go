// Package broker routes validated messages to recipients: rate limiting and
// validation at ingress, history retention, and best-effort fan-out to
// per-session send queues.
package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/limits"
	"github.com/adred-codev/chatd/internal/monitoring"
	"github.com/adred-codev/chatd/internal/protocol"
	"github.com/adred-codev/chatd/internal/registry"
	"github.com/adred-codev/chatd/internal/validate"
)

// welcomeReplayCount bounds how much history a joining client receives.
const welcomeReplayCount = 20

var (
	// ErrUnknownSender means the sender's session vanished between read
	// and dispatch; fatal for the caller's frame.
	ErrUnknownSender = errors.New("broker: unknown sender")

	// ErrSenderRateLimited means the sender's bucket refused the frame.
	// Session handlers drop the frame and continue.
	ErrSenderRateLimited = errors.New("broker: sender rate limited")

	// ErrInvalidMessage means validation rejected the content.
	ErrInvalidMessage = errors.New("broker: message failed validation")

	// ErrUnknownRecipient means a direct message named a username with no
	// live session.
	ErrUnknownRecipient = errors.New("broker: unknown recipient")
)

// DeliveryResult summarizes one fan-out. Success means no per-peer delivery
// failed; rate-limited recipients are reported separately and do not count
// as failures.
type DeliveryResult struct {
	Success            bool
	DeliveredCount     int
	FailedCount        int
	Errors             []string
	RateLimitedClients []string
}

// Broker wires the registry, the message rate limiter, and the validator
// into the routing pipeline. Sessions hold a reference to the broker and
// the registry only.
type Broker struct {
	registry  *registry.Registry
	limiter   *limits.RateLimiter
	validator *validate.Validator
	logger    zerolog.Logger
	now       func() time.Time
}

func New(reg *registry.Registry, rl *limits.RateLimiter, v *validate.Validator, logger zerolog.Logger) *Broker {
	return &Broker{
		registry:  reg,
		limiter:   rl,
		validator: v,
		logger:    logger.With().Str("component", "broker").Logger(),
		now:       time.Now,
	}
}

// ProcessMessage runs the full ingress pipeline for a sender's frame:
// session lookup, rate limit, validation, history, fan-out. The sender name
// stamped on the message is the registry snapshot, never client input.
//
// An empty recipient broadcasts to every session except the sender. A named
// recipient receives a direct message unless their bucket peeks below one
// token, in which case the message is withheld and the recipient reported
// in RateLimitedClients.
func (b *Broker) ProcessMessage(senderID, content string, msgType protocol.MessageType, recipient string) (DeliveryResult, error) {
	sender, ok := b.registry.Get(senderID)
	if !ok {
		return DeliveryResult{}, ErrUnknownSender
	}

	if !b.limiter.Allow(senderID) {
		monitoring.RateLimitedMessages.Inc()
		return DeliveryResult{}, ErrSenderRateLimited
	}

	res := b.validator.Message(content)
	if !res.OK {
		monitoring.ValidationFailures.Inc()
		return DeliveryResult{}, fmt.Errorf("%w: %s", ErrInvalidMessage, res.Errors[0])
	}

	msg := protocol.Message{
		Type:      msgType,
		Content:   res.Sanitized,
		Sender:    sender.Username(),
		Timestamp: b.now(),
		Recipient: recipient,
	}
	b.registry.AddToHistory(msg)

	var result DeliveryResult
	if recipient != "" {
		result = b.deliverDirect(msg)
	} else {
		result = b.fanOut(msg.Record(), senderID, nil)
	}

	sender.CountMessage()
	b.registry.UpdateActivity(senderID)

	result.Success = result.FailedCount == 0
	return result, nil
}

// deliverDirect sends to exactly one session, looked up by username.
func (b *Broker) deliverDirect(msg protocol.Message) DeliveryResult {
	var result DeliveryResult

	rcpt, ok := b.registry.GetByUsername(msg.Recipient)
	if !ok {
		result.FailedCount++
		result.Errors = append(result.Errors, ErrUnknownRecipient.Error())
		return result
	}

	// Direct messages consult the recipient's bucket without consuming;
	// a drained recipient is reported, not failed.
	if b.limiter.Peek(rcpt.ID) < 1 {
		result.RateLimitedClients = append(result.RateLimitedClients, msg.Recipient)
		return result
	}

	b.deliver(rcpt, msg.Record(), &result)
	return result
}

// fanOut enqueues the record on every live session, minus exclusions.
// The recipient snapshot is taken under the registry lock and iterated
// outside it; sends never happen while a registry lock is held.
func (b *Broker) fanOut(record []byte, excludeID string, includeOnly map[string]struct{}) DeliveryResult {
	var result DeliveryResult
	for _, sess := range b.registry.Snapshot() {
		if sess.ID == excludeID {
			continue
		}
		if includeOnly != nil {
			if _, ok := includeOnly[sess.ID]; !ok {
				continue
			}
		}
		b.deliver(sess, record, &result)
	}
	return result
}

// deliver is one non-blocking enqueue. A closed session or a full send
// buffer is a failed delivery for that peer; the peer's own reader will
// notice a real break on its next read.
func (b *Broker) deliver(sess *registry.Session, record []byte, result *DeliveryResult) {
	if sess.Enqueue(record) {
		result.DeliveredCount++
		monitoring.MessagesDelivered.Inc()
		return
	}
	result.FailedCount++
	result.Errors = append(result.Errors, fmt.Sprintf("delivery to %s failed", sess.Username()))
	monitoring.DeliveryFailures.Inc()
	b.logger.Warn().
		Str("conn_id", sess.ID).
		Str("username", sess.Username()).
		Msg("delivery dropped: session closed or buffer full")
}

// BroadcastServerMessage announces to all sessions (or, when includeOnly is
// non-empty, to just those connection-ids), skipping excluded ids. Server
// messages bypass the validator, the rate limiter, and history.
func (b *Broker) BroadcastServerMessage(content string, exclude string, includeOnly ...string) DeliveryResult {
	msg := protocol.Message{Type: protocol.Server, Content: content, Timestamp: b.now()}

	var include map[string]struct{}
	if len(includeOnly) > 0 {
		include = make(map[string]struct{}, len(includeOnly))
		for _, id := range includeOnly {
			include[id] = struct{}{}
		}
	}

	result := b.fanOut(msg.Record(), exclude, include)
	result.Success = result.FailedCount == 0
	return result
}

// BroadcastUserList pushes the authoritative user-list snapshot to every
// session.
func (b *Broker) BroadcastUserList() DeliveryResult {
	msg := protocol.Message{
		Type:      protocol.UserList,
		Content:   b.registry.UserListString(),
		Timestamp: b.now(),
	}
	result := b.fanOut(msg.Record(), "", nil)
	result.Success = result.FailedCount == 0
	return result
}

// SendWelcome greets a newly admitted session and replays recent chat
// history to it, oldest first.
func (b *Broker) SendWelcome(connID string) error {
	sess, ok := b.registry.Get(connID)
	if !ok {
		return ErrUnknownSender
	}

	welcome := protocol.Message{
		Type:      protocol.Server,
		Content:   fmt.Sprintf("Welcome to the chat, %s!", sess.Username()),
		Timestamp: b.now(),
	}
	var result DeliveryResult
	b.deliver(sess, welcome.Record(), &result)

	for _, past := range b.registry.History(welcomeReplayCount) {
		b.deliver(sess, past.Record(), &result)
	}

	if result.FailedCount > 0 {
		return fmt.Errorf("broker: welcome delivery incomplete for %s", connID)
	}
	return nil
}
