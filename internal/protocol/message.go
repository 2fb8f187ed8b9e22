package protocol

import (
	"fmt"
	"time"
)

// MessageType is the closed set of message variants the broker routes.
type MessageType int

const (
	// Chat is a user-authored message subject to validation, rate
	// limiting, and history retention.
	Chat MessageType = iota
	// Server is an announcement (join, leave, rename, welcome). It skips
	// the validator, the rate limiter, and history.
	Server
	// UserList carries the authoritative user-list snapshot.
	UserList
	// Command is a server-interpreted slash command.
	Command
	// UserCommand is a client request to mutate its own session state,
	// currently only username changes.
	UserCommand
)

func (t MessageType) String() string {
	switch t {
	case Chat:
		return "chat"
	case Server:
		return "server"
	case UserList:
		return "user_list"
	case Command:
		return "command"
	case UserCommand:
		return "user_command"
	default:
		return fmt.Sprintf("message_type(%d)", int(t))
	}
}

// Message is a routed unit inside the broker. Sender is the registry
// username snapshot taken at the moment of processing; the client-supplied
// prefix on the wire is cosmetic and never trusted.
type Message struct {
	Type      MessageType
	Content   string
	Sender    string
	Timestamp time.Time
	Recipient string // empty for broadcasts
}

// Record renders the outbound wire record for the message.
func (m Message) Record() []byte {
	switch m.Type {
	case Chat:
		return EncodeRecord(TagMessage, fmt.Sprintf("%s: %s", m.Sender, m.Content))
	case UserList:
		return EncodeRecord(TagUserList, m.Content)
	default:
		return EncodeRecord(TagServer, m.Content)
	}
}
