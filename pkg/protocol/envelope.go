// Package protocol defines the envelopes exchanged with a chat room over the
// streaming transport and their JSON encoding (one object per frame).
package protocol

import (
	"strings"
)

// Type is the discriminator carried in every envelope's "type" field.
type Type string

const (
	TypeUserMessage Type = "user_incoming_message"
	TypeMessageRead Type = "message_read"
)

// ReceiptMode selects which read-receipt variant a session speaks.
type ReceiptMode string

const (
	// ReceiptByMessage acknowledges one message: {type, message_id}.
	ReceiptByMessage ReceiptMode = "message"
	// ReceiptByAuthor acknowledges everything not authored by the acknowledger: {type, author}.
	ReceiptByAuthor ReceiptMode = "author"
)

// ParseReceiptMode maps a configuration value onto a ReceiptMode. Empty means ReceiptByMessage.
func ParseReceiptMode(s string) (ReceiptMode, bool) {
	switch ReceiptMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReceiptByMessage:
		return ReceiptByMessage, true
	case ReceiptByAuthor:
		return ReceiptByAuthor, true
	default:
		return "", false
	}
}

// Envelope is the closed set of frames understood by the client core:
// UserMessage, ReadReceipt and Unknown.
type Envelope interface {
	EnvelopeType() Type
}

// UserMessage carries a full chat message.
type UserMessage struct {
	MessageID string
	Author    string
	Body      string
	IsRead    bool
}

func (UserMessage) EnvelopeType() Type { return TypeUserMessage }

// ReadReceipt acknowledges either a single message (MessageID set) or every
// message not authored by Author (MessageID empty).
type ReadReceipt struct {
	MessageID string
	Author    string
}

func (ReadReceipt) EnvelopeType() Type { return TypeMessageRead }

// ByMessage reports whether the receipt targets one message id.
func (r ReadReceipt) ByMessage() bool { return r.MessageID != "" }

// Mode reports which receipt variant the envelope was built for.
func (r ReadReceipt) Mode() ReceiptMode {
	if r.ByMessage() {
		return ReceiptByMessage
	}
	return ReceiptByAuthor
}

// NewMessageReceipt builds a message-scoped receipt.
func NewMessageReceipt(messageID string) ReadReceipt {
	return ReadReceipt{MessageID: messageID}
}

// NewAuthorReceipt builds an author-scoped receipt sent by acknowledger.
func NewAuthorReceipt(acknowledger string) ReadReceipt {
	return ReadReceipt{Author: acknowledger}
}

// Unknown is a well-formed frame whose type this client does not understand.
// It is kept so callers can log it; dispatch drops it.
type Unknown struct {
	Type Type
	Raw  []byte
}

func (u Unknown) EnvelopeType() Type { return u.Type }
