package roomchat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/roomchat/pkg/protocol"
	"github.com/go-go-golems/roomchat/pkg/transcript"
)

// ReceiptState is the acknowledgement progress of one message as seen locally.
type ReceiptState string

const (
	// receiver side
	ReceiptDelivered        ReceiptState = "delivered"
	ReceiptAcknowledgedSent ReceiptState = "acknowledged_sent"
	// author side
	ReceiptAwaitingAck ReceiptState = "awaiting_ack"
	ReceiptAckReceived ReceiptState = "ack_received"
)

// Sender is the outbound side of a connection. Send may drop under
// backpressure; SendWait waits for room instead.
type Sender interface {
	Send(env protocol.Envelope) error
	SendWait(ctx context.Context, env protocol.Envelope) error
}

// ReceiptCoordinator emits read receipts for messages authored by others and
// applies receipts received from the room. Receipts are fire and forget: a
// lost receipt is only recovered by Reflush on the next (re)connect.
type ReceiptCoordinator struct {
	identity string
	mode     protocol.ReceiptMode
	store    *transcript.Store
	sender   Sender
	log      zerolog.Logger

	mu     sync.Mutex
	states map[string]ReceiptState
}

func NewReceiptCoordinator(identity string, mode protocol.ReceiptMode, store *transcript.Store, sender Sender, logger zerolog.Logger) *ReceiptCoordinator {
	if mode == "" {
		mode = protocol.ReceiptByMessage
	}
	return &ReceiptCoordinator{
		identity: identity,
		mode:     mode,
		store:    store,
		sender:   sender,
		log:      logger,
		states:   map[string]ReceiptState{},
	}
}

func (rc *ReceiptCoordinator) Mode() protocol.ReceiptMode { return rc.mode }

// State returns the receipt state recorded for messageID.
func (rc *ReceiptCoordinator) State(messageID string) (ReceiptState, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	s, ok := rc.states[messageID]
	return s, ok
}

// TrackAuthored marks a locally authored message as waiting for its receipt.
func (rc *ReceiptCoordinator) TrackAuthored(messageID string) {
	rc.setState(messageID, ReceiptAwaitingAck)
}

// Forget drops any state kept for messageID.
func (rc *ReceiptCoordinator) Forget(messageID string) {
	rc.mu.Lock()
	delete(rc.states, messageID)
	rc.mu.Unlock()
}

// Acknowledge emits a receipt for a delivered foreign message, once. It
// returns whether a receipt was handed to the transport.
func (rc *ReceiptCoordinator) Acknowledge(messageID string) bool {
	rc.mu.Lock()
	if rc.states[messageID] == ReceiptAcknowledgedSent {
		rc.mu.Unlock()
		return false
	}
	rc.states[messageID] = ReceiptDelivered
	rc.mu.Unlock()

	if err := rc.sender.Send(rc.receiptFor(messageID)); err != nil {
		rc.log.Debug().Err(err).Str("message_id", messageID).Msg("read receipt not sent")
		return false
	}
	rc.setState(messageID, ReceiptAcknowledgedSent)
	return true
}

// ApplyReceipt marks the messages a receipt covers as read and returns how
// many known messages it matched. Receipts for unknown ids, or of the other
// protocol variant, change nothing.
func (rc *ReceiptCoordinator) ApplyReceipt(r protocol.ReadReceipt) int {
	if r.Mode() != rc.mode {
		rc.log.Warn().Str("receipt_mode", string(r.Mode())).Str("session_mode", string(rc.mode)).Msg("ignoring read receipt of other protocol variant")
		return 0
	}

	switch rc.mode {
	case protocol.ReceiptByAuthor:
		n := rc.store.MarkAllReadExcept(r.Author)
		rc.mu.Lock()
		for id, st := range rc.states {
			if st != ReceiptAwaitingAck {
				continue
			}
			if m, ok := rc.store.Get(id); ok && m.IsRead && m.Author != r.Author {
				rc.states[id] = ReceiptAckReceived
			}
		}
		rc.mu.Unlock()
		return n
	default:
		if !rc.store.MarkRead(r.MessageID) {
			rc.log.Debug().Str("message_id", r.MessageID).Msg("read receipt for unknown message")
			return 0
		}
		rc.mu.Lock()
		if rc.states[r.MessageID] == ReceiptAwaitingAck {
			rc.states[r.MessageID] = ReceiptAckReceived
		}
		rc.mu.Unlock()
		return 1
	}
}

// Reflush re-issues receipts for every unread message not authored locally.
// It runs after each (re)connect to recover receipts dropped while
// disconnected, and returns the number of receipts sent. Receipts wait for
// room in the send buffer, so a backlog larger than the buffer is not cut
// short; only losing the connection or ctx stops it.
func (rc *ReceiptCoordinator) Reflush(ctx context.Context) int {
	unread := rc.store.Unread(rc.identity)
	if len(unread) == 0 {
		return 0
	}

	if rc.mode == protocol.ReceiptByAuthor {
		if err := rc.sender.SendWait(ctx, protocol.NewAuthorReceipt(rc.identity)); err != nil {
			rc.log.Warn().Err(err).Msg("re-flush receipt not sent")
			return 0
		}
		for _, m := range unread {
			rc.setState(m.ID, ReceiptAcknowledgedSent)
		}
		rc.log.Info().Int("unread", len(unread)).Msg("re-flushed author receipt")
		return 1
	}

	sent := 0
	for _, m := range unread {
		if err := rc.sender.SendWait(ctx, protocol.NewMessageReceipt(m.ID)); err != nil {
			rc.log.Warn().Err(err).Str("message_id", m.ID).Int("remaining", len(unread)-sent).Msg("re-flush interrupted")
			break
		}
		rc.setState(m.ID, ReceiptAcknowledgedSent)
		sent++
	}
	rc.log.Info().Int("unread", len(unread)).Int("sent", sent).Msg("re-flushed read receipts")
	return sent
}

func (rc *ReceiptCoordinator) receiptFor(messageID string) protocol.ReadReceipt {
	if rc.mode == protocol.ReceiptByAuthor {
		return protocol.NewAuthorReceipt(rc.identity)
	}
	return protocol.NewMessageReceipt(messageID)
}

func (rc *ReceiptCoordinator) setState(messageID string, s ReceiptState) {
	rc.mu.Lock()
	rc.states[messageID] = s
	rc.mu.Unlock()
}
