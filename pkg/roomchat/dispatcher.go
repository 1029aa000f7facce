package roomchat

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/roomchat/pkg/protocol"
	"github.com/go-go-golems/roomchat/pkg/transcript"
)

type MessageAppender interface {
	Append(m transcript.Message) (transcript.AppendResult, error)
}

type ReceiptHandler interface {
	Acknowledge(messageID string) bool
	ApplyReceipt(r protocol.ReadReceipt) int
}

// Dispatcher routes inbound envelopes by type. It keeps no state of its own.
type Dispatcher struct {
	identity string
	store    MessageAppender
	receipts ReceiptHandler
	log      zerolog.Logger
}

var _ EnvelopeHandler = (*Dispatcher)(nil)

func NewDispatcher(identity string, store MessageAppender, receipts ReceiptHandler, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		identity: identity,
		store:    store,
		receipts: receipts,
		log:      logger,
	}
}

func (d *Dispatcher) HandleEnvelope(_ context.Context, env protocol.Envelope) {
	d.Dispatch(env)
}

// Dispatch appends user messages (acknowledging foreign ones), applies read
// receipts and drops anything else.
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	switch e := env.(type) {
	case protocol.UserMessage:
		res, err := d.store.Append(transcript.Message{
			ID:     e.MessageID,
			Author: e.Author,
			Body:   e.Body,
			IsRead: e.IsRead,
		})
		if err != nil {
			d.log.Warn().Err(err).Str("message_id", e.MessageID).Msg("dropping user message")
			return
		}
		if !res.Inserted {
			d.log.Debug().Str("message_id", e.MessageID).Msg("duplicate delivery")
		}
		if e.Author != d.identity {
			d.receipts.Acknowledge(e.MessageID)
		}
	case protocol.ReadReceipt:
		d.receipts.ApplyReceipt(e)
	default:
		if env != nil {
			d.log.Debug().Str("type", string(env.EnvelopeType())).Msg("ignoring envelope of unknown type")
		}
	}
}
