// Package roomchat is the client core of a single-room chat session.
//
// A Session composes four parts:
//   - ConnectionManager owns the streaming connection to one (room, display name)
//     pair, reconnects with bounded backoff and feeds inbound envelopes, one at a
//     time, to a single handler.
//   - Dispatcher routes each inbound envelope by its type.
//   - the transcript store keeps the ordered, deduplicated message log.
//   - ReceiptCoordinator emits read receipts for foreign messages, applies
//     incoming receipts and re-flushes unread acknowledgements after every
//     (re)connect.
//
// Transports plug in through Dialer; see pkg/transport for websocket and Redis
// implementations.
package roomchat
