package roomchat

import "github.com/pkg/errors"

var (
	ErrNotConnected     = errors.New("roomchat: not connected")
	ErrSendBufferFull   = errors.New("roomchat: send buffer full")
	ErrClosed           = errors.New("roomchat: session closed")
	ErrAlreadyOpen      = errors.New("roomchat: session already opened")
	ErrNotOpened        = errors.New("roomchat: session not opened")
	ErrInvalidTarget    = errors.New("roomchat: invalid room target")
	ErrUnknownRoom      = errors.New("roomchat: unknown room")
	ErrRetriesExhausted = errors.New("roomchat: reconnect attempts exhausted")
	ErrEmptyMessage     = errors.New("roomchat: empty message")
)
