package roomchat

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Target addresses a room as a given participant.
type Target struct {
	RoomID      string
	DisplayName string
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.RoomID) == "" {
		return errors.Wrap(ErrInvalidTarget, "room id is empty")
	}
	if strings.TrimSpace(t.DisplayName) == "" {
		return errors.Wrap(ErrInvalidTarget, "display name is empty")
	}
	return nil
}

// Conn is one live, bidirectional frame stream. Read is called from a single
// goroutine, Write from a single (other) goroutine; Close may be called
// concurrently with both and must unblock Read.
type Conn interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// Dialer establishes connections. Errors wrapping ErrUnknownRoom or
// ErrInvalidTarget are permanent and stop reconnection.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target Target) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, target Target) (Conn, error) {
	return f(ctx, target)
}
