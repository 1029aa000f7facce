package roomchat

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn: the test pushes inbound frames with push and
// reads what the client wrote from written.
type fakeConn struct {
	in      chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 64),
		written: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Write(frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("fake conn closed")
	default:
	}
	c.written <- append([]byte(nil), frame...)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.in <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("timeout pushing inbound frame")
	}
}

// next returns the next frame the client wrote, decoded as a JSON object.
func (c *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case b := <-c.written:
		var v map[string]any
		require.NoError(t, json.Unmarshal(b, &v))
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for outbound frame")
		return nil
	}
}

func (c *fakeConn) requireQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case b := <-c.written:
		t.Fatalf("unexpected outbound frame: %s", b)
	case <-time.After(d):
	}
}

// fakeDialer hands out queued connections or errors, one per Dial.
type fakeDialer struct {
	results chan dialResult
	dials   atomic.Int32
	targets chan Target
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		results: make(chan dialResult, 16),
		targets: make(chan Target, 16),
	}
}

func (d *fakeDialer) queueConn() *fakeConn {
	c := newFakeConn()
	d.results <- dialResult{conn: c}
	return c
}

func (d *fakeDialer) queueErr(err error) {
	d.results <- dialResult{err: err}
}

func (d *fakeDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	d.dials.Add(1)
	select {
	case d.targets <- target:
	default:
	}
	select {
	case r := <-d.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxAttempts:     3,
		MinDialInterval: time.Millisecond,
	}
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel)
}

func waitState(t *testing.T, w interface {
	WaitForState(context.Context, ...State) (State, error)
}, states ...State) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := w.WaitForState(ctx, states...)
	require.NoError(t, err, "waiting for %v, last state %s", states, s)
	return s
}
