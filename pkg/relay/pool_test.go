package relay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	blockCh  chan struct{}
	closedCh chan struct{}
	once     sync.Once
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{})}
}

func (s *stubConn) Read() ([]byte, error) {
	<-s.closedCh
	return nil, io.EOF
}

func (s *stubConn) Write(frame []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	s.writes = append(s.writes, frame)
	s.mu.Unlock()
	return nil
}

func (s *stubConn) Close() error {
	s.once.Do(func() { close(s.closedCh) })
	return nil
}

func (s *stubConn) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

func (s *stubConn) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func TestRoomPoolBroadcastReachesEveryone(t *testing.T) {
	pool := NewRoomPool("42", 0, 8, nil, zerolog.Nop())
	a, b := newStubConn(false), newStubConn(false)
	_, ok := pool.join("a", "alice", a)
	require.True(t, ok)
	_, ok = pool.join("b", "bob", b)
	require.True(t, ok)
	require.Equal(t, 2, pool.Count())

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.Broadcast(nil)

	for _, c := range []*stubConn{a, b} {
		require.Eventually(t, func() bool { return len(c.written()) == 2 }, time.Second, 5*time.Millisecond)
		require.Equal(t, []string{"one", "two"}, c.written())
	}
}

func TestRoomPoolDropsOnFullBuffer(t *testing.T) {
	pool := NewRoomPool("42", 0, 1, nil, zerolog.Nop())
	slow := newStubConn(true)
	pool.join("slow", "slow", slow)

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.Broadcast([]byte("three"))

	require.Eventually(t, func() bool { return pool.Count() == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, slow.isClosed())
}

func TestRoomPoolLeaveClosesConnection(t *testing.T) {
	pool := NewRoomPool("42", 0, 8, nil, zerolog.Nop())
	conn := newStubConn(false)
	c, _ := pool.join("a", "alice", conn)

	pool.leave(c)
	pool.leave(c)
	require.Zero(t, pool.Count())
	require.True(t, conn.isClosed())
}

func TestRoomPoolIdleCallback(t *testing.T) {
	var idle atomic.Int32
	pool := NewRoomPool("42", 20*time.Millisecond, 8, func(*RoomPool) { idle.Add(1) }, zerolog.Nop())

	// a participant joining cancels the pending idle timer
	c, _ := pool.join("a", "alice", newStubConn(false))
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, idle.Load())

	pool.leave(c)
	require.Eventually(t, func() bool { return idle.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRoomPoolCloseAllRefusesJoins(t *testing.T) {
	pool := NewRoomPool("42", 0, 8, nil, zerolog.Nop())
	conn := newStubConn(false)
	pool.join("a", "alice", conn)

	pool.CloseAll()
	require.True(t, conn.isClosed())
	require.Zero(t, pool.Count())
	_, ok := pool.join("b", "bob", newStubConn(false))
	require.False(t, ok)
}
