package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FrameConn is the relay's view of one participant connection.
type FrameConn interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// client is one participant. Frames reach its socket through a private buffer
// drained by writeLoop, so a slow reader never stalls the room.
type client struct {
	id   string
	name string
	conn FrameConn
	send chan []byte
	once sync.Once
}

func newClient(id, name string, conn FrameConn, buffer int) *client {
	return &client{id: id, name: name, conn: conn, send: make(chan []byte, buffer)}
}

func (c *client) writeLoop(log zerolog.Logger) {
	for frame := range c.send {
		if err := c.conn.Write(frame); err != nil {
			log.Warn().Err(err).Str("client_id", c.id).Msg("ws write failed, dropping connection")
			_ = c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// RoomPool holds the connections of one room, broadcasts frames to them and
// reports when the room stayed empty for idleTimeout.
type RoomPool struct {
	roomID      string
	sendBuffer  int
	log         zerolog.Logger
	mu          sync.Mutex
	clients     map[*client]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func(*RoomPool)
	closed      bool
}

func NewRoomPool(roomID string, idleTimeout time.Duration, sendBuffer int, onIdle func(*RoomPool), logger zerolog.Logger) *RoomPool {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	rp := &RoomPool{
		roomID:      roomID,
		sendBuffer:  sendBuffer,
		log:         logger.With().Str("room_id", roomID).Logger(),
		clients:     map[*client]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
	rp.mu.Lock()
	rp.scheduleIdleTimerLocked()
	rp.mu.Unlock()
	return rp
}

func (rp *RoomPool) ID() string { return rp.roomID }

// join registers conn and starts its writer. It fails once the pool was closed.
func (rp *RoomPool) join(id, name string, conn FrameConn) (*client, bool) {
	c := newClient(id, name, conn, rp.sendBuffer)
	rp.mu.Lock()
	if rp.closed {
		rp.mu.Unlock()
		return nil, false
	}
	rp.clients[c] = struct{}{}
	rp.stopIdleTimerLocked()
	n := len(rp.clients)
	rp.mu.Unlock()

	go c.writeLoop(rp.log)
	rp.log.Info().Str("client_id", id).Str("display_name", name).Int("participants", n).Msg("participant joined")
	return c, true
}

func (rp *RoomPool) leave(c *client) {
	rp.mu.Lock()
	_, ok := rp.clients[c]
	delete(rp.clients, c)
	n := len(rp.clients)
	rp.scheduleIdleTimerLocked()
	rp.mu.Unlock()

	c.close()
	if ok {
		rp.log.Info().Str("client_id", c.id).Str("display_name", c.name).Int("participants", n).Msg("participant left")
	}
}

// Broadcast queues frame for every participant, sender included. A
// participant whose buffer is full is disconnected; the count of those is
// returned.
func (rp *RoomPool) Broadcast(frame []byte) int {
	if len(frame) == 0 {
		return 0
	}
	rp.mu.Lock()
	var dropped []*client
	for c := range rp.clients {
		select {
		case c.send <- frame:
		default:
			delete(rp.clients, c)
			dropped = append(dropped, c)
		}
	}
	if len(dropped) > 0 {
		rp.scheduleIdleTimerLocked()
	}
	rp.mu.Unlock()

	for _, c := range dropped {
		rp.log.Warn().Str("client_id", c.id).Msg("send buffer full, dropping connection")
		c.close()
	}
	return len(dropped)
}

func (rp *RoomPool) Count() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.clients)
}

// CloseAll disconnects every participant and refuses new ones.
func (rp *RoomPool) CloseAll() {
	rp.mu.Lock()
	rp.closed = true
	clients := make([]*client, 0, len(rp.clients))
	for c := range rp.clients {
		clients = append(clients, c)
		delete(rp.clients, c)
	}
	rp.stopIdleTimerLocked()
	rp.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (rp *RoomPool) stopIdleTimerLocked() {
	if rp.idleTimer != nil {
		rp.idleTimer.Stop()
		rp.idleTimer = nil
	}
}

func (rp *RoomPool) scheduleIdleTimerLocked() {
	rp.stopIdleTimerLocked()
	if rp.closed || len(rp.clients) != 0 || rp.idleTimeout <= 0 || rp.onIdle == nil {
		return
	}
	rp.idleTimer = time.AfterFunc(rp.idleTimeout, rp.triggerIdle)
}

func (rp *RoomPool) triggerIdle() {
	var callback func(*RoomPool)
	rp.mu.Lock()
	if len(rp.clients) == 0 && !rp.closed {
		callback = rp.onIdle
	}
	rp.idleTimer = nil
	rp.mu.Unlock()
	if callback != nil {
		callback(rp)
	}
}
