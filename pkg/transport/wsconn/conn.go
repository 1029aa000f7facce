// Package wsconn carries room frames over gorilla websocket connections, on
// both the client side (Dialer) and the relay side (Wrap).
package wsconn

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// KeepAlive configures ping/pong liveness checks. A zero PingInterval turns
// them off and leaves reads without deadline.
type KeepAlive struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func DefaultKeepAlive() KeepAlive {
	return KeepAlive{
		PingInterval: 20 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

func (k KeepAlive) withDefaults() KeepAlive {
	if k.WriteWait <= 0 {
		k.WriteWait = DefaultKeepAlive().WriteWait
	}
	if k.PingInterval > 0 && k.PongWait <= k.PingInterval {
		k.PongWait = 3 * k.PingInterval
	}
	return k
}

// Conn is one websocket carrying text frames. Read and Write may each be used
// from one goroutine; Close is safe from any.
type Conn struct {
	ws   *websocket.Conn
	keep KeepAlive

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	err     error
}

// Wrap takes ownership of ws and starts its keep-alive.
func Wrap(ws *websocket.Conn, keep KeepAlive) *Conn {
	c := &Conn{
		ws:   ws,
		keep: keep.withDefaults(),
		done: make(chan struct{}),
	}
	if c.keep.PingInterval > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.keep.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.keep.PongWait))
		})
		go c.pingLoop()
	}
	return c
}

func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.keep.PingInterval > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.keep.PongWait))
	}
	return data, nil
}

func (c *Conn) Write(frame []byte) error {
	select {
	case <-c.done:
		return errors.New("websocket closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.keep.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a normal close frame and releases the socket. Repeated calls
// return the first result.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.keep.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.err = c.ws.Close()
	})
	return c.err
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.keep.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with Write
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.keep.WriteWait)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
