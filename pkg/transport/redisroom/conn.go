package redisroom

import (
	"context"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const metadataSender = "sender"

type conn struct {
	topic  string
	sender string
	msgs   <-chan *message.Message
	pub    message.Publisher
	sub    message.Subscriber
	cancel context.CancelFunc

	done chan struct{}
	once sync.Once
	err  error
}

func newConn(topic, sender string, msgs <-chan *message.Message, pub message.Publisher, sub message.Subscriber, cancel context.CancelFunc) *conn {
	return &conn{
		topic:  topic,
		sender: sender,
		msgs:   msgs,
		pub:    pub,
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *conn) Read() ([]byte, error) {
	select {
	case <-c.done:
		return nil, io.EOF
	case msg, ok := <-c.msgs:
		if !ok {
			return nil, io.EOF
		}
		payload := append([]byte(nil), msg.Payload...)
		msg.Ack()
		return payload, nil
	}
}

func (c *conn) Write(frame []byte) error {
	select {
	case <-c.done:
		return errors.New("room connection closed")
	default:
	}
	msg := message.NewMessage(watermill.NewUUID(), frame)
	msg.Metadata.Set(metadataSender, c.sender)
	return errors.Wrapf(c.pub.Publish(c.topic, msg), "publish to %s", c.topic)
}

// Close stops the subscription and releases the per-connection client.
// Publisher and subscriber share that client, so the second close may
// report redis.ErrClosed, which is ignored.
func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		var errs []error
		for _, closer := range []io.Closer{c.sub, c.pub} {
			if err := closer.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			c.err = errs[0]
		}
	})
	return c.err
}
