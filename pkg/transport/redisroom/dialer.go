// Package redisroom lets sessions talk through Redis instead of a relay. Each
// room is a Redis stream; the set of existing rooms is a Redis set.
package redisroom

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomchat/pkg/logging"
	"github.com/go-go-golems/roomchat/pkg/roomchat"
)

const DefaultPrefix = "roomchat:"

// Settings selects the Redis server and key namespace.
type Settings struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

type Option func(*Dialer)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dialer) {
		d.log = logger
	}
}

// Dialer opens room subscriptions on Redis. Every connection gets its own
// client, publisher and fan-out subscriber so closing one never affects another.
type Dialer struct {
	opts   *redis.Options
	prefix string
	admin  *redis.Client
	log    zerolog.Logger
}

var _ roomchat.Dialer = (*Dialer)(nil)

func NewDialer(s Settings, opts ...Option) (*Dialer, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis room transport: addr is empty")
	}
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	d := &Dialer{
		opts:   &redis.Options{Addr: s.Addr},
		prefix: prefix,
		log:    log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With().Str("component", "redisroom").Logger()
	d.admin = redis.NewClient(d.opts)
	return d, nil
}

// RoomsKey is the set holding every known room id.
func (d *Dialer) RoomsKey() string {
	return d.prefix + "rooms"
}

// StreamKey is the stream carrying the frames of roomID.
func (d *Dialer) StreamKey(roomID string) string {
	return d.prefix + "room:" + roomID
}

// CreateRoom registers roomID. Creating an existing room is a no-op.
func (d *Dialer) CreateRoom(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errors.Wrap(roomchat.ErrInvalidTarget, "room id is empty")
	}
	if err := d.admin.SAdd(ctx, d.RoomsKey(), roomID).Err(); err != nil {
		return errors.Wrapf(err, "create room %q", roomID)
	}
	d.log.Info().Str("room_id", roomID).Msg("room created")
	return nil
}

func (d *Dialer) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := d.admin.SMembers(ctx, d.RoomsKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}
	return rooms, nil
}

// Dial subscribes to the room stream. Rooms missing from RoomsKey are
// reported as roomchat.ErrUnknownRoom.
func (d *Dialer) Dial(ctx context.Context, target roomchat.Target) (roomchat.Conn, error) {
	ok, err := d.admin.SIsMember(ctx, d.RoomsKey(), target.RoomID).Result()
	if err != nil {
		return nil, errors.Wrap(err, "look up room")
	}
	if !ok {
		return nil, errors.Wrapf(roomchat.ErrUnknownRoom, "room %q", target.RoomID)
	}

	client := redis.NewClient(d.opts)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	wlog := logging.NewWatermill(d.log).With(watermill.LogFields{"room_id": target.RoomID})

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create room publisher")
	}
	// no consumer group: every subscriber sees every frame
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "create room subscriber")
	}

	subCtx, cancel := context.WithCancel(context.Background())
	topic := d.StreamKey(target.RoomID)
	msgs, err := sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		_ = sub.Close()
		_ = pub.Close()
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	d.log.Debug().Str("room_id", target.RoomID).Str("display_name", target.DisplayName).Msg("room subscribed")
	return newConn(topic, target.DisplayName, msgs, pub, sub, cancel), nil
}

// Close releases the client used for room bookkeeping.
func (d *Dialer) Close() error {
	return d.admin.Close()
}
