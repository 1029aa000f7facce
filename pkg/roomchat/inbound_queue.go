package roomchat

import (
	"context"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/roomchat/pkg/logging"
)

const (
	inboundTopic = "roomchat.inbound"

	metaKind       = "kind"
	metaGeneration = "generation"

	kindFrame  = "frame"
	kindOpened = "opened"
)

// inboundQueue serializes everything the consumer goroutine must observe:
// connection-opened markers and raw frames. Publish blocks until the single
// subscriber acked the message, so items are handled strictly one at a time
// and in publish order.
type inboundQueue struct {
	pubsub *gochannel.GoChannel
}

func newInboundQueue(logger zerolog.Logger) *inboundQueue {
	return &inboundQueue{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
		}, logging.NewWatermill(logger)),
	}
}

func (q *inboundQueue) subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return q.pubsub.Subscribe(ctx, inboundTopic)
}

func (q *inboundQueue) publishOpened(generation uint64) error {
	return q.publish(kindOpened, generation, nil)
}

func (q *inboundQueue) publishFrame(generation uint64, frame []byte) error {
	return q.publish(kindFrame, generation, frame)
}

func (q *inboundQueue) publish(kind string, generation uint64, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaKind, kind)
	msg.Metadata.Set(metaGeneration, strconv.FormatUint(generation, 10))
	return q.pubsub.Publish(inboundTopic, msg)
}

func (q *inboundQueue) Close() error {
	return q.pubsub.Close()
}

func generationOf(msg *message.Message) uint64 {
	if msg == nil {
		return 0
	}
	g, err := strconv.ParseUint(msg.Metadata.Get(metaGeneration), 10, 64)
	if err != nil {
		return 0
	}
	return g
}
