package hub

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chainchat/relay-go/models"
)

// Bus ships hub events through a redis channel so every relay instance's hub
// delivers them to its own connections. Delivery stays at-least-once: redis
// pub/sub offers no replay, which is another reason persistence precedes
// publish.
type Bus struct {
	rdb     *redis.Client
	channel string
}

func NewBus(rdb *redis.Client, channel string) *Bus {
	return &Bus{rdb: rdb, channel: channel}
}

func (b *Bus) PublishEvent(ctx context.Context, typ models.EventType, payload any, rooms ...string) error {
	ev, err := NewEvent(typ, payload, rooms...)
	if err != nil {
		return err
	}
	packed, err := msgpack.Marshal(&ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, packed).Err()
}

// Subscribe pumps bus events into the hub until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, h *Hub) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	log.Printf("[bus] subscribed to redis channel: %s", b.channel)

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[bus] error receiving event: %v", err)
			continue
		}

		var ev Event
		if err := msgpack.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("[bus] error unmarshalling event: %v", err)
			continue
		}
		h.Publish(ev)
	}
}
