package jetstream

import (
	"github.com/namikmesic/turnstream/internal/events"
	nats "github.com/nats-io/nats.go"
)

// Bus publishes and subscribes to the named event channels over NATS.
// nats.Conn is safe for concurrent use and sends each message whole, so many
// in-flight requests may publish through one Bus.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(ch events.Channel, data []byte) error {
	return b.nc.Publish(Subject(ch), data)
}

// Subscribe delivers every channel's events to handler through one wildcard
// subscription, preserving publish order. The handler runs on the
// subscription's goroutine.
func (b *Bus) Subscribe(handler events.RawHandler) (events.Subscription, error) {
	sub, err := b.nc.Subscribe(AllEvents, func(msg *nats.Msg) {
		ch, ok := ChannelOf(msg.Subject)
		if !ok {
			return
		}
		handler(ch, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	// Flush so the subscription is registered server-side before the caller
	// triggers anything that publishes.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}
