// Package client is the consuming side of the event bus: a listener that
// picks one request's events out of the shared channels and a state machine
// that folds them into a renderable message.
package client

import (
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/namikmesic/turnstream/internal/events"
	"github.com/rs/zerolog/log"
)

// Handler receives decoded events in delivery order.
type Handler func(events.Event)

// Filter decides whether an event is forwarded. A nil Filter forwards all.
type Filter func(events.Event) bool

// ForRequest matches events carrying the given correlation id.
func ForRequest(requestID string) Filter {
	return func(ev events.Event) bool {
		return ev.RequestID == requestID
	}
}

// Listener subscribes to all five channels at once and forwards decoded
// events that pass its filter. Events whose payload type is unknown are
// dropped without error.
type Listener struct {
	sub       events.Subscription
	filter    Filter
	handler   Handler
	forwarded atomic.Int64
	dropped   atomic.Int64
}

func Listen(sub events.Subscriber, filter Filter, h Handler) (*Listener, error) {
	l := &Listener{filter: filter, handler: h}
	s, err := sub.Subscribe(l.receive)
	if err != nil {
		return nil, err
	}
	l.sub = s
	return l, nil
}

func (l *Listener) receive(ch events.Channel, data []byte) {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		l.dropped.Add(1)
		if errors.Is(err, events.ErrUnknownType) {
			log.Debug().Str("channel", string(ch)).Msg("ignoring event of unknown type")
			return
		}
		log.Warn().Err(err).Str("channel", string(ch)).Msg("undecodable event")
		return
	}
	if ev.Channel() != ch {
		l.dropped.Add(1)
		log.Warn().
			Str("channel", string(ch)).
			Str("type", string(ev.Type())).
			Str("request_id", ev.RequestID).
			Msg("event arrived on the wrong channel")
		return
	}
	if l.filter != nil && !l.filter(ev) {
		return
	}
	l.forwarded.Add(1)
	l.handler(ev)
}

// Forwarded reports how many events reached the handler.
func (l *Listener) Forwarded() int64 { return l.forwarded.Load() }

// Dropped reports how many deliveries could not be decoded.
func (l *Listener) Dropped() int64 { return l.dropped.Load() }

func (l *Listener) Close() error {
	return l.sub.Unsubscribe()
}
