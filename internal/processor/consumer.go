package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/namikmesic/turnstream/internal/events"
	"github.com/namikmesic/turnstream/internal/jetstream"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	ConsumerName = "turn-audit"

	fetchBatch    = 64
	fetchWait     = time.Second
	sweepInterval = time.Minute
	staleAfter    = time.Hour
)

// StartConsumer follows the event stream with a durable pull consumer until
// ctx is cancelled. Each message is acked once handled; messages that cannot
// be decoded are acked and dropped.
func (p *Processor) StartConsumer(ctx context.Context, js nats.JetStreamContext) {
	sub, err := js.PullSubscribe(jetstream.AllEvents, ConsumerName,
		nats.BindStream(jetstream.StreamName),
		nats.ManualAck(),
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe turn audit consumer")
		return
	}
	defer func() {
		// Keep the durable so a restart resumes where this one stopped.
		_ = sub.Drain()
	}()

	log.Info().Str("consumer", ConsumerName).Msg("turn audit consumer started")

	lastSweep := time.Now()
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			if ctx.Err() != nil || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				break
			}
			log.Warn().Err(err).Msg("turn audit fetch failed")
			continue
		}

		for _, msg := range msgs {
			p.handleMsg(msg)
		}

		if time.Since(lastSweep) > sweepInterval {
			if n := p.Sweep(staleAfter); n > 0 {
				log.Warn().Int("requests", n).Msg("discarded unterminated turns")
			}
			lastSweep = time.Now()
		}
	}

	log.Info().Str("consumer", ConsumerName).Msg("turn audit consumer stopped")
}

func (p *Processor) handleMsg(msg *nats.Msg) {
	defer func() {
		if err := msg.Ack(); err != nil {
			log.Debug().Err(err).Str("subject", msg.Subject).Msg("ack failed")
		}
	}()

	var ev events.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Debug().Err(err).Str("subject", msg.Subject).Msg("skipping undecodable event")
		return
	}
	p.Handle(ev)
}
