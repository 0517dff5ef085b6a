package jetstream

import (
	"errors"
	"strings"
	"time"

	"github.com/namikmesic/turnstream/internal/events"
	nats "github.com/nats-io/nats.go"
)

const (
	StreamName    = "TURNSTREAM"
	SubjectPrefix = "turnstream.events."

	// AllEvents matches every channel with a single subscription, which keeps
	// one publisher's events in order across channels.
	AllEvents = SubjectPrefix + "*"

	// StreamMaxAge and StreamMaxBytes bound the backlog of events the audit
	// consumer has not acked yet.
	StreamMaxAge   = time.Hour
	StreamMaxBytes = 64 << 20
)

// EnsureStream creates the JetStream stream that holds events until the turn
// audit consumer acks them. It lives in memory so partial streams never reach
// disk.
func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{AllEvents},
		Storage:   nats.MemoryStorage,
		MaxAge:    StreamMaxAge,
		MaxBytes:  StreamMaxBytes,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

// Subject returns the bus subject for a channel.
func Subject(ch events.Channel) string {
	return SubjectPrefix + string(ch)
}

// ChannelOf recovers the channel from a bus subject.
func ChannelOf(subject string) (events.Channel, bool) {
	name, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok || name == "" {
		return "", false
	}
	return events.Channel(name), true
}
