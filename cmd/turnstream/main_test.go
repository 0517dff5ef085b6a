package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/namikmesic/turnstream/internal/dispatch"
	"github.com/namikmesic/turnstream/internal/events"
	"github.com/namikmesic/turnstream/internal/sidecar"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardPublisher struct{}

func (discardPublisher) Publish(events.Channel, []byte) error { return nil }

// lockedBuffer is written by request goroutines while the test reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// Not parallel: it swaps the global logger.
func TestStopRequests_LogsRequestsStillRunning(t *testing.T) {
	var buf lockedBuffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	runner := sidecar.NewRunner(sidecar.Config{
		Command:   "sh",
		Args:      []string{"-c", "trap '' TERM; sleep 3", "sidecar"},
		StopGrace: 200 * time.Millisecond,
	})
	d := dispatch.New(runner, discardPublisher{}, dispatch.Options{})
	c := &core{dispatcher: d}

	_, err := d.Send(context.Background(), dispatch.SendRequest{Prompt: "p"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, 5*time.Second, 5*time.Millisecond)

	expired, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	c.stopRequests(expired)

	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "requests still running at shutdown")
	assert.Contains(t, buf.String(), `"in_flight":1`)

	buf.Reset()
	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	c.stopRequests(ctx)
	assert.NotContains(t, buf.String(), "requests still running at shutdown")
}
