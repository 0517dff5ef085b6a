package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/namikmesic/turnstream/internal/events"
	"github.com/namikmesic/turnstream/internal/sidecar"
	"github.com/namikmesic/turnstream/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var uuidV4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ events.Channel, data []byte) error {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) forRequest(id string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.RequestID == id {
			out = append(out, ev)
		}
	}
	return out
}

// fakeRunner replays scripted lines, optionally waiting on gate first.
type fakeRunner struct {
	lines      []string
	err        error
	gate       chan struct{}
	resolveErr error
	panicMsg   string
	started    chan sidecar.Invocation
}

func (f *fakeRunner) Resolve() (string, error) { return "/usr/bin/sidecar", f.resolveErr }

func (f *fakeRunner) Run(ctx context.Context, inv sidecar.Invocation, onLine sidecar.LineHandler) error {
	if f.started != nil {
		f.started <- inv
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return &sidecar.ProcessError{Message: "sidecar killed", ExitCode: -1, Started: true}
		}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	p := stream.NewParser()
	for _, l := range f.lines {
		for _, line := range p.ParseChunk([]byte(l + "\n")) {
			onLine(line)
		}
	}
	return f.err
}

func waitDone(t *testing.T, d *Dispatcher, id string) {
	t.Helper()
	done, ok := d.Done(id)
	if !ok {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s did not finish", id)
	}
}

func terminals(evs []events.Event) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func TestSend_ReturnsUUIDAndGeneratesSession(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	d := New(&fakeRunner{lines: []string{`{"type":"complete","sessionId":"s","durationMs":1,"costUsd":0}`}}, pub, Options{})

	resp, err := d.Send(context.Background(), SendRequest{Prompt: "Hello"})
	require.NoError(t, err)
	assert.Regexp(t, uuidV4, resp.RequestID)
	assert.Regexp(t, uuidV4, resp.SessionID)
	waitDone(t, d, resp.RequestID)
}

func TestSend_KeepsProvidedSession(t *testing.T) {
	t.Parallel()
	started := make(chan sidecar.Invocation, 1)
	d := New(&fakeRunner{started: started}, &recordingPublisher{}, Options{})

	resp, err := d.Send(context.Background(), SendRequest{Prompt: "Hi", SessionID: "sess_42"})
	require.NoError(t, err)
	assert.Equal(t, "sess_42", resp.SessionID)

	inv := <-started
	assert.Equal(t, "Hi", inv.Prompt)
	assert.Equal(t, resp.RequestID, inv.RequestID)
	assert.Equal(t, "sess_42", inv.SessionID)
	waitDone(t, d, resp.RequestID)
}

func TestSend_SynchronousErrors(t *testing.T) {
	t.Parallel()
	d := New(&fakeRunner{}, &recordingPublisher{}, Options{})

	_, err := d.Send(context.Background(), SendRequest{Prompt: "   \n\t"})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = d.Send(context.Background(), SendRequest{Prompt: "hi", SessionID: "--dangerously-skip-permissions"})
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Send(ctx, SendRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Zero(t, d.InFlight())
}

func TestSend_ConcurrentIDsAreUnique(t *testing.T) {
	t.Parallel()
	d := New(&fakeRunner{lines: []string{`{"type":"complete"}`}}, &recordingPublisher{}, Options{})

	const n = 200
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := d.Send(context.Background(), SendRequest{Prompt: "p"})
			assert.NoError(t, err)
			ids[i] = resp.RequestID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestSend_ReturnsBeforeFirstEvent(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	gate := make(chan struct{})
	d := New(&fakeRunner{
		gate:  gate,
		lines: []string{`{"type":"text","content":"late"}`, `{"type":"complete"}`},
	}, pub, Options{})

	resp, err := d.Send(context.Background(), SendRequest{Prompt: "slow"})
	require.NoError(t, err)
	assert.Empty(t, pub.forRequest(resp.RequestID), "no event may precede the send result")

	close(gate)
	waitDone(t, d, resp.RequestID)
	assert.Len(t, pub.forRequest(resp.RequestID), 2)
}

func TestSend_CapacityExhausted(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	d := New(&fakeRunner{gate: gate, lines: []string{`{"type":"complete"}`}}, &recordingPublisher{}, Options{MaxInFlight: 1})

	first, err := d.Send(context.Background(), SendRequest{Prompt: "one"})
	require.NoError(t, err)

	_, err = d.Send(context.Background(), SendRequest{Prompt: "two"})
	assert.ErrorIs(t, err, ErrTooManyInFlight)

	close(gate)
	waitDone(t, d, first.RequestID)

	_, err = d.Send(context.Background(), SendRequest{Prompt: "three"})
	assert.NoError(t, err)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestRun_TerminalSynthesis(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		runner   *fakeRunner
		wantCode string
		wantLen  int
	}{
		{
			name:     "non-zero exit without error line",
			runner:   &fakeRunner{err: &sidecar.ProcessError{Message: "sidecar exited", ExitCode: 1, Started: true, Stderr: "boom"}},
			wantCode: events.CodeProcessExited,
			wantLen:  1,
		},
		{
			name:     "missing dependency",
			runner:   &fakeRunner{err: &sidecar.MissingDependencyError{Path: "node", Cause: errors.New("not found")}},
			wantCode: events.CodeSidecarNotFound,
			wantLen:  1,
		},
		{
			name:     "start failure",
			runner:   &fakeRunner{err: &sidecar.ProcessError{Message: "failed to start sidecar"}},
			wantCode: events.CodeProcessStartFailed,
			wantLen:  1,
		},
		{
			name:     "clean exit without result",
			runner:   &fakeRunner{lines: []string{`{"type":"text","content":"partial"}`}},
			wantCode: events.CodeIncompleteStream,
			wantLen:  2,
		},
		{
			name: "sdk error then crash keeps sdk error",
			runner: &fakeRunner{
				lines: []string{`{"type":"error","code":"AUTH","message":"bad key","recoverable":false}`},
				err:   &sidecar.ProcessError{Message: "sidecar exited", ExitCode: 1, Started: true},
			},
			wantCode: "AUTH",
			wantLen:  1,
		},
		{
			name:     "panic in task",
			runner:   &fakeRunner{panicMsg: "nil map"},
			wantCode: events.CodeInternalPanic,
			wantLen:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pub := &recordingPublisher{}
			d := New(tt.runner, pub, Options{})

			resp, err := d.Send(context.Background(), SendRequest{Prompt: "p"})
			require.NoError(t, err)
			waitDone(t, d, resp.RequestID)

			evs := pub.forRequest(resp.RequestID)
			require.Len(t, evs, tt.wantLen)
			term := terminals(evs)
			require.Len(t, term, 1)
			errEv, ok := term[0].Payload.(events.Error)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, errEv.Code)
		})
	}
}

func TestRun_CompleteSuppressesExitError(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	d := New(&fakeRunner{
		lines: []string{`{"type":"complete","sessionId":"s","durationMs":3,"costUsd":0.5}`},
		err:   &sidecar.ProcessError{Message: "sidecar exited", ExitCode: 2, Started: true},
	}, pub, Options{})

	resp, err := d.Send(context.Background(), SendRequest{Prompt: "p"})
	require.NoError(t, err)
	waitDone(t, d, resp.RequestID)

	evs := pub.forRequest(resp.RequestID)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeComplete, evs[0].Type())
}

func TestCancel(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	started := make(chan sidecar.Invocation, 1)
	d := New(&fakeRunner{gate: make(chan struct{}), started: started}, pub, Options{})

	resp, err := d.Send(context.Background(), SendRequest{Prompt: "p"})
	require.NoError(t, err)
	<-started

	require.NoError(t, d.Cancel(resp.RequestID))
	waitDone(t, d, resp.RequestID)

	evs := pub.forRequest(resp.RequestID)
	require.Len(t, evs, 1)
	assert.Equal(t, events.CodeCancelled, evs[0].Payload.(events.Error).Code)
	assert.True(t, evs[0].Payload.(events.Error).Recoverable)

	assert.ErrorIs(t, d.Cancel(resp.RequestID), ErrUnknownRequest)
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	d := New(&fakeRunner{gate: make(chan struct{})}, pub, Options{RequestTimeout: 50 * time.Millisecond})

	resp, err := d.Send(context.Background(), SendRequest{Prompt: "p"})
	require.NoError(t, err)
	waitDone(t, d, resp.RequestID)

	evs := pub.forRequest(resp.RequestID)
	require.Len(t, evs, 1)
	assert.Equal(t, events.CodeTimeout, evs[0].Payload.(events.Error).Code)
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	started := make(chan sidecar.Invocation, 1)
	d := New(&fakeRunner{gate: make(chan struct{}), started: started}, pub, Options{})

	resp, err := d.Send(context.Background(), SendRequest{Prompt: "p"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	evs := pub.forRequest(resp.RequestID)
	require.Len(t, evs, 1)
	assert.Equal(t, events.CodeCancelled, evs[0].Payload.(events.Error).Code)

	_, err = d.Send(context.Background(), SendRequest{Prompt: "p"})
	assert.ErrorIs(t, err, ErrClosed)
}

type panickingPublisher struct {
	recordingPublisher
	once sync.Once
}

func (p *panickingPublisher) Publish(ch events.Channel, data []byte) error {
	p.once.Do(func() { panic("bus exploded") })
	return p.recordingPublisher.Publish(ch, data)
}

func TestShutdown_SurvivesPublisherPanic(t *testing.T) {
	t.Parallel()
	pub := &panickingPublisher{}
	d := New(&fakeRunner{lines: []string{
		`{"type":"text","content":"Hi","isComplete":true}`,
		`{"type":"complete","sessionId":"s","durationMs":1,"costUsd":0}`,
	}}, pub, Options{})

	resp, err := d.Send(context.Background(), SendRequest{Prompt: "p"})
	require.NoError(t, err)
	waitDone(t, d, resp.RequestID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	evs := pub.forRequest(resp.RequestID)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeComplete, evs[0].Type())
	assert.Equal(t, 2, evs[0].Seq)
}

func TestReady(t *testing.T) {
	t.Parallel()
	assert.NoError(t, New(&fakeRunner{}, &recordingPublisher{}, Options{}).Ready())

	missing := &sidecar.MissingDependencyError{Path: "node", Cause: errors.New("not found")}
	assert.ErrorAs(t, New(&fakeRunner{resolveErr: missing}, &recordingPublisher{}, Options{}).Ready(), &missing)
}

func TestDispatch_WithShellSidecarExitingNonZero(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	runner := sidecar.NewRunner(sidecar.Config{
		Command: "sh",
		Args:    []string{"-c", "echo 'fatal: sdk crashed' >&2; exit 1", "sidecar"},
	})
	d := New(runner, pub, Options{})

	resp, err := d.Send(context.Background(), SendRequest{Prompt: "Hello"})
	require.NoError(t, err)
	waitDone(t, d, resp.RequestID)

	evs := pub.forRequest(resp.RequestID)
	require.Len(t, evs, 1)
	errEv := evs[0].Payload.(events.Error)
	assert.Equal(t, events.CodeProcessExited, errEv.Code)
	assert.Equal(t, events.SourceProcess, errEv.Source)
	assert.Contains(t, errEv.Message, "fatal: sdk crashed")
}
