package sidecar

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/namikmesic/turnstream/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shellSidecar runs script under sh. The per-request arguments arrive as
// positional parameters: $1=--prompt $2=<prompt> $3=--request-id $4=<id>
// and, when present, $5=--session-id $6=<session>.
func shellSidecar(script string) Config {
	return Config{
		Command:   "sh",
		Args:      []string{"-c", script, "sidecar"},
		StopGrace: 200 * time.Millisecond,
	}
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []stream.Line
}

func (r *lineRecorder) handle(l stream.Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, l)
}

func (r *lineRecorder) get() []stream.Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Line(nil), r.lines...)
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	r := NewRunner(Config{Command: "node", Args: []string{"--no-warnings"}, Entry: "sidecar/index.js"})
	assert.Equal(t,
		[]string{"--no-warnings", "sidecar/index.js", "--prompt", "Hello", "--request-id", "r1"},
		r.BuildArgs(Invocation{Prompt: "Hello", RequestID: "r1"}))
	assert.Equal(t,
		[]string{"--no-warnings", "sidecar/index.js", "--prompt", "Hello", "--request-id", "r1", "--session-id", "s1"},
		r.BuildArgs(Invocation{Prompt: "Hello", RequestID: "r1", SessionID: "s1"}))
}

func TestBuildArgs_DoesNotAliasConfig(t *testing.T) {
	t.Parallel()

	base := make([]string, 1, 8)
	base[0] = "-x"
	r := NewRunner(Config{Command: "node", Args: base})
	first := r.BuildArgs(Invocation{Prompt: "a", RequestID: "1"})
	second := r.BuildArgs(Invocation{Prompt: "b", RequestID: "2"})
	assert.Equal(t, "a", first[2])
	assert.Equal(t, "b", second[2])
}

func TestRun_StreamsLinesInOrder(t *testing.T) {
	t.Parallel()

	r := NewRunner(shellSidecar(`
printf '{"type":"text","content":"%s","isComplete":false}\n' "$2"
printf '{"type":"text","content":"%s","isComplete":false}\n' "$4"
printf '{"type":"complete","sessionId":"%s","durationMs":5,"costUsd":0}\n' "$6"
`))
	rec := &lineRecorder{}
	err := r.Run(context.Background(), Invocation{Prompt: "Hello", RequestID: "req-9", SessionID: "sess-3"}, rec.handle)
	require.NoError(t, err)

	lines := rec.get()
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"type":"text","content":"Hello","isComplete":false}`, string(lines[0].Raw))
	assert.JSONEq(t, `{"type":"text","content":"req-9","isComplete":false}`, string(lines[1].Raw))
	assert.Equal(t, stream.TypeComplete, lines[2].Type)
	assert.JSONEq(t, `{"type":"complete","sessionId":"sess-3","durationMs":5,"costUsd":0}`, string(lines[2].Raw))
	for i, l := range lines {
		assert.Equal(t, i+1, l.Index)
	}
}

func TestRun_TrailingLineWithoutNewline(t *testing.T) {
	t.Parallel()

	r := NewRunner(shellSidecar(`printf '{"type":"complete","sessionId":"s","durationMs":1,"costUsd":0}'`))
	rec := &lineRecorder{}
	require.NoError(t, r.Run(context.Background(), Invocation{Prompt: "p", RequestID: "r"}, rec.handle))

	lines := rec.get()
	require.Len(t, lines, 1)
	assert.Equal(t, stream.TypeComplete, lines[0].Type)
}

func TestRun_MalformedLinesAreReported(t *testing.T) {
	t.Parallel()

	r := NewRunner(shellSidecar(`
echo 'booting sidecar'
echo '{"type":"text","content":"ok"}'
`))
	rec := &lineRecorder{}
	require.NoError(t, r.Run(context.Background(), Invocation{Prompt: "p", RequestID: "r"}, rec.handle))

	lines := rec.get()
	require.Len(t, lines, 2)
	assert.True(t, lines[0].Malformed())
	assert.False(t, lines[1].Malformed())
}

func TestRun_NonZeroExit(t *testing.T) {
	t.Parallel()

	r := NewRunner(shellSidecar(`echo 'ANTHROPIC_API_KEY missing' >&2; exit 1`))
	rec := &lineRecorder{}
	err := r.Run(context.Background(), Invocation{Prompt: "p", RequestID: "r"}, rec.handle)

	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.ExitCode)
	assert.True(t, perr.Started)
	assert.Equal(t, "ANTHROPIC_API_KEY missing", perr.Stderr)
	assert.Empty(t, rec.get())
}

func TestRun_MissingCommand(t *testing.T) {
	t.Parallel()

	r := NewRunner(Config{Command: "turnstream-sidecar-does-not-exist"})
	err := r.Run(context.Background(), Invocation{Prompt: "p", RequestID: "r"}, func(stream.Line) {
		t.Error("no lines expected")
	})

	var missing *MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "turnstream-sidecar-does-not-exist", missing.Path)
}

func TestRun_MissingEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := NewRunner(Config{Command: "sh", Entry: "dist/index.js", Dir: dir})
	err := r.Run(context.Background(), Invocation{Prompt: "p", RequestID: "r"}, func(stream.Line) {})

	var missing *MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, filepath.Join(dir, "dist/index.js"), missing.Path)
}

func TestResolve_EntryPresent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.sh"), []byte("exit 0\n"), 0o644))

	r := NewRunner(Config{Command: "sh", Entry: "index.sh", Dir: dir})
	path, err := r.Resolve()
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	require.NoError(t, r.Run(context.Background(), Invocation{Prompt: "p", RequestID: "r"}, func(stream.Line) {}))
}

func TestRun_CancelTerminatesProcessGroup(t *testing.T) {
	t.Parallel()

	r := NewRunner(shellSidecar(`
echo '{"type":"text","content":"working"}'
sleep 30
echo '{"type":"complete"}'
`))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, Invocation{Prompt: "p", RequestID: "r"}, func(stream.Line) {
			once.Do(func() { close(first) })
		})
	}()

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("sidecar produced no output")
	}
	cancel()

	select {
	case err := <-done:
		var perr *ProcessError
		require.ErrorAs(t, err, &perr)
		assert.NotZero(t, perr.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	t.Parallel()

	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "defg", b.String())
}
