// Package sidecar supervises the external agent SDK process: one process per
// request, stdout read as the line protocol until the process exits.
package sidecar

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/namikmesic/turnstream/internal/procattr"
	"github.com/namikmesic/turnstream/internal/stream"
)

const (
	readBufferSize = 32 * 1024
	stderrTailSize = 8 * 1024
)

// Config describes how to launch the sidecar. The command line is
// Command Args... Entry --prompt P --request-id R [--session-id S].
type Config struct {
	Command   string
	Args      []string
	Entry     string
	Dir       string
	Env       map[string]string
	StopGrace time.Duration // SIGTERM to SIGKILL delay on cancellation
}

// Invocation carries the per-request values handed to the sidecar.
type Invocation struct {
	Prompt    string
	RequestID string
	SessionID string
}

// LineHandler receives every decoded line in the order it was read.
type LineHandler func(stream.Line)

type Runner struct {
	cfg      Config
	lookPath func(string) (string, error)
}

func NewRunner(cfg Config) *Runner {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 500 * time.Millisecond
	}
	return &Runner{cfg: cfg, lookPath: exec.LookPath}
}

// BuildArgs builds the sidecar arguments for one invocation.
func (r *Runner) BuildArgs(inv Invocation) []string {
	args := slices.Clone(r.cfg.Args)
	if r.cfg.Entry != "" {
		args = append(args, r.cfg.Entry)
	}
	args = append(args,
		"--prompt", inv.Prompt,
		"--request-id", inv.RequestID,
	)
	if inv.SessionID != "" {
		args = append(args, "--session-id", inv.SessionID)
	}
	return args
}

// Resolve locates the sidecar command and entry script. Any failure is a
// *MissingDependencyError.
func (r *Runner) Resolve() (string, error) {
	command := r.cfg.Command
	if command == "" {
		return "", &MissingDependencyError{Path: command, Cause: errors.New("no sidecar command configured")}
	}
	path, err := r.lookPath(command)
	if err != nil {
		return "", &MissingDependencyError{Path: command, Cause: err}
	}
	if r.cfg.Entry != "" {
		entry := r.cfg.Entry
		if !filepath.IsAbs(entry) && r.cfg.Dir != "" {
			entry = filepath.Join(r.cfg.Dir, entry)
		}
		if _, err := os.Stat(entry); err != nil {
			return "", &MissingDependencyError{Path: entry, Cause: err}
		}
	}
	return path, nil
}

// Run launches the sidecar, hands each stdout line to onLine and returns once
// the process has exited. A nil error means exit status zero; it says nothing
// about whether the sidecar printed a terminal line.
//
// Cancelling ctx sends SIGTERM to the process group and escalates to SIGKILL
// after StopGrace.
func (r *Runner) Run(ctx context.Context, inv Invocation, onLine LineHandler) error {
	path, err := r.Resolve()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, path, r.BuildArgs(inv)...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range r.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	procattr.Set(cmd)
	cmd.Cancel = func() error {
		return procattr.Terminate(cmd.Process)
	}
	cmd.WaitDelay = r.cfg.StopGrace

	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ProcessError{Message: "failed to create stdout pipe", Cause: err}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return &MissingDependencyError{Path: path, Cause: err}
		}
		return &ProcessError{Message: "failed to start sidecar", Cause: err}
	}

	readErr := readLines(stdout, onLine)

	waitErr := cmd.Wait()
	if waitErr != nil {
		perr := &ProcessError{
			Message: "sidecar exited",
			Cause:   waitErr,
			Stderr:  stderr.String(),
			Started: true,
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			perr.ExitCode = exitErr.ExitCode()
			if perr.ExitCode == -1 {
				perr.Message = "sidecar killed"
			}
		}
		return perr
	}
	if readErr != nil {
		return &ProcessError{Message: "failed to read sidecar output", Cause: readErr, Started: true}
	}
	return nil
}

func readLines(r io.Reader, onLine LineHandler) error {
	parser := stream.NewParser()
	buf := make([]byte, readBufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range parser.ParseChunk(buf[:n]) {
				onLine(line)
			}
		}
		if err != nil {
			for _, line := range parser.Flush() {
				onLine(line)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
