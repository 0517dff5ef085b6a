// Package dispatch accepts prompts from the UI and runs each one as its own
// sidecar task. Send returns the correlation id as soon as the task is
// scheduled; everything discovered afterwards travels as events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/namikmesic/turnstream/internal/events"
	"github.com/namikmesic/turnstream/internal/sidecar"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Runner runs one sidecar invocation to completion.
type Runner interface {
	Run(ctx context.Context, inv sidecar.Invocation, onLine sidecar.LineHandler) error
	Resolve() (string, error)
}

type Options struct {
	// MaxInFlight caps concurrently running requests; 0 means unlimited.
	MaxInFlight int64
	// RequestTimeout bounds a single request; 0 means no timeout.
	RequestTimeout time.Duration
}

type task struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Dispatcher struct {
	runner Runner
	pub    events.Publisher
	opts   Options
	sem    *semaphore.Weighted

	baseCtx context.Context
	stop    context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	live   map[string]*task
	wg     sync.WaitGroup
}

func New(runner Runner, pub events.Publisher, opts Options) *Dispatcher {
	ctx, stop := context.WithCancelCause(context.Background())
	d := &Dispatcher{
		runner:  runner,
		pub:     pub,
		opts:    opts,
		baseCtx: ctx,
		stop:    stop,
		live:    make(map[string]*task),
	}
	if opts.MaxInFlight > 0 {
		d.sem = semaphore.NewWeighted(opts.MaxInFlight)
	}
	return d
}

// Send validates the request, mints its correlation id and starts its task.
// It never waits for sidecar output. The returned error is always one of the
// synchronous failures: invalid input, capacity exhausted or shut down.
func (d *Dispatcher) Send(ctx context.Context, sr SendRequest) (SendResponse, error) {
	if err := ctx.Err(); err != nil {
		return SendResponse{}, err
	}
	if strings.TrimSpace(sr.Prompt) == "" {
		return SendResponse{}, ErrEmptyPrompt
	}
	sessionID := sr.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if err := ValidateSessionID(sessionID); err != nil {
		return SendResponse{}, err
	}

	if d.sem != nil && !d.sem.TryAcquire(1) {
		return SendResponse{}, ErrTooManyInFlight
	}

	req := Request{
		RequestID: uuid.New(),
		SessionID: sessionID,
		Prompt:    sr.Prompt,
		CreatedAt: time.Now(),
	}
	id := req.RequestID.String()

	taskCtx, cancel := context.WithCancelCause(d.baseCtx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel(ErrClosed)
		d.release()
		return SendResponse{}, ErrClosed
	}
	d.live[id] = t
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(taskCtx, req, t)

	log.Info().
		Str("request_id", id).
		Str("session_id", sessionID).
		Int("prompt_len", len(sr.Prompt)).
		Msg("request dispatched")

	return SendResponse{RequestID: id, SessionID: sessionID}, nil
}

// Cancel stops an in-flight request. The request still terminates through
// the bus, with a CANCELLED error unless it had already finished.
func (d *Dispatcher) Cancel(requestID string) error {
	d.mu.Lock()
	t, ok := d.live[requestID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	t.cancel(ErrCancelled)
	return nil
}

// Done returns a channel closed when the request's task has finished.
func (d *Dispatcher) Done(requestID string) (<-chan struct{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.live[requestID]
	if !ok {
		return nil, false
	}
	return t.done, true
}

// InFlight reports the number of running requests.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Ready reports whether the sidecar can be launched.
func (d *Dispatcher) Ready() error {
	_, err := d.runner.Resolve()
	return err
}

// Shutdown refuses new requests, cancels running ones and waits for their
// tasks to emit their terminal events.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stop(ErrClosed)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, req Request, t *task) {
	id := req.RequestID.String()
	em := events.NewEmitter(d.pub, id, req.SessionID)

	defer d.wg.Done()
	defer d.release()
	defer close(t.done)
	defer d.forget(id)
	defer t.cancel(nil)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("request_id", id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("request task panicked")
			em.Fail(events.CodeInternalPanic, fmt.Sprintf("internal error: %v", r), true)
		}
	}()

	if d.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, d.opts.RequestTimeout, ErrTimeout)
		defer cancel()
	}

	inv := sidecar.Invocation{
		Prompt:    req.Prompt,
		RequestID: id,
		SessionID: req.SessionID,
	}
	err := d.runner.Run(ctx, inv, em.EmitLine)
	d.finish(ctx, id, em, err)

	log.Debug().
		Str("request_id", id).
		Dur("duration", time.Since(req.CreatedAt)).
		Msg("request finished")
}

// finish guarantees the request ends with exactly one terminal event.
func (d *Dispatcher) finish(ctx context.Context, id string, em *events.Emitter, err error) {
	if em.Terminated() {
		if err != nil {
			log.Warn().Err(err).Str("request_id", id).Msg("sidecar failed after its terminal event")
		}
		return
	}

	var (
		missing *sidecar.MissingDependencyError
		perr    *sidecar.ProcessError
		cause   = context.Cause(ctx)
	)
	switch {
	case errors.Is(cause, ErrCancelled):
		em.Fail(events.CodeCancelled, "request cancelled", true)
	case errors.Is(cause, ErrClosed):
		em.Fail(events.CodeCancelled, "host is shutting down", true)
	case errors.Is(cause, ErrTimeout):
		em.Fail(events.CodeTimeout, fmt.Sprintf("no result within %s", d.opts.RequestTimeout), true)
	case errors.As(err, &missing):
		em.Fail(events.CodeSidecarNotFound, missing.Error(), false)
	case errors.As(err, &perr) && !perr.Started:
		em.Fail(events.CodeProcessStartFailed, perr.Error(), true)
	case err != nil:
		em.Fail(events.CodeProcessExited, exitMessage(err, perr), true)
	default:
		em.Fail(events.CodeIncompleteStream, "sidecar exited without a result", true)
	}

	log.Warn().Err(err).Str("request_id", id).Msg("synthesized terminal error")
}

func exitMessage(err error, perr *sidecar.ProcessError) string {
	if perr == nil || perr.Stderr == "" {
		return err.Error()
	}
	lines := strings.Split(perr.Stderr, "\n")
	return err.Error() + ": " + strings.TrimSpace(lines[len(lines)-1])
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.live, id)
	d.mu.Unlock()
}

func (d *Dispatcher) release() {
	if d.sem != nil {
		d.sem.Release(1)
	}
}
