package events

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/namikmesic/turnstream/internal/stream"
	"github.com/rs/zerolog/log"
)

// Reserved codes for errors synthesized by the host rather than the sidecar.
const (
	CodeMalformedLine      = "MALFORMED_LINE"
	CodeProcessExited      = "PROCESS_EXITED"
	CodeProcessStartFailed = "PROCESS_START_FAILED"
	CodeSidecarNotFound    = "SIDECAR_NOT_FOUND"
	CodeIncompleteStream   = "INCOMPLETE_STREAM"
	CodeCancelled          = "CANCELLED"
	CodeTimeout            = "TIMEOUT"
	CodeInternalPanic      = "INTERNAL_PANIC"
)

// Publisher delivers one serialized event on a named channel. Implementations
// must be safe for concurrent use; each call is delivered whole.
type Publisher interface {
	Publish(ch Channel, data []byte) error
}

// Emitter turns one request's sidecar lines into published events. It stamps
// the envelope, numbers events in emission order and guarantees at most one
// terminal event.
type Emitter struct {
	pub       Publisher
	requestID string
	sessionID string
	now       func() time.Time

	mu       sync.Mutex
	seq      int
	terminal bool
}

func NewEmitter(pub Publisher, requestID, sessionID string) *Emitter {
	return &Emitter{
		pub:       pub,
		requestID: requestID,
		sessionID: sessionID,
		now:       time.Now,
	}
}

// EmitLine classifies one decoded line. Unknown types are logged and dropped;
// lines that cannot be decoded become transport errors.
func (e *Emitter) EmitLine(line stream.Line) {
	if line.Malformed() {
		e.transportError(line, line.Err)
		return
	}

	payload, err := ParsePayload(Type(line.Type), line.Raw)
	if errors.Is(err, ErrUnknownType) {
		log.Debug().
			Str("request_id", e.requestID).
			Str("type", line.Type).
			Int("line", line.Index).
			Msg("ignoring unknown line type")
		return
	}
	if err != nil {
		e.transportError(line, err)
		return
	}
	e.Emit(payload)
}

// Fail synthesizes a terminal process error unless the request has already
// terminated.
func (e *Emitter) Fail(code, message string, recoverable bool) bool {
	return e.Emit(Error{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Source:      SourceProcess,
	})
}

// Emit publishes p. It returns false when the event was dropped because the
// request already reached a terminal event.
func (e *Emitter) Emit(p Payload) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		log.Warn().
			Str("request_id", e.requestID).
			Str("type", string(p.EventType())).
			Msg("dropping event after terminal")
		return false
	}
	e.seq++
	ev := Event{
		RequestID: e.requestID,
		SessionID: e.sessionID,
		Timestamp: e.now().UTC(),
		Seq:       e.seq,
		Payload:   p,
	}
	e.terminal = ev.Terminal()
	// Publishing under the lock keeps seq order equal to publish order.
	e.publish(ev)
	return true
}

// Terminated reports whether a terminal event has been emitted.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

func (e *Emitter) transportError(line stream.Line, cause error) {
	log.Warn().
		Err(cause).
		Str("request_id", e.requestID).
		Int("line", line.Index).
		Msg("malformed sidecar line")
	e.Emit(Error{
		Code:        CodeMalformedLine,
		Message:     cause.Error(),
		Recoverable: true,
		Source:      SourceTransport,
	})
}

func (e *Emitter) publish(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("request_id", e.requestID).
				Str("channel", string(ev.Channel())).
				Interface("panic", r).
				Msg("publisher panicked")
		}
	}()
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("request_id", e.requestID).Msg("failed to encode event")
		return
	}
	if err := e.pub.Publish(ev.Channel(), data); err != nil {
		log.Debug().
			Err(err).
			Str("request_id", e.requestID).
			Str("channel", string(ev.Channel())).
			Msg("publish failed")
	}
}

// RawHandler receives one serialized event and the channel it arrived on.
type RawHandler func(ch Channel, data []byte)

// Subscription is an active registration on the bus.
type Subscription interface {
	Unsubscribe() error
}

// Subscriber delivers every published event, in publish order, to handler.
type Subscriber interface {
	Subscribe(handler RawHandler) (Subscription, error)
}
