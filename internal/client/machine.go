package client

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/namikmesic/turnstream/internal/dispatch"
	"github.com/namikmesic/turnstream/internal/events"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateError     State = "error"
)

// Terminal reports whether no further events are accepted until the next send.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

// CodeDispatchFailed marks a send the dispatcher refused synchronously.
const CodeDispatchFailed = "DISPATCH_FAILED"

// ErrBusy is returned by Send while a request is still in flight.
var ErrBusy = errors.New("a request is already in flight")

// Sender is the dispatch entry point the machine drives.
type Sender interface {
	Send(ctx context.Context, req dispatch.SendRequest) (dispatch.SendResponse, error)
}

type ToolCallState struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	IsError     bool            `json:"isError"`
	DurationMs  int64           `json:"durationMs"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt,omitzero"`
	Done        bool            `json:"done"`
}

// StreamContext is the message reconstructed from one request's events.
// Text and Thinking only grow while the request is in flight.
type StreamContext struct {
	RequestID    string                    `json:"requestId"`
	SessionID    string                    `json:"sessionId"`
	Text         string                    `json:"text"`
	Thinking     string                    `json:"thinking"`
	TextDone     bool                      `json:"textDone"`
	ThinkingDone bool                      `json:"thinkingDone"`
	Tools        map[string]*ToolCallState `json:"tools"`
	ToolOrder    []string                  `json:"toolOrder"`
	IsComplete   bool                      `json:"isComplete"`
	CostUSD      float64                   `json:"costUsd"`
	DurationMs   int64                     `json:"durationMs"`
	Error        *events.Error             `json:"error,omitempty"`
	Warnings     []events.Error            `json:"warnings,omitempty"`
	Events       int                       `json:"events"`
}

// OpenTools lists tool calls that started but never completed, in start order.
func (c StreamContext) OpenTools() []string {
	var open []string
	for _, id := range c.ToolOrder {
		if t := c.Tools[id]; t != nil && !t.Done {
			open = append(open, id)
		}
	}
	return open
}

// ToolList returns the tool calls in start order.
func (c StreamContext) ToolList() []ToolCallState {
	out := make([]ToolCallState, 0, len(c.ToolOrder))
	for _, id := range c.ToolOrder {
		if t := c.Tools[id]; t != nil {
			out = append(out, *t)
		}
	}
	return out
}

func (c StreamContext) clone() StreamContext {
	out := c
	out.Tools = make(map[string]*ToolCallState, len(c.Tools))
	for id, t := range c.Tools {
		cp := *t
		out.Tools[id] = &cp
	}
	out.ToolOrder = slices.Clone(c.ToolOrder)
	out.Warnings = slices.Clone(c.Warnings)
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	return out
}

// Observer sees every event the machine accepted together with the state it
// led to. It is called outside the machine's lock, in delivery order.
type Observer func(ev events.Event, state State)

type Option func(*Machine)

func WithObserver(fn Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, fn) }
}

// WithSession starts the machine on an existing conversation.
func WithSession(sessionID string) Option {
	return func(m *Machine) { m.session = sessionID }
}

// Machine is the client-side streaming state machine:
//
//	idle -> sending -> streaming -> complete | error
//	complete | error -> sending
//
// Apply is meant to be driven by a single Listener, so events are applied in
// arrival order.
type Machine struct {
	sender    Sender
	observers []Observer

	mu      sync.Mutex
	state   State
	active  string
	session string
	ctx     StreamContext
	done    chan struct{}
}

func NewMachine(sender Sender, opts ...Option) *Machine {
	m := &Machine{
		sender: sender,
		state:  StateIdle,
		ctx:    StreamContext{Tools: map[string]*ToolCallState{}},
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send resets the context and dispatches prompt on the current session.
//
// The lock is held across the dispatch so an event delivered before Send
// returns waits in Apply until the new request id is active.
func (m *Machine) Send(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateSending || m.state == StateStreaming {
		return "", ErrBusy
	}

	m.state = StateSending
	m.active = ""
	m.ctx = StreamContext{Tools: map[string]*ToolCallState{}}
	m.done = make(chan struct{})

	resp, err := m.sender.Send(ctx, dispatch.SendRequest{Prompt: prompt, SessionID: m.session})
	if err != nil {
		m.state = StateError
		m.ctx.Error = &events.Error{
			Code:        CodeDispatchFailed,
			Message:     err.Error(),
			Recoverable: !errors.Is(err, dispatch.ErrClosed),
			Source:      events.SourceProcess,
		}
		close(m.done)
		return "", err
	}

	m.active = resp.RequestID
	m.session = resp.SessionID
	m.ctx.RequestID = resp.RequestID
	m.ctx.SessionID = resp.SessionID
	return resp.RequestID, nil
}

// Accepts reports whether ev belongs to the active request.
func (m *Machine) Accepts(ev events.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepts(ev)
}

func (m *Machine) accepts(ev events.Event) bool {
	return m.active != "" && ev.RequestID == m.active && !m.state.Terminal()
}

// Apply folds one event into the context. Events for other requests, events
// after a terminal state and unknown payloads leave the machine untouched.
func (m *Machine) Apply(ev events.Event) {
	m.mu.Lock()
	if !m.accepts(ev) {
		active, state := m.active, m.state
		m.mu.Unlock()
		log.Debug().
			Str("request_id", ev.RequestID).
			Str("active", active).
			Str("state", string(state)).
			Msg("dropping event")
		return
	}
	if !m.apply(ev) {
		m.mu.Unlock()
		return
	}
	state := m.state
	m.mu.Unlock()

	for _, fn := range m.observers {
		fn(ev, state)
	}
}

func (m *Machine) apply(ev events.Event) bool {
	c := &m.ctx
	switch p := ev.Payload.(type) {
	case events.Text:
		c.Text += p.Content
		c.TextDone = p.IsComplete
	case events.Thinking:
		c.Thinking += p.Content
		c.ThinkingDone = p.IsComplete
	case events.ToolStart:
		if _, dup := c.Tools[p.ToolID]; dup {
			log.Warn().Str("request_id", ev.RequestID).Str("tool_id", p.ToolID).Msg("duplicate tool start")
			return false
		}
		c.Tools[p.ToolID] = &ToolCallState{
			ID:        p.ToolID,
			Name:      p.ToolName,
			Input:     p.Input,
			StartedAt: ev.Timestamp,
		}
		c.ToolOrder = append(c.ToolOrder, p.ToolID)
	case events.ToolComplete:
		t, ok := c.Tools[p.ToolID]
		if !ok || t.Done {
			log.Debug().Str("request_id", ev.RequestID).Str("tool_id", p.ToolID).Msg("tool complete without matching start")
			return false
		}
		t.Result = p.Result
		t.IsError = p.IsError
		t.DurationMs = int64(p.DurationMs)
		t.CompletedAt = ev.Timestamp
		t.Done = true
	case events.Complete:
		c.IsComplete = true
		c.CostUSD = p.CostUSD
		c.DurationMs = int64(p.DurationMs)
		if p.SessionID != "" {
			c.SessionID = p.SessionID
			m.session = p.SessionID
		}
		m.state = StateComplete
		close(m.done)
	case events.Error:
		if !p.Terminal() {
			c.Warnings = append(c.Warnings, p)
			break
		}
		c.Error = &p
		m.state = StateError
		close(m.done)
	default:
		return false
	}

	c.Events++
	if m.state == StateSending {
		m.state = StateStreaming
	}
	return true
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a deep copy of the current context.
func (m *Machine) Snapshot() (State, StreamContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.ctx.clone()
}

// Session returns the session id the next Send will continue.
func (m *Machine) Session() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Wait blocks until the current request reaches a terminal state.
func (m *Machine) Wait(ctx context.Context) (State, StreamContext, error) {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return StateIdle, StreamContext{}, errors.New("no request has been sent")
	}
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		state, sc := m.Snapshot()
		return state, sc, nil
	case <-ctx.Done():
		state, sc := m.Snapshot()
		return state, sc, ctx.Err()
	}
}

// Reset returns the machine to idle and forgets the session. A request still
// in flight keeps running but its events are dropped.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Terminal() && m.state != StateIdle {
		close(m.done)
	}
	m.state = StateIdle
	m.active = ""
	m.session = ""
	m.ctx = StreamContext{Tools: map[string]*ToolCallState{}}
	m.done = make(chan struct{})
}

