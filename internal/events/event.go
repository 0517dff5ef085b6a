// Package events defines the typed events derived from sidecar output, the
// envelope they travel in, and the named channels they are published on.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Channel is one of the fixed named channels of the event bus.
type Channel string

const (
	ChannelMessageChunk    Channel = "message-chunk"
	ChannelToolStart       Channel = "tool-start"
	ChannelToolComplete    Channel = "tool-complete"
	ChannelSessionComplete Channel = "session-complete"
	ChannelSessionError    Channel = "session-error"
)

// Channels lists every channel a listener needs to cover.
func Channels() []Channel {
	return []Channel{
		ChannelMessageChunk,
		ChannelToolStart,
		ChannelToolComplete,
		ChannelSessionComplete,
		ChannelSessionError,
	}
}

// Type is the payload discriminator, shared with the sidecar line protocol.
type Type string

const (
	TypeText         Type = "text"
	TypeThinking     Type = "thinking"
	TypeToolStart    Type = "tool_start"
	TypeToolComplete Type = "tool_complete"
	TypeComplete     Type = "complete"
	TypeError        Type = "error"
)

// ErrUnknownType is returned by ParsePayload for discriminators this version
// does not know. Callers ignore such lines.
var ErrUnknownType = errors.New("unknown event type")

// Payload is implemented by the six event variants.
type Payload interface {
	EventType() Type
	Channel() Channel
}

type Text struct {
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
}

func (Text) EventType() Type  { return TypeText }
func (Text) Channel() Channel { return ChannelMessageChunk }

type Thinking struct {
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
}

func (Thinking) EventType() Type  { return TypeThinking }
func (Thinking) Channel() Channel { return ChannelMessageChunk }

type ToolStart struct {
	ToolID   string          `json:"toolId"`
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
}

func (ToolStart) EventType() Type  { return TypeToolStart }
func (ToolStart) Channel() Channel { return ChannelToolStart }

type ToolComplete struct {
	ToolID     string          `json:"toolId"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"isError"`
	DurationMs Millis          `json:"durationMs"`
}

func (ToolComplete) EventType() Type  { return TypeToolComplete }
func (ToolComplete) Channel() Channel { return ChannelToolComplete }

type Complete struct {
	SessionID  string  `json:"sessionId"`
	DurationMs Millis  `json:"durationMs"`
	CostUSD    float64 `json:"costUsd"`
}

func (Complete) EventType() Type  { return TypeComplete }
func (Complete) Channel() Channel { return ChannelSessionComplete }

// ErrorSource tells where an error was discovered.
type ErrorSource string

const (
	SourceSDK       ErrorSource = "sdk"       // emitted by the sidecar itself
	SourceProcess   ErrorSource = "process"   // synthesized from the process lifecycle
	SourceTransport ErrorSource = "transport" // a line that could not be decoded
)

type Error struct {
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	Recoverable bool        `json:"recoverable"`
	Source      ErrorSource `json:"source,omitempty"`
}

func (Error) EventType() Type  { return TypeError }
func (Error) Channel() Channel { return ChannelSessionError }

// Terminal reports whether the error ends its request. Transport errors are
// advisory: the offending line is skipped and the stream continues.
func (e Error) Terminal() bool { return e.Source != SourceTransport }

// Millis is a millisecond count that tolerates fractional JSON numbers.
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return fmt.Errorf("duration: invalid value %v", f)
	}
	*m = Millis(math.Round(f))
	return nil
}

// ParsePayload classifies raw JSON by its discriminator into a typed payload.
func ParsePayload(typ Type, raw []byte) (Payload, error) {
	switch typ {
	case TypeText:
		return decode[Text](raw)
	case TypeThinking:
		return decode[Thinking](raw)
	case TypeToolStart:
		p, err := decode[ToolStart](raw)
		if err == nil && p.ToolID == "" {
			err = errors.New("tool_start: missing toolId")
		}
		return p, err
	case TypeToolComplete:
		p, err := decode[ToolComplete](raw)
		if err == nil && p.ToolID == "" {
			err = errors.New("tool_complete: missing toolId")
		}
		return p, err
	case TypeComplete:
		return decode[Complete](raw)
	case TypeError:
		p, err := decode[Error](raw)
		if err == nil && p.Source == "" {
			p.Source = SourceSDK
		}
		return p, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func decode[T Payload](raw []byte) (T, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", p.EventType(), err)
	}
	return p, nil
}

// Event is the envelope published on the bus.
type Event struct {
	RequestID string
	SessionID string
	Timestamp time.Time
	Seq       int
	Payload   Payload
}

func (e Event) Type() Type       { return e.Payload.EventType() }
func (e Event) Channel() Channel { return e.Payload.Channel() }

// Terminal reports whether this event ends its request.
func (e Event) Terminal() bool {
	switch p := e.Payload.(type) {
	case Complete:
		return true
	case Error:
		return p.Terminal()
	}
	return false
}

type wireEvent struct {
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int             `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON writes the envelope with the discriminator inside the payload,
// so text and thinking chunks sharing a channel stay distinguishable.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("event has no payload")
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		RequestID: e.RequestID,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		Seq:       e.Seq,
		Payload:   withType(e.Payload.EventType(), body),
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(w.Payload, &head); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	payload, err := ParsePayload(head.Type, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		RequestID: w.RequestID,
		SessionID: w.SessionID,
		Timestamp: w.Timestamp,
		Seq:       w.Seq,
		Payload:   payload,
	}
	return nil
}

func withType(t Type, body []byte) []byte {
	tag, _ := json.Marshal(t)
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out
}
