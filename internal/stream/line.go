// Package stream implements the newline-delimited JSON contract spoken by
// the agent sidecar on its stdout: one JSON object per line, discriminated by
// its "type" field.
package stream

import (
	"encoding/json"
	"errors"
)

// Line types the sidecar is expected to emit.
const (
	TypeText         = "text"
	TypeThinking     = "thinking"
	TypeToolStart    = "tool_start"
	TypeToolComplete = "tool_complete"
	TypeComplete     = "complete"
	TypeError        = "error"
)

var (
	ErrNotObject   = errors.New("line is not a JSON object")
	ErrMissingType = errors.New("line has no type discriminator")
	ErrLineTooLong = errors.New("line exceeds maximum length")
)

// Line is a single decoded line of sidecar output.
type Line struct {
	Index    int             // ordinal within this request's output, 1-based
	Type     string          // value of the "type" field
	Raw      json.RawMessage // the full JSON object
	RawBytes int             // byte length including the newline
	Err      error           // set when the line could not be decoded
}

// Malformed reports whether the line failed to decode.
func (l Line) Malformed() bool { return l.Err != nil }

// Decode peeks the type discriminator of one line. The rest of the object is
// left raw for the consumer to classify.
func Decode(data []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return "", ErrNotObject
		}
		return "", err
	}
	if fields == nil {
		return "", ErrNotObject
	}
	raw, ok := fields["type"]
	if !ok {
		return "", ErrMissingType
	}
	var typ string
	if err := json.Unmarshal(raw, &typ); err != nil || typ == "" {
		return "", ErrMissingType
	}
	return typ, nil
}

// Encode serializes v as one protocol line, newline included.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
