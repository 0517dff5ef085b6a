package stream

import (
	"bytes"
	"fmt"
)

// DefaultMaxLineBytes bounds a single line. Tool results can be large, so the
// limit is generous.
const DefaultMaxLineBytes = 16 << 20

// Parser maintains state across chunks to handle lines split over reads.
type Parser struct {
	buffer    []byte
	lineIndex int
	maxLine   int
	skipping  bool // discarding the remainder of an oversized line
}

func NewParser() *Parser {
	return &Parser{maxLine: DefaultMaxLineBytes}
}

// NewParserSize returns a parser with a custom line limit.
func NewParserSize(maxLine int) *Parser {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Parser{maxLine: maxLine}
}

// ParseChunk processes raw bytes from stdout and yields complete lines.
// Blank lines are skipped.
func (p *Parser) ParseChunk(chunk []byte) []Line {
	p.buffer = append(p.buffer, chunk...)
	var lines []Line

	for {
		idx := bytes.IndexByte(p.buffer, '\n')
		if idx == -1 {
			break
		}

		raw := p.buffer[:idx]
		p.buffer = p.buffer[idx+1:]

		if p.skipping {
			p.skipping = false
			continue
		}
		if line, ok := p.decode(raw, idx+1); ok {
			lines = append(lines, line)
		}
	}

	if len(p.buffer) > p.maxLine && !p.skipping {
		p.lineIndex++
		lines = append(lines, Line{
			Index:    p.lineIndex,
			RawBytes: len(p.buffer),
			Err:      fmt.Errorf("%w (%d bytes)", ErrLineTooLong, p.maxLine),
		})
		p.buffer = p.buffer[:0]
		p.skipping = true
	} else if p.skipping {
		p.buffer = p.buffer[:0]
	}

	return lines
}

// Flush yields a trailing line that was not newline-terminated, as happens
// when the process exits mid-write.
func (p *Parser) Flush() []Line {
	if len(p.buffer) == 0 || p.skipping {
		p.buffer = nil
		p.skipping = false
		return nil
	}
	raw := p.buffer
	p.buffer = nil
	if line, ok := p.decode(raw, len(raw)); ok {
		return []Line{line}
	}
	return nil
}

func (p *Parser) decode(raw []byte, size int) (Line, bool) {
	raw = bytes.TrimRight(raw, "\r")
	if len(bytes.TrimSpace(raw)) == 0 {
		return Line{}, false
	}

	p.lineIndex++
	data := make([]byte, len(raw))
	copy(data, raw)

	line := Line{Index: p.lineIndex, Raw: data, RawBytes: size}
	line.Type, line.Err = Decode(data)
	return line, true
}
