package dispatch

import (
	"errors"
	"fmt"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const maxSessionIDLen = 128

var (
	ErrEmptyPrompt      = errors.New("prompt must not be empty")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrTooManyInFlight  = errors.New("too many requests in flight")
	ErrClosed           = errors.New("dispatcher is shut down")
	ErrUnknownRequest   = errors.New("unknown request")

	// Cancellation causes attached to a request's context.
	ErrCancelled = errors.New("request cancelled")
	ErrTimeout   = errors.New("request timed out")
)

// SendRequest is the command payload accepted from the UI.
type SendRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId,omitempty"`
}

// SendResponse is returned as soon as the request task is scheduled.
type SendResponse struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// Request is the immutable record of one dispatched turn.
type Request struct {
	RequestID uuid.UUID
	SessionID string
	Prompt    string
	CreatedAt time.Time
}

// ValidateSessionID accepts ids of at most 128 characters made of letters,
// digits, '-' and '_', starting and ending with a letter or digit and never
// containing two separators in a row. Session ids reach the sidecar's
// command line, so anything flag-like is refused.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(id) > maxSessionIDLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidSessionID, maxSessionIDLen)
	}

	runes := []rune(id)
	isAlnum := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	if !isAlnum(runes[0]) {
		return fmt.Errorf("%w: must start with a letter or digit", ErrInvalidSessionID)
	}
	if !isAlnum(runes[len(runes)-1]) {
		return fmt.Errorf("%w: must end with a letter or digit", ErrInvalidSessionID)
	}

	prevSep := false
	for _, r := range runes {
		sep := r == '-' || r == '_'
		if !sep && !isAlnum(r) {
			return fmt.Errorf("%w: contains %q", ErrInvalidSessionID, r)
		}
		if sep && prevSep {
			return fmt.Errorf("%w: consecutive separators", ErrInvalidSessionID)
		}
		prevSep = sep
	}
	return nil
}
