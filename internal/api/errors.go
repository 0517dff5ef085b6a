package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/namikmesic/turnstream/internal/dispatch"
	"github.com/rs/zerolog/log"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Detail: message})
}

// writeDispatchError maps a synchronous dispatch failure to a status code.
func writeDispatchError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, dispatch.ErrEmptyPrompt):
		status, code = http.StatusBadRequest, "EMPTY_PROMPT"
	case errors.Is(err, dispatch.ErrInvalidSessionID):
		status, code = http.StatusBadRequest, "INVALID_SESSION_ID"
	case errors.Is(err, dispatch.ErrTooManyInFlight):
		status, code = http.StatusTooManyRequests, "TOO_MANY_IN_FLIGHT"
	case errors.Is(err, dispatch.ErrClosed):
		status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
	}
	writeJSON(w, status, ErrorResponse{Detail: err.Error(), Code: code})
}

// ndjson writes one JSON document per line and flushes after each.
type ndjson struct {
	w   http.ResponseWriter
	f   http.Flusher
	enc *json.Encoder
}

func newNDJSON(w http.ResponseWriter) (*ndjson, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	return &ndjson{w: w, f: f, enc: json.NewEncoder(w)}, true
}

func (n *ndjson) write(v any) error {
	if err := n.enc.Encode(v); err != nil {
		return err
	}
	n.f.Flush()
	return nil
}
