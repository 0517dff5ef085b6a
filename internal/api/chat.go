package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/namikmesic/turnstream/internal/client"
	"github.com/namikmesic/turnstream/internal/dispatch"
	"github.com/namikmesic/turnstream/internal/events"
	"github.com/namikmesic/turnstream/internal/sidecar"
	"github.com/rs/zerolog/log"
)

const relayBuffer = 256

// handleSend dispatches a prompt and answers with its correlation id. The
// request's events are read from /v1/events?requestId=, which replays what
// was published before the tail was opened.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := s.dispatcher.Send(r.Context(), req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleStream dispatches a prompt and streams that request's events as
// NDJSON until its terminal event. A client that disconnects early cancels
// the request.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	out, ok := newNDJSON(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	rl := newRelay()
	defer rl.stop()

	m := client.NewMachine(s.dispatcher,
		client.WithSession(req.SessionID),
		client.WithObserver(func(ev events.Event, _ client.State) { rl.push(ev) }),
	)
	l, err := client.Listen(s.bus, nil, m.Apply)
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe to event bus")
		writeError(w, http.StatusServiceUnavailable, "Event bus unavailable")
		return
	}
	defer l.Close()

	id, err := m.Send(r.Context(), req.Prompt)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	w.Header().Set("X-Request-Id", id)
	w.Header().Set("X-Session-Id", m.Session())
	w.WriteHeader(http.StatusOK)
	out.f.Flush()

	relayUntil(r.Context(), out, rl, true, func() {
		if err := s.dispatcher.Cancel(id); err == nil {
			log.Info().Str("request_id", id).Msg("stream client disconnected, request cancelled")
		}
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	if err := s.dispatcher.Cancel(id); err != nil {
		if errors.Is(err, dispatch.ErrUnknownRequest) {
			writeError(w, http.StatusNotFound, "Unknown or finished request")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requestId": id, "cancelled": true})
}

type readyResponse struct {
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	err := s.dispatcher.Ready()
	if err == nil {
		writeJSON(w, http.StatusOK, readyResponse{Ready: true})
		return
	}
	var missing *sidecar.MissingDependencyError
	if !errors.As(err, &missing) {
		log.Warn().Err(err).Msg("readiness check failed")
	}
	writeJSON(w, http.StatusServiceUnavailable, readyResponse{Ready: false, Detail: err.Error()})
}

// handleEvents tails the bus as NDJSON. With ?requestId= only that request's
// events are sent, starting from its first event, and the stream ends after
// its terminal event. Without it only live events are sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("requestId")

	out, ok := newNDJSON(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	if requestID != "" {
		w.WriteHeader(http.StatusOK)
		out.f.Flush()
		s.replayRequest(r.Context(), out, requestID)
		return
	}

	rl := newRelay()
	defer rl.stop()

	l, err := client.Listen(s.bus, nil, rl.push)
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe to event bus")
		writeError(w, http.StatusServiceUnavailable, "Event bus unavailable")
		return
	}
	defer l.Close()

	w.WriteHeader(http.StatusOK)
	out.f.Flush()

	relayUntil(r.Context(), out, rl, false, nil)
}

// replayRequest writes the retained events of one request and then follows
// it until its terminal event or until the client goes away.
func (s *Server) replayRequest(ctx context.Context, out *ndjson, requestID string) {
	t := s.recent.open(requestID)
	defer t.close()

	for {
		evs, done, changed := t.read()
		for _, ev := range evs {
			if err := out.write(ev); err != nil {
				log.Debug().Err(err).Str("request_id", requestID).Msg("stream write failed")
				return
			}
		}
		if done {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

// relay hands events from the bus goroutine to the HTTP goroutine. Once
// stopped it discards instead of blocking the bus.
type relay struct {
	ch   chan events.Event
	quit chan struct{}
}

func newRelay() *relay {
	return &relay{ch: make(chan events.Event, relayBuffer), quit: make(chan struct{})}
}

func (r *relay) push(ev events.Event) {
	select {
	case r.ch <- ev:
	case <-r.quit:
	}
}

func (r *relay) stop() { close(r.quit) }

func relayUntil(ctx context.Context, out *ndjson, rl *relay, untilTerminal bool, onGone func()) {
	for {
		select {
		case ev := <-rl.ch:
			if err := out.write(ev); err != nil {
				log.Debug().Err(err).Str("request_id", ev.RequestID).Msg("stream write failed")
				if onGone != nil {
					onGone()
				}
				return
			}
			if untilTerminal && ev.Terminal() {
				return
			}
		case <-ctx.Done():
			if onGone != nil {
				onGone()
			}
			return
		}
	}
}
