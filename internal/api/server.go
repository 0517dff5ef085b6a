// Package api exposes the dispatcher and the event bus over HTTP for UIs
// that are not linked into the host process.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/namikmesic/turnstream/internal/client"
	"github.com/namikmesic/turnstream/internal/dispatch"
	"github.com/namikmesic/turnstream/internal/events"
)

// Dispatcher is the part of *dispatch.Dispatcher the HTTP surface uses.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.SendRequest) (dispatch.SendResponse, error)
	Cancel(requestID string) error
	Ready() error
	InFlight() int
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	dispatcher Dispatcher
	bus        events.Subscriber
	recent     *recentEvents
	listener   *client.Listener
}

// NewServer subscribes to the bus right away so that events of requests sent
// through the server can be replayed to tails opened later. Close releases
// the subscription.
func NewServer(d Dispatcher, bus events.Subscriber) (*Server, error) {
	s := &Server{dispatcher: d, bus: bus, recent: newRecentEvents()}
	l, err := client.Listen(bus, nil, s.recent.add)
	if err != nil {
		return nil, err
	}
	s.listener = l
	return s, nil
}

func (s *Server) Close() error {
	return s.listener.Close()
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(srv *Server, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(RecovererMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id", "X-Session-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", srv.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/send", srv.handleSend)
		r.Post("/chat/stream", srv.handleStream)
		r.Post("/chat/{requestID}/cancel", srv.handleCancel)
		r.Get("/chat/ready", srv.handleReady)
		r.Get("/events", srv.handleEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"inFlight": s.dispatcher.InFlight(),
	})
}
