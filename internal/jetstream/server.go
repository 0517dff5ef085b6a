package jetstream

import (
	"fmt"
	"time"

	server "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
)

// Server is an embedded NATS server carrying the event bus.
type Server struct{ ns *server.Server }

// NewServer starts an embedded server with JetStream enabled. With port 0
// the server accepts in-process connections only; otherwise it also listens
// on localhost so an out-of-process UI can subscribe.
func NewServer(storeDir string, port int) (*Server, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  storeDir,
		NoSigs:    true,
	}
	if port == 0 {
		opts.DontListen = true
	} else {
		opts.Host = "127.0.0.1"
		opts.Port = port
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready")
	}
	return &Server{ns: ns}, nil
}

func (s *Server) Connect() (*nats.Conn, error) {
	return nats.Connect(s.ns.ClientURL(), nats.InProcessServer(s.ns), nats.Name("turnstream"))
}

func (s *Server) Shutdown() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
