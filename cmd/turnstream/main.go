// Command turnstream hosts the sidecar dispatcher and its event bus.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/namikmesic/turnstream/internal/config"
	"github.com/namikmesic/turnstream/internal/dispatch"
	"github.com/namikmesic/turnstream/internal/jetstream"
	"github.com/namikmesic/turnstream/internal/sidecar"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "turnstream",
	Short: "Request-correlated streaming host for an agent sidecar",
	Long: `turnstream launches the agent sidecar once per prompt, turns its
line-delimited JSON output into typed events and publishes them on an
embedded NATS bus, tagged with the request's correlation id.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	return cfg, nil
}

// core is the part of the host both commands run: the bus and the dispatcher.
type core struct {
	natsServer *jetstream.Server
	nc         *nats.Conn
	bus        *jetstream.Bus
	dispatcher *dispatch.Dispatcher
}

func startCore(cfg *config.Config) (*core, error) {
	natsServer, err := jetstream.NewServer(cfg.NATSStoreDir, cfg.NATSPort)
	if err != nil {
		return nil, fmt.Errorf("start embedded NATS: %w", err)
	}

	nc, err := natsServer.Connect()
	if err != nil {
		natsServer.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	bus := jetstream.NewBus(nc)
	runner := sidecar.NewRunner(sidecar.Config{
		Command:   cfg.SidecarCommand,
		Args:      cfg.SidecarArgs,
		Entry:     cfg.SidecarEntry,
		Dir:       cfg.SidecarDir,
		StopGrace: cfg.SidecarStopGrace,
	})
	if _, err := runner.Resolve(); err != nil {
		// Not fatal: every request reports SIDECAR_NOT_FOUND until it is installed.
		log.Warn().Err(err).Msg("sidecar is not available")
	}

	d := dispatch.New(runner, bus, dispatch.Options{
		MaxInFlight:    cfg.MaxInFlight,
		RequestTimeout: cfg.RequestTimeout,
	})

	return &core{natsServer: natsServer, nc: nc, bus: bus, dispatcher: d}, nil
}

// Close cancels running requests, waits for their terminal events to be
// published and then stops the bus.
func (c *core) Close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c.stopRequests(ctx)
	if err := c.nc.Drain(); err != nil {
		log.Debug().Err(err).Msg("drain NATS connection")
	}
	c.natsServer.Shutdown()
}

// stopRequests cancels running requests and waits for their terminal events
// until ctx expires.
func (c *core) stopRequests(ctx context.Context) {
	if err := c.dispatcher.Shutdown(ctx); err != nil {
		log.Warn().
			Err(err).
			Int("in_flight", c.dispatcher.InFlight()).
			Msg("requests still running at shutdown")
	}
}
