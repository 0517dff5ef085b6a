package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/namikmesic/turnstream/internal/api"
	"github.com/namikmesic/turnstream/internal/jetstream"
	"github.com/namikmesic/turnstream/internal/processor"
	"github.com/namikmesic/turnstream/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host: HTTP API, event bus and optional turn audit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		c, err := startCore(cfg)
		if err != nil {
			return err
		}

		ctx := context.Background()
		var (
			writer         *storage.BatchWriter
			consumerCancel context.CancelFunc = func() {}
			consumerDone                      = make(chan struct{})
		)
		if cfg.DatabaseURL == "" {
			log.Info().Msg("DATABASE_URL not set, turn audit disabled")
			close(consumerDone)
		} else {
			pool, err := storage.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				c.Close(time.Second)
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			if err := storage.RunMigrations(ctx, pool); err != nil {
				c.Close(time.Second)
				return fmt.Errorf("run migrations: %w", err)
			}

			js, err := c.nc.JetStream()
			if err != nil {
				c.Close(time.Second)
				return fmt.Errorf("get JetStream context: %w", err)
			}
			if err := jetstream.EnsureStream(js); err != nil {
				c.Close(time.Second)
				return fmt.Errorf("create JetStream stream: %w", err)
			}

			writer = storage.NewBatchWriter(pool, cfg.WriterBufferSize, cfg.WriterBatchSize, cfg.WriterFlushMs)
			proc := processor.New(writer)

			var consumerCtx context.Context
			consumerCtx, consumerCancel = context.WithCancel(ctx)
			go func() {
				defer close(consumerDone)
				proc.StartConsumer(consumerCtx, js)
			}()
		}

		srv, err := api.NewServer(c.dispatcher, c.bus)
		if err != nil {
			consumerCancel()
			<-consumerDone
			c.Close(time.Second)
			if writer != nil {
				writer.Shutdown()
			}
			return fmt.Errorf("subscribe API to event bus: %w", err)
		}
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           api.NewRouter(srv, cfg.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGTERM)

		serveErr := make(chan error, 1)
		go func() {
			log.Info().
				Int("port", cfg.Port).
				Str("sidecar", cfg.SidecarCommand).
				Int64("max_in_flight", cfg.MaxInFlight).
				Msg("turnstream started")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()

		var runErr error
		select {
		case <-done:
		case runErr = <-serveErr:
			log.Error().Err(runErr).Msg("server error")
		}
		log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		if err := srv.Close(); err != nil {
			log.Debug().Err(err).Msg("close API subscription")
		}
		// Requests publish their terminal events before the audit consumer stops.
		c.stopRequests(shutdownCtx)
		consumerCancel()
		<-consumerDone
		c.Close(5 * time.Second)
		if writer != nil {
			writer.Shutdown()
		}
		log.Info().Msg("shutdown complete")
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
