package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/teamrelay/internal/api"
	"github.com/teamrelay/internal/authgate"
	"github.com/teamrelay/internal/bus"
	"github.com/teamrelay/internal/config"
	"github.com/teamrelay/internal/database"
	"github.com/teamrelay/internal/logging"
	"github.com/teamrelay/internal/relay"
	"github.com/teamrelay/internal/store"
)

// ServeCommand returns the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the relay: bus broker, credential gate, and HTTP API",
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Setup(cfg.General.LogLevel, cfg.General.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	var creds store.CredentialStore
	switch cfg.General.Store {
	case "postgres":
		pool, err := database.NewPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		st, creds = pg, pg
	case "memory":
		logger.Warn().Msg("Using in-memory store, data will not survive a restart")
		mem := store.NewMemory()
		st, creds = mem, mem
	}

	// Broker with the authorization callout enabled. Everything in this
	// process connects with the system credentials and bypasses it; the
	// callout gates the TCP side, where deployed teams connect.
	broker := bus.NewServer(bus.ServerOptions{
		ServerID: cfg.Server.ID,
		Callout: &bus.CalloutOptions{
			SigningKey: []byte(cfg.Auth.SigningKey),
			SystemUser: cfg.Auth.SystemUser,
			SystemPass: cfg.Auth.SystemPass,
		},
		Logger: logger.With().Str("component", "bus").Logger(),
	})
	defer broker.Close()

	listener, err := net.Listen("tcp", cfg.Server.BusAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.BusAddr, err)
	}
	go func() {
		if err := broker.Serve(listener); err != nil {
			logger.Error().Err(err).Msg("Bus listener stopped")
		}
	}()
	logger.Info().Str("addr", cfg.Server.BusAddr).Msg("Bus broker listening")

	systemConn := func() (*bus.Conn, error) {
		return broker.Connect(bus.ConnOptions{
			User:   cfg.Auth.SystemUser,
			Pass:   cfg.Auth.SystemPass,
			Logger: logger.With().Str("component", "bus").Logger(),
		})
	}

	gateConn, err := systemConn()
	if err != nil {
		return fmt.Errorf("failed to connect gate to bus: %w", err)
	}
	defer gateConn.Close()

	gate := authgate.New(creds, authgate.Options{
		SigningKey:        []byte(cfg.Auth.SigningKey),
		Issuer:            cfg.Auth.Issuer,
		GrantTTL:          time.Duration(cfg.Auth.GrantTTLMinutes) * time.Minute,
		RequestsPerSecond: cfg.Auth.RequestsPerSecond,
		Logger:            logger.With().Str("component", "authgate").Logger(),
	})
	go func() {
		if err := gate.Run(ctx, gateConn); err != nil {
			logger.Error().Err(err).Msg("Credential gate stopped")
		}
	}()

	registry := relay.NewRegistry(systemConn, logger.With().Str("component", "relay").Logger())
	defer registry.Close()

	go runJanitor(ctx, registry, cfg, logger)

	hub := api.NewHub(logger.With().Str("component", "hub").Logger())
	bridge := relay.NewBridge(registry, st, hub, logger.With().Str("component", "relay").Logger())
	server := api.NewServer(cfg.Server.HTTPAddr, bridge, hub, logger.With().Str("component", "api").Logger())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runJanitor evicts idle threads on a fixed sweep interval until shutdown.
func runJanitor(ctx context.Context, registry *relay.Registry, cfg *config.Config, logger zerolog.Logger) {
	sweep := time.Duration(cfg.Relay.SweepMinutes) * time.Minute
	idleAfter := time.Duration(cfg.Relay.IdleEvictionMinutes) * time.Minute

	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.EvictIdle(idleAfter); n > 0 {
				logger.Info().Int("evicted", n).Msg("Idle threads evicted")
			}
		}
	}
}
