// Command authgate runs the credential gate as a standalone service,
// answering bus authorization callouts from outside the broker process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/teamrelay/internal/authgate"
	"github.com/teamrelay/internal/bus"
	"github.com/teamrelay/internal/config"
	"github.com/teamrelay/internal/database"
	"github.com/teamrelay/internal/logging"
	"github.com/teamrelay/internal/retry"
	"github.com/teamrelay/internal/store"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "authgate",
		Usage:   "Credential gate for the team relay bus",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			hashTokenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Answer authorization callouts until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "bus-addr",
				Usage: "Bus broker address to dial",
				Value: "localhost:4244",
			},
		},
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

	pool, err := database.NewPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	addr := c.String("bus-addr")
	var conn *bus.Conn
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		var dialErr error
		conn, dialErr = bus.Dial(addr, bus.ConnOptions{
			User:   cfg.Auth.SystemUser,
			Pass:   cfg.Auth.SystemPass,
			Logger: logger.With().Str("component", "bus").Logger(),
		})
		return dialErr
	})
	if err != nil {
		return fmt.Errorf("failed to connect to bus at %s: %w", addr, err)
	}
	defer conn.Close()

	gate := authgate.New(store.NewPostgres(pool), authgate.Options{
		SigningKey:        []byte(cfg.Auth.SigningKey),
		Issuer:            cfg.Auth.Issuer,
		GrantTTL:          time.Duration(cfg.Auth.GrantTTLMinutes) * time.Minute,
		RequestsPerSecond: cfg.Auth.RequestsPerSecond,
		Logger:            logger.With().Str("component", "authgate").Logger(),
	})

	return gate.Run(ctx, conn)
}

func hashTokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash-token",
		Usage:     "Hash a connection secret for storage in bus_credentials",
		ArgsUsage: "SECRET",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one argument, the secret to hash")
			}
			hash, err := authgate.HashToken(c.Args().First())
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}
