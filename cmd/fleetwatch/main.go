// Command fleetwatch runs the full fleet-tracking pipeline: the cron
// scrape loop, stop detection with voice escalation, and the HTTP
// control surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fleetwatch/fleetwatch"
	"github.com/fleetwatch/fleetwatch/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetwatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local dev keeps credentials in .env; in production the file is
	// absent and the variables come from the environment.
	_ = godotenv.Load()

	cfg, err := core.NewConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := fleetwatch.New(ctx, cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Start(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		svc.Logger.Info("Signal received, shutting down", map[string]interface{}{
			"operation": "shutdown",
			"signal":    s.String(),
		})
	case err := <-errCh:
		if err != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancelShutdown()
			_ = svc.Shutdown(shutdownCtx)
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	return svc.Shutdown(shutdownCtx)
}
