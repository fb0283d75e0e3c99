package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	fhttp "github.com/fyrsmithlabs/forgeloop/internal/http"
	"github.com/fyrsmithlabs/forgeloop/internal/reflection"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the reflection scheduler",
		Long: `Start the forgeloop HTTP API. When reflection is enabled a pass runs
every reflection.interval until the process receives SIGINT or SIGTERM.

Examples:
  # Start with defaults
  forgeloop serve

  # Configure via environment
  FORGELOOP_SERVER_HTTP_PORT=8080 FORGELOOP_REFLECTION_INTERVAL=30m forgeloop serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, host)
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "address to listen on")
	return cmd
}

// runServe blocks until ctx is cancelled, then stops the scheduler before
// the system closes.
func runServe(ctx context.Context, opts *rootOptions, host string) error {
	a, err := bootstrap(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	logger := a.logger.Underlying()
	logger.Info("Starting forgeloop",
		zap.String("version", version),
		zap.Int("port", a.cfg.Server.Port),
		zap.Bool("reflection_enabled", a.cfg.Reflection.Enabled),
		zap.Bool("telemetry_enabled", a.telemetry.Enabled()))

	if a.cfg.Reflection.Enabled {
		scheduler := reflection.NewScheduler(
			a.system.Reflection(),
			a.cfg.Reflection.Interval.Duration(),
			a.cfg.Reflection.PassTimeout.Duration(),
			logger.Named("reflection"),
		)
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start reflection scheduler: %w", err)
		}
		defer scheduler.Stop()
	}

	srv, err := fhttp.NewServer(a.system, logger.Named("http"), &fhttp.Config{
		Host:            host,
		Port:            a.cfg.Server.Port,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", host, a.cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}
