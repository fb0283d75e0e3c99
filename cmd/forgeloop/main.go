// Forgeloop is the self-improvement service of the asset studio.
//
// It tracks AI operation outcomes, resolves errors from learned and external
// knowledge, and periodically reflects on its own performance.
//
// Usage:
//
//	# Start the HTTP API and the hourly reflection scheduler
//	forgeloop serve
//
//	# One-shot queries against the local database
//	forgeloop report --days 30
//	forgeloop reflect --format markdown
//
// Configuration is read from ~/.config/forgeloop/config.yaml and FORGELOOP_*
// environment variables. See internal/config for details.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeloop/internal/config"
	"github.com/fyrsmithlabs/forgeloop/internal/logging"
	"github.com/fyrsmithlabs/forgeloop/internal/selfimprove"
	"github.com/fyrsmithlabs/forgeloop/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "forgeloop",
		Short: "Self-improvement loop for AI asset generation",
		Long: `forgeloop records how AI operations perform, learns which error fixes
work, and reflects on its own performance to produce improvement insights.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/forgeloop/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newReportCmd(opts),
		newTopCmd(opts),
		newInsightsCmd(opts),
		newReflectCmd(opts),
		newSearchCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "forgeloop by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}

// app holds what a command needs once configuration is loaded.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    *logging.Logger
	system    *selfimprove.System
}

// bootstrap loads configuration, then initializes telemetry, logging and
// the self-improvement system, in that order.
func bootstrap(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	tel := telemetry.New(ctx, cfg.Telemetry, version)
	if degraded, terr := tel.Degraded(); degraded {
		fmt.Fprintf(os.Stderr, "telemetry degraded: %v\n", terr)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging, tel.Enabled())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	system, err := selfimprove.Open(ctx, cfg, logger.Underlying())
	if err != nil {
		_ = logger.Sync()
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to open self-improvement system: %w", err)
	}

	return &app{cfg: cfg, telemetry: tel, logger: logger, system: system}, nil
}

// Close releases the system, then flushes logs and telemetry.
func (a *app) Close(ctx context.Context) {
	if err := a.system.Close(); err != nil {
		a.logger.Warn(ctx, "close self-improvement system", zap.Error(err))
	}
	_ = a.logger.Sync() // Best-effort sync
	if err := a.telemetry.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
}
