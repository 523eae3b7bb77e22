package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/pkg/api"
	"github.com/marmos91/pmeta/pkg/config"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve status endpoints for a region",
	Long: `Open the region and serve health, statistics, consistency checks and
Prometheus metrics over HTTP until interrupted. The region is closed cleanly
on exit.

Endpoints:
  GET /health         Liveness check
  GET /health/ready   Readiness check (fails once headers latch read-only)
  GET /stats          File-system counters
  GET /check          Consistency check
  GET /metrics        Prometheus metrics (when metrics are enabled)

Examples:
  # Serve on the configured metrics port
  pmetactl serve

  # Serve on a specific port
  pmetactl serve --port 9191`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default: metrics.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	metricsResult := config.InitializeMetrics(cfg)
	if metricsResult.Metrics == nil {
		logger.Info("Metrics collection disabled")
	}

	fs, r, err := openFS(ctx, cfg, metricsResult.Metrics, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFS(cmd.Context(), fs, r); err != nil {
			logger.Error("Failed to close region", "error", err)
		}
	}()

	rep := fs.Recovery()
	logger.Info("Region opened",
		logger.UUID(fs.Superblock().UUID.String()),
		"was_clean", rep.WasClean,
		"recovered_transactions", rep.Transactions)

	port := servePort
	if port == 0 {
		port = cfg.Metrics.Port
	}
	if port == 0 {
		port = config.DefaultMetricPort
	}

	var srv *api.Server
	if metricsResult.Registry != nil {
		srv = api.NewServer(api.Config{Port: port}, fs, metricsResult.Registry)
	} else {
		srv = api.NewServer(api.Config{Port: port}, fs, nil)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}
