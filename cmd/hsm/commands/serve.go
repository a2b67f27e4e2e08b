package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gristlabs/grist-hsm/internal/logger"
	"github.com/gristlabs/grist-hsm/pkg/config"
	"github.com/gristlabs/grist-hsm/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage worker",
	Long: `Run the storage worker in the foreground.

The worker registers itself in the shared worker map, recovers any local
document copies left behind by a previous run, and then serves documents
until interrupted. On SIGINT or SIGTERM it flushes every open document to
the blob store and deregisters before exiting.

Examples:
  # Run with default config location
  hsm serve

  # Run with custom config
  hsm serve --config /etc/grist-hsm/config.yaml

  # Run with environment variable overrides
  HSM_LOGGING_LEVEL=DEBUG hsm serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	// Initialize metrics (if enabled)
	var m *metrics.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		m = metrics.New(registry)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", logger.Err(err))
			}
		}()
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	manager, closeStores, err := config.BuildManager(ctx, cfg, m)
	if err != nil {
		return err
	}

	if err := manager.Start(ctx); err != nil {
		_ = closeStores()
		return fmt.Errorf("failed to start storage manager: %w", err)
	}

	logger.Info("Storage worker running",
		logger.WorkerID(cfg.Worker.ID),
		"data_dir", cfg.Worker.DataDir,
		"blob", cfg.Blob.Type,
		"registry", cfg.Registry.Type)
	logger.Info("Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	signal.Stop(sigChan)

	logger.Info("Shutdown signal received, flushing documents")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", logger.Err(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", logger.Err(err))
		}
	}
	if err := closeStores(); err != nil {
		logger.Error("Store close error", logger.Err(err))
	}

	logger.Info("Worker stopped gracefully")
	return nil
}
