package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/layoutwcc/internal/logger"
	"github.com/marmos91/layoutwcc/internal/responder"
	"github.com/marmos91/layoutwcc/pkg/config"
	"github.com/marmos91/layoutwcc/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mirror-side LAYOUT_WCC responder",
	Long: `Run the mirror-side responder that answers LAYOUT_WCC requests and
applies attribute updates to local layout state.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/layoutwcc/config.yaml.

Examples:
  # Serve with default config location
  layoutwccd serve

  # Serve with custom config file
  layoutwccd serve --config /etc/layoutwcc/config.yaml

  # Serve with environment variable overrides
  LAYOUTWCC_LOGGING_LEVEL=DEBUG layoutwccd serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if !cfg.Responder.Enabled {
		return fmt.Errorf("responder is disabled in configuration; enable responder.enabled to serve")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Configuration loaded", "source", configSource())
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsSrv = metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port})
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	store := responder.NewStore()
	srv := responder.NewServer(responder.Config{
		Listen:      cfg.Responder.Listen,
		GracePeriod: cfg.Responder.GracePeriod,
	}, store, metrics.NewResponderMetrics())

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.Start(ctx); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Responder is running. Press Ctrl+C to stop.",
		"listen", cfg.Responder.Listen,
		"grace_period", cfg.Responder.GracePeriod)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		select {
		case err := <-serverDone:
			if err != nil {
				return fmt.Errorf("server shutdown error: %w", err)
			}
		case <-time.After(cfg.ShutdownTimeout):
			return fmt.Errorf("shutdown timed out after %s", cfg.ShutdownTimeout)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("Server stopped")
	}

	return nil
}

// configSource returns a description of where the config was loaded from.
func configSource() string {
	if cfgFile != "" {
		return cfgFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
