package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/hotmod"
	"github.com/GoCodeAlone/hotmod/config"
	"github.com/GoCodeAlone/hotmod/remotesync"
	"github.com/GoCodeAlone/hotmod/statestore"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hotmod orchestrator server",
		Long: `Serve starts the module orchestrator: it opens the state store, loads
module manifests, and exposes the websocket sync channel and HTTP API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (yaml or toml)")

	return cmd
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := hotmod.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := statestore.Open(cfg.StatePath, logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	registry := hotmod.NewRegistry(logger)
	orch := hotmod.NewOrchestrator(registry, logger)

	saver := statestore.NewAutoSaver(store, func() statestore.SaverMap {
		return orch.StateSavers()
	}, logger)
	if cfg.AutoSave.Enabled {
		saver.Start(time.Duration(cfg.AutoSave.Interval))
	}
	if cfg.Retention.SweepInterval > 0 && cfg.Retention.MaxAge > 0 {
		saver.ScheduleRetention(time.Duration(cfg.Retention.SweepInterval), time.Duration(cfg.Retention.MaxAge))
	}
	defer saver.Stop()

	if cfg.ManifestDir != "" {
		watcher := hotmod.NewManifestWatcher(orch, cfg.ManifestDir, manifestHooks, logger)
		if err := watcher.LoadAll(ctx); err != nil {
			return fmt.Errorf("load manifests: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch manifests: %w", err)
		}
	}

	sync := remotesync.NewServer(orch, store, remotesync.NoopInstaller{}, remotesync.ServerConfig{
		HeartbeatInterval:        time.Duration(cfg.Heartbeat.Interval),
		HeartbeatTimeoutMultiple: cfg.Heartbeat.TimeoutMultiple,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           sync.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		if err := orch.RestartSystem(shutdownCtx); err != nil {
			logger.Error("unload modules on shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// manifestHooks resolves hooks for manifest-declared modules. Manifest
// modules carry no process-local behavior, so their hooks are empty and
// lifecycle transitions are tracked by the registry alone.
func manifestHooks(m hotmod.Manifest) (hotmod.Hooks, error) {
	return hotmod.Hooks{}, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
