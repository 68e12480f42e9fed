package main

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/odvcencio/jjsync/internal/api"
	"github.com/odvcencio/jjsync/internal/auth"
	"github.com/odvcencio/jjsync/internal/config"
	"github.com/odvcencio/jjsync/internal/database"
	"github.com/odvcencio/jjsync/internal/jj"
	"github.com/odvcencio/jjsync/internal/watcher"
)

const (
	minJWTSecretLen = 16
	shutdownTimeout = 10 * time.Second
)

func newServeCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch repositories and serve the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := validateServeConfig(cfg); err != nil {
				return err
			}
			logger, closeLog := newLogger(cfg.Log, cmd.ErrOrStderr())
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func validateServeConfig(cfg *config.Config) error {
	if secret := cfg.Auth.JWTSecret; secret != "" && len(secret) < minJWTSecretLen {
		return fmt.Errorf("JJSYNC_JWT_SECRET must be at least %d characters", minJWTSecretLen)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	traceShutdown, err := initTracing(ctx, tracingSettingsFromEnv())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(shutdownCtx); err != nil {
			logger.Error("shutdown tracing", "error", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var authSvc *auth.Service
	if cfg.Auth.JWTSecret != "" {
		authSvc = auth.NewService(cfg.Auth.JWTSecret, 24*time.Hour)
	} else {
		logger.Warn("no JWT secret configured; mutating watcher routes are unauthenticated")
	}

	var svc *watcher.Service
	if cfg.Watcher.Enabled {
		detector, closeDetector, err := newDetector(cfg.Watcher.Detector, logger)
		if err != nil {
			return err
		}
		defer closeDetector()

		svc, err = newWatcher(cfg, db, detector, logger, prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		if _, err := svc.LoadCatalog(ctx); err != nil {
			return fmt.Errorf("load repository catalog: %w", err)
		}
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	} else {
		logger.Info("watcher disabled")
	}

	server := api.NewServer(db, svc, api.ServerOptions{
		Auth:            authSvc,
		AdminRouteCIDRs: cfg.Server.AdminRouteCIDRs,
		EnablePprof:     cfg.Server.EnablePprof,
		Logger:          logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("jjsync listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http server", "error", err)
	}
	if err := server.WaitAsync(shutdownCtx); err != nil {
		logger.Error("wait for queued syncs", "error", err)
	}
	if svc != nil {
		if err := svc.Stop(shutdownCtx); err != nil {
			logger.Error("stop watcher", "error", err)
		}
	}
	return runErr
}

// newDetector returns the configured change detector and a func releasing
// its resources.
func newDetector(kind string, logger *slog.Logger) (watcher.ChangeDetector, func(), error) {
	switch kind {
	case config.DetectorFSNotify:
		d, err := watcher.NewNotifyDetector(logger)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	case config.DetectorPoll, "":
		return watcher.PollDetector{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported watcher detector: %q", kind)
	}
}

func newWatcher(cfg *config.Config, db database.DB, detector watcher.ChangeDetector, logger *slog.Logger, reg prometheus.Registerer) (*watcher.Service, error) {
	return watcher.New(watcher.Options{
		DB:             db,
		Reader:         jj.NewCLIReader(cfg.JJ.Binary),
		Detector:       detector,
		PollInterval:   cfg.Watcher.PollInterval(),
		Debounce:       cfg.Watcher.Debounce(),
		MaxChanges:     cfg.Watcher.MaxChanges,
		PruneBookmarks: cfg.Watcher.PruneBookmarks,
		ReposBasePath:  cfg.Watcher.ReposBasePath,
		Logger:         logger,
		Registerer:     reg,
	})
}
