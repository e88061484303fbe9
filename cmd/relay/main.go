package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/statusfeed/internal/archive"
	"github.com/rickgao/statusfeed/internal/config"
	"github.com/rickgao/statusfeed/internal/database"
	"github.com/rickgao/statusfeed/internal/dispatch"
	"github.com/rickgao/statusfeed/internal/model"
	"github.com/rickgao/statusfeed/internal/realtime"
	"github.com/rickgao/statusfeed/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relay.local.yaml", "path to config file (see configs/relay.example.yaml)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config (ignored if missing)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	logger := newLogger(*logLevel, *logFormat)
	slog.SetDefault(logger)

	if err := loadDotEnv(*envFile); err != nil {
		logger.Error("failed to load env file", "path", *envFile, "error", err)
		os.Exit(1)
	}

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logger.With("instance_id", cfg.Instance.ID)

	logger.Info("configuration loaded",
		"endpoint", cfg.Realtime.Endpoint,
		"subscriptions", cfg.Subscriptions.Count(),
		"archive", cfg.Archive.Enabled,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func run(cfg *config.RelayConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	svc := realtime.New(realtime.ManagerConfig(cfg.Realtime), logger)
	logLifecycle(svc, logger)

	// Archive
	var (
		writer   *archive.Writer
		dbHealth pinger
		arHealth archiveStats
	)
	if cfg.Archive.Enabled {
		db := cfg.Database.Archive
		logger.Info("connecting to archive database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)

		pool, err := database.Connect(ctx, db, cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect archive database: %w", err)
		}
		defer pool.Close()

		if err := archive.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		writer = archive.NewWriter(archive.WriterConfigFrom(cfg.Archive), pool, logger.With("component", "archive"))
		writer.Attach(svc.Dispatcher())
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start archive writer: %w", err)
		}
		dbHealth, arHealth = pool, writer
		logger.Info("archive database connected")
	}

	if _, err := svc.SubscribeConfigured(cfg.Subscriptions); err != nil {
		return err
	}
	if err := svc.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           newHealthHandler(svc, dbHealth, arHealth),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	logger.Info("relay running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	err := g.Wait()

	if derr := svc.Disconnect(); derr != nil {
		logger.Warn("disconnect", "error", derr)
	}
	if writer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if serr := writer.Stop(stopCtx); serr != nil {
			logger.Warn("archive writer stop", "error", serr)
		}
	}
	return err
}

// logLifecycle logs connection lifecycle events.
func logLifecycle(svc *realtime.Service, logger *slog.Logger) {
	svc.OnFunc(model.EventConnected, func(dispatch.Event) {
		stats := svc.Stats()
		logger.Info("realtime connected",
			"endpoint", stats.Endpoint,
			"session_id", stats.SessionID,
			"subscriptions", stats.Connection.Subscriptions,
		)
	})
	svc.OnFunc(model.EventDisconnected, func(e dispatch.Event) {
		info, _ := e.Payload.(model.CloseInfo)
		logger.Info("realtime disconnected", "code", info.Code, "reason", info.Reason)
	})
	svc.OnFunc(model.EventError, func(e dispatch.Event) {
		logger.Warn("realtime error", "error", e.Payload)
	})
	svc.OnFunc(model.EventMaxReconnectAttempts, func(e dispatch.Event) {
		info, _ := e.Payload.(model.ExhaustedInfo)
		logger.Error("realtime gave up reconnecting", "attempts", info.Attempts)
	})
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// loadDotEnv loads path if it exists. Variables already set win.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}
