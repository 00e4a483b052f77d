// Command tileflowd is the tileflow seeding daemon.
// It loads configuration, opens the tile cache, builds the source
// registry and planner, and serves the HTTP API.
//
// Usage:
//
//	tileflowd [--config path/to/config.yaml]
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/tileflow/internal/cache"
	"github.com/me/tileflow/internal/config"
	"github.com/me/tileflow/internal/ident"
	"github.com/me/tileflow/internal/metrics"
	"github.com/me/tileflow/internal/notify"
	"github.com/me/tileflow/internal/planner"
	"github.com/me/tileflow/internal/source"
	transphttp "github.com/me/tileflow/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tileflowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	// ── 3. Initialise instance identity ──────────────────────────────────────
	inst, err := ident.New(cfg.DataDir, "")
	if err != nil {
		return fmt.Errorf("init instance identity: %w", err)
	}

	logger.Info("tileflowd starting",
		"instance_id", inst.ID(),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"data_dir", inst.DataDir(),
		"sources", len(cfg.Sources),
	)

	// ── 4. Open the tile cache ───────────────────────────────────────────────
	store, err := cache.Open(filepath.Join(cfg.DataDir, "tiles.db"))
	if err != nil {
		return fmt.Errorf("open tile cache: %w", err)
	}
	defer store.Close()

	var sweeper *cache.Sweeper
	if cfg.Cache.MaxAgeHours > 0 {
		sweeper = cache.NewSweeper(store,
			time.Duration(cfg.Cache.SweepIntervalMinutes)*time.Minute,
			time.Duration(cfg.Cache.MaxAgeHours)*time.Hour,
			logger,
		)
		sweeper.Start()
		defer sweeper.Stop()
	}

	// ── 5. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 6. Build the source registry ─────────────────────────────────────────
	sources := source.NewRegistry()
	for _, sc := range cfg.Sources {
		xyz, err := source.NewXYZ(source.XYZConfig{
			ID:          sc.ID,
			URLTemplate: sc.URLTemplate,
			MinZoom:     uint32(sc.MinZoom),
			MaxZoom:     uint32(sc.MaxZoom),
			RatePerSec:  sc.RateLimit,
			Burst:       sc.Burst,
			Timeout:     time.Duration(sc.TimeoutMs) * time.Millisecond,
			UserAgent:   sc.UserAgent,
		})
		if err != nil {
			return fmt.Errorf("build source: %w", err)
		}
		if err := sources.Register(source.NewCached(xyz, store, metricsReg, logger)); err != nil {
			return fmt.Errorf("register source %s: %w", sc.ID, err)
		}
	}

	// ── 7. Initialise the webhook notifier ───────────────────────────────────
	delays := make([]time.Duration, 0, len(cfg.Webhook.RetryDelaysMs))
	for _, ms := range cfg.Webhook.RetryDelaysMs {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	notifier := notify.New(logger, inst.ID().String(), notify.Options{
		Timeout:     time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond,
		RetryDelays: delays,
		Secret:      cfg.Webhook.Secret,
	})
	defer notifier.Close()

	// ── 8. Start the planner ─────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pl := planner.New(logger, cfg.Planner, sources,
		planner.WithMetrics(metricsReg),
		planner.WithNotifier(notifier),
	)
	pl.Start(ctx)
	defer pl.Close()

	// ── 9. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(pl, sources, store, cfg, metricsReg, inst.ID().String())
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("tileflowd ready", "instance_id", inst.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 10. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("server shutdown error", "err", err)
	}
	pl.Close()

	logger.Info("tileflowd stopped")
	return nil
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
