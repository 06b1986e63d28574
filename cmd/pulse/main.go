// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"database/sql"
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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/olegiv/pulse/internal/broadcast"
	"github.com/olegiv/pulse/internal/cache"
	"github.com/olegiv/pulse/internal/config"
	"github.com/olegiv/pulse/internal/geoip"
	"github.com/olegiv/pulse/internal/handler"
	"github.com/olegiv/pulse/internal/logging"
	"github.com/olegiv/pulse/internal/reconciler"
	"github.com/olegiv/pulse/internal/recorder"
	"github.com/olegiv/pulse/internal/scheduler"
	"github.com/olegiv/pulse/internal/store"
)

// Version information - injected at build time via ldflags
var (
	appVersion   = "dev"
	appGitCommit = "unknown"
	appBuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	showHelp := flag.Bool("help", false, "Show help information")
	flag.BoolVar(showHelp, "h", false, "Show help information (shorthand)")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Pulse - event-sourced interaction counters\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PULSE_DB_PATH           SQLite database path (default: ./data/pulse.db)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PULSE_SERVER_PORT       Server port (default: 8080)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PULSE_ENV               Environment: development|production (default: development)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PULSE_TICK_SCHEDULE     Reconciliation cron schedule (default: every minute)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PULSE_REDIS_URL         Redis URL for cache and cross-instance fan-out (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  PULSE_GEOIP_DB_PATH     GeoLite2-Country.mmdb path for country enrichment (optional)\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if *showVersion {
		_, _ = fmt.Printf("pulse %s (commit: %s, built: %s)\n", appVersion, appGitCommit, appBuildTime)
		os.Exit(0)
	}

	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if present (development)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var baseHandler slog.Handler
	if cfg.IsDevelopment() {
		baseHandler = slog.NewTextHandler(os.Stdout, handlerOpts)
	} else {
		baseHandler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	}
	logger := slog.New(baseHandler)
	slog.SetDefault(logger)

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	slog.Info("initializing database", "path", cfg.DBPath)
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			slog.Error("error closing database connection", "error", err)
		}
	}(db)

	slog.Info("running database migrations")
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database ready")

	// Upgrade logger to also persist WARN and ERROR records to the audit log
	logger = slog.New(logging.NewAuditHandler(baseHandler, db))
	slog.SetDefault(logger)
	slog.Info("audit log integration enabled", "min_level", "warn")

	// Cache for report responses
	reportCache, err := cache.New(cache.Config{
		RedisURL:   cfg.RedisURL,
		Prefix:     cfg.CachePrefix,
		DefaultTTL: time.Duration(cfg.CacheTTL) * time.Second,
		MaxEntries: cfg.CacheMaxSize,
	})
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}
	defer func() {
		if err := reportCache.Close(); err != nil {
			slog.Error("error closing cache", "error", err)
		}
	}()
	if cfg.UseRedis() {
		slog.Info("report cache initialized", "backend", "redis", "url", cfg.RedisURL)
	} else {
		slog.Info("report cache initialized", "backend", "memory", "max_entries", cfg.CacheMaxSize)
	}

	// Optional GeoIP country enrichment
	var geo *geoip.Resolver
	if cfg.GeoIPEnabled() {
		geo, err = geoip.NewResolver(cfg.GeoIPDBPath)
		if err != nil {
			slog.Warn("geoip disabled", "error", err)
		} else {
			slog.Info("geoip enabled", "path", cfg.GeoIPDBPath)
			defer func() {
				if err := geo.Close(); err != nil {
					slog.Error("error closing geoip database", "error", err)
				}
			}()
		}
	}

	relayCtx, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()

	// Broadcast hub; with Redis configured, updates fan out through
	// Redis pub/sub so every instance's subscribers see every tick.
	hub := broadcast.NewHub(logger)
	var publisher broadcast.Publisher = hub
	if cfg.UseRedis() {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer func() {
			if err := redisClient.Close(); err != nil {
				slog.Error("error closing redis client", "error", err)
			}
		}()

		relay := broadcast.NewRedisRelay(redisClient, hub, cfg.CachePrefix+"updates:", logger)
		go relay.Run(relayCtx)
		publisher = relay
		slog.Info("broadcast fan-out enabled", "backend", "redis")
	}

	events := store.NewEventStore(db)
	aggregates := store.NewAggregateStore(db)
	rec := recorder.New(events, aggregates, logger)
	recon := reconciler.New(events, aggregates, publisher, logger)

	// Background jobs
	sched := scheduler.New(logger)

	jobs := []scheduler.Job{
		{
			Name:     "reconcile-tick",
			Schedule: cfg.TickSchedule,
			Timeout:  50 * time.Second,
			Run: func(ctx context.Context) error {
				skipped, err := recon.Tick(ctx)
				if skipped {
					logger.Debug("reconcile tick skipped, previous run still active")
				}
				return err
			},
		},
		{
			Name:     "event-retention",
			Schedule: "15 3 * * *",
			Timeout:  10 * time.Minute,
			Run: func(ctx context.Context) error {
				return recon.CleanupEvents(ctx, cfg.EventRetentionDays)
			},
		},
		{
			Name:     "aggregate-retention",
			Schedule: "45 3 * * *",
			Timeout:  10 * time.Minute,
			Run: func(ctx context.Context) error {
				return recon.CleanupAggregates(ctx, cfg.AggregateRetentionDays)
			},
		},
	}
	if geo != nil {
		jobs = append(jobs, scheduler.Job{
			Name:     "geoip-reload",
			Schedule: "0 * * * *",
			Timeout:  time.Minute,
			Run: func(_ context.Context) error {
				return geo.Reload()
			},
		})
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("scheduling %s: %w", job.Name, err)
		}
	}
	sched.Start()
	defer sched.Stop()

	h := handler.New(handler.Options{
		DB:         db,
		Recorder:   rec,
		Reconciler: recon,
		Aggregates: aggregates,
		Hub:        hub,
		Cache:      reportCache,
		GeoIP:      geo,
		Logger:     logger,
		CacheTTL:   time.Duration(cfg.CacheTTL) * time.Second,
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddr(),
		Handler:           h.Routes(cfg.RateLimitRPS, cfg.RateLimitBurst),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // stream responses stay open indefinitely
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr(), "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	// Stop the fan-out first so open streams drain and close
	relayCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}
