// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package handler provides the HTTP API: event ingestion, aggregate
// reads, reports and the live update stream.
package handler

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/olegiv/pulse/internal/broadcast"
	"github.com/olegiv/pulse/internal/cache"
	"github.com/olegiv/pulse/internal/geoip"
	"github.com/olegiv/pulse/internal/reconciler"
	"github.com/olegiv/pulse/internal/recorder"
	"github.com/olegiv/pulse/internal/store"
)

// Handler holds shared dependencies for all API handlers.
type Handler struct {
	db         *sql.DB
	recorder   *recorder.Recorder
	reconciler *reconciler.Reconciler
	aggregates *store.AggregateStore
	hub        *broadcast.Hub
	cache      cache.Cache
	geo        *geoip.Resolver
	logger     *slog.Logger
	cacheTTL   time.Duration
	startTime  time.Time
}

// Options configures a Handler. DB, Recorder, Reconciler, Aggregates and
// Hub are required; the rest degrade gracefully when absent.
type Options struct {
	DB         *sql.DB
	Recorder   *recorder.Recorder
	Reconciler *reconciler.Reconciler
	Aggregates *store.AggregateStore
	Hub        *broadcast.Hub
	Cache      cache.Cache
	GeoIP      *geoip.Resolver
	Logger     *slog.Logger
	CacheTTL   time.Duration
}

// New creates a Handler.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	return &Handler{
		db:         opts.DB,
		recorder:   opts.Recorder,
		reconciler: opts.Reconciler,
		aggregates: opts.Aggregates,
		hub:        opts.Hub,
		cache:      opts.Cache,
		geo:        opts.GeoIP,
		logger:     opts.Logger,
		cacheTTL:   opts.CacheTTL,
		startTime:  time.Now(),
	}
}

// Routes builds the application router. Rate limiting applies to the
// write path only; reads are protected by the report cache instead.
func (h *Handler) Routes(writeRPS float64, writeBurst int) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(NewRateLimiter(writeRPS, writeBurst).Middleware())
			r.Post("/events", h.RecordEvent)
			r.Post("/reconcile", h.RunBackfill)
		})

		r.Get("/aggregates/{metric}/{subjectID}", h.GetAggregate)
		r.Get("/reports/{metric}", h.GetReport)
		r.Get("/stream", h.Stream)
	})

	return r
}
