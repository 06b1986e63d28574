// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package scheduler runs the periodic jobs: the reconcile/broadcast
// tick, retention cleanups, and the GeoIP database reload. A job that is
// still running when its next firing is due causes that firing to be
// skipped, not queued.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of scheduled work.
type Job struct {
	Name     string
	Schedule string // standard 5-field cron expression
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler wraps robfig/cron with per-job timeouts and error logging.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a scheduler. Every job is wrapped with SkipIfStillRunning
// so an overrunning job suppresses its next firing.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		logger: logger,
	}
}

// Add registers a job. Job failures are logged and never fatal; the next
// scheduled run proceeds independently.
func (s *Scheduler) Add(job Job) error {
	_, err := s.cron.AddFunc(job.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
		defer cancel()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
		}
	})
	return err
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop gracefully stops the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
