// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package reconciler keeps the derived counters honest. The periodic
// tick recomputes aggregates for recently-touched keys from the event
// log, repairs any drift, and pushes fresh values to channel
// subscribers. Retention jobs live here as well.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/olegiv/pulse/internal/broadcast"
	"github.com/olegiv/pulse/internal/model"
	"github.com/olegiv/pulse/internal/store"
)

// tickOverlap is the grace window subtracted from the previous tick time
// so that writes racing the last tick are re-checked rather than missed.
const tickOverlap = 2 * time.Second

// initialLookback bounds the first tick's at-risk set after startup.
const initialLookback = 5 * time.Minute

// Reconciler recomputes aggregates from events and broadcasts results.
type Reconciler struct {
	events     *store.EventStore
	aggregates *store.AggregateStore
	publisher  broadcast.Publisher
	logger     *slog.Logger

	// busy enforces skip-if-busy: a tick due while the previous one still
	// runs performs no work instead of queueing.
	busy sync.Mutex

	mu       sync.Mutex
	lastTick time.Time
}

// New creates a Reconciler. publisher may be nil when no push channel is
// configured; ticks then only repair drift.
func New(events *store.EventStore, aggregates *store.AggregateStore, publisher broadcast.Publisher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		events:     events,
		aggregates: aggregates,
		publisher:  publisher,
		logger:     logger,
		lastTick:   time.Now().Add(-initialLookback),
	}
}

// Recompute derives the aggregate for key and overwrites the stored
// value. Daily buckets come from the event log; the all-time counter is
// the sum of the key's retained buckets, because those outlive raw
// events under retention while the log does not. Detected drift is
// logged and silently corrected; it is never surfaced to clients.
func (r *Reconciler) Recompute(ctx context.Context, key model.AggregateKey) (int64, error) {
	var derived int64
	var err error
	if key.Period == model.PeriodAllTime {
		derived, err = r.aggregates.LifetimeTotal(ctx, key.Metric, key.SubjectID)
	} else {
		derived, err = r.events.CountForKey(ctx, key)
	}
	if err != nil {
		return 0, err
	}

	stored, err := r.aggregates.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if stored.Value != derived {
		r.logger.Warn("aggregate drift detected, repairing",
			"metric", key.Metric,
			"subject_id", key.SubjectID,
			"period", key.Period,
			"stored", stored.Value,
			"derived", derived,
		)
	}

	if err := r.aggregates.Overwrite(ctx, key, derived); err != nil {
		return 0, err
	}
	return derived, nil
}

// Tick runs one reconciliation pass: recompute every key touched since
// the previous tick, then publish the refreshed values to each key's
// channel. Returns true when the pass was skipped because a previous
// tick is still running.
func (r *Reconciler) Tick(ctx context.Context) (bool, error) {
	if !r.busy.TryLock() {
		r.logger.Debug("reconcile tick still running, skipping")
		return true, nil
	}
	defer r.busy.Unlock()

	r.mu.Lock()
	since := r.lastTick.Add(-tickOverlap)
	r.lastTick = time.Now()
	r.mu.Unlock()

	keys, err := r.events.TouchedKeys(ctx, since)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}

	asOf := time.Now().UTC()
	var firstErr error
	for _, k := range keys {
		// Day first: the all-time recompute sums the buckets, so the
		// touched day must be fresh before the lifetime counter is.
		for _, period := range []string{k.Day, model.PeriodAllTime} {
			key := model.AggregateKey{Metric: k.Metric, SubjectID: k.SubjectID, Period: period}
			value, err := r.Recompute(ctx, key)
			if err != nil {
				r.logger.Error("recompute failed",
					"metric", key.Metric,
					"subject_id", key.SubjectID,
					"period", key.Period,
					"error", err,
				)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}

			if r.publisher != nil && k.Channel != "" {
				r.publisher.Publish(k.Channel, model.Update{
					Metric:    key.Metric,
					SubjectID: key.SubjectID,
					Period:    key.Period,
					Value:     value,
					AsOf:      asOf,
				})
			}
		}
	}

	r.logger.Debug("reconcile tick complete", "keys", len(keys))
	return false, firstErr
}

// Backfill rebuilds every aggregate directly from the event log. Used
// for historical backfill and full drift repair, never on the hot path.
func (r *Reconciler) Backfill(ctx context.Context) error {
	r.logger.Info("rebuilding all aggregates from the event log")
	if err := r.aggregates.RebuildFromEvents(ctx); err != nil {
		return err
	}
	r.logger.Info("aggregate rebuild complete")
	return nil
}

// CleanupEvents deletes raw events older than the retention window.
// Aggregates keep the history afterwards.
func (r *Reconciler) CleanupEvents(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted, err := r.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		r.logger.Info("cleaned up old events", "deleted", deleted)
	}
	return nil
}

// CleanupAggregates deletes daily buckets past the aggregate retention
// window. Expired values fold into each key's archive row first, so
// lifetime counters never shrink. All-time counters are never removed.
func (r *Reconciler) CleanupAggregates(ctx context.Context, retentionDays int) error {
	cutoff := model.DayPeriod(time.Now().UTC().AddDate(0, 0, -retentionDays))
	deleted, err := r.aggregates.DeleteDayPeriodsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		r.logger.Info("cleaned up expired daily aggregates", "deleted", deleted, "older_than", cutoff)
	}
	return nil
}
