// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/olegiv/pulse/internal/model"
)

// AggregateStore maintains the derived counters. All mutation goes
// through Bump, Overwrite, or RebuildFromEvents; no caller writes the
// value column directly.
type AggregateStore struct {
	db *sql.DB
}

// NewAggregateStore creates an AggregateStore using the given database handle.
func NewAggregateStore(db *sql.DB) *AggregateStore {
	return &AggregateStore{db: db}
}

// Bump atomically adds delta to the aggregate for key, creating the row
// with value=delta when it does not exist yet. The increment is applied
// inside a single upsert statement, so concurrent bumps for the same key
// serialize at the storage layer and never lose updates.
func (s *AggregateStore) Bump(ctx context.Context, key model.AggregateKey, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregates (metric, subject_id, period, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(metric, subject_id, period)
		DO UPDATE SET value = value + excluded.value, updated_at = excluded.updated_at
	`, string(key.Metric), key.SubjectID, key.Period, delta, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("bumping aggregate: %w", err)
	}
	return nil
}

// Get returns the aggregate for key. A key that was never bumped reads
// as value 0 rather than an error.
func (s *AggregateStore) Get(ctx context.Context, key model.AggregateKey) (model.Aggregate, error) {
	agg := model.Aggregate{
		Metric:    key.Metric,
		SubjectID: key.SubjectID,
		Period:    key.Period,
	}

	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT value, updated_at FROM aggregates
		WHERE metric = ? AND subject_id = ? AND period = ?
	`, string(key.Metric), key.SubjectID, key.Period).Scan(&agg.Value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return agg, nil
	}
	if err != nil {
		return agg, fmt.Errorf("reading aggregate: %w", err)
	}
	agg.UpdatedAt = parseTime(updatedAt)
	return agg, nil
}

// Overwrite replaces the stored value for key. Used only by
// reconciliation; the hot path always goes through Bump.
func (s *AggregateStore) Overwrite(ctx context.Context, key model.AggregateKey, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO aggregates (metric, subject_id, period, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(key.Metric), key.SubjectID, key.Period, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("overwriting aggregate: %w", err)
	}
	return nil
}

// LifetimeTotal sums every retained bucket for (metric, subject): the
// daily periods plus the archive fold. Buckets outlive raw events under
// retention, so this is the durable source for the all-time counter.
func (s *AggregateStore) LifetimeTotal(ctx context.Context, metric model.Metric, subjectID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(value), 0) FROM aggregates
		WHERE metric = ? AND subject_id = ? AND period != ?
	`, string(metric), subjectID, model.PeriodAllTime).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing lifetime buckets: %w", err)
	}
	return total, nil
}

// DayTotal is one day's summed value for a metric across all subjects.
type DayTotal struct {
	Day   string `json:"day"`
	Value int64  `json:"value"`
}

// SubjectTotal is one subject's summed value for a metric over a window.
type SubjectTotal struct {
	SubjectID string `json:"subject_id"`
	Value     int64  `json:"value"`
}

// SumRange sums a metric's daily buckets over [from, to] inclusive.
func (s *AggregateStore) SumRange(ctx context.Context, metric model.Metric, from, to string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(value), 0) FROM aggregates
		WHERE metric = ? AND period >= ? AND period <= ? AND period != ?
	`, string(metric), from, to, model.PeriodAllTime).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing aggregates: %w", err)
	}
	return total, nil
}

// SeriesRange returns per-day totals for a metric over [from, to] inclusive.
func (s *AggregateStore) SeriesRange(ctx context.Context, metric model.Metric, from, to string) ([]DayTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT period, SUM(value) FROM aggregates
		WHERE metric = ? AND period >= ? AND period <= ? AND period != ?
		GROUP BY period
		ORDER BY period
	`, string(metric), from, to, model.PeriodAllTime)
	if err != nil {
		return nil, fmt.Errorf("querying aggregate series: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var series []DayTotal
	for rows.Next() {
		var d DayTotal
		if err := rows.Scan(&d.Day, &d.Value); err != nil {
			return nil, fmt.Errorf("scanning aggregate series: %w", err)
		}
		series = append(series, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying aggregate series: %w", err)
	}
	return series, nil
}

// TopSubjects returns the highest-counted subjects for a metric over
// [from, to] inclusive, descending by total.
func (s *AggregateStore) TopSubjects(ctx context.Context, metric model.Metric, from, to string, limit int) ([]SubjectTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id, SUM(value) AS total FROM aggregates
		WHERE metric = ? AND period >= ? AND period <= ? AND period != ?
		GROUP BY subject_id
		ORDER BY total DESC
		LIMIT ?
	`, string(metric), from, to, model.PeriodAllTime, limit)
	if err != nil {
		return nil, fmt.Errorf("querying top subjects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var top []SubjectTotal
	for rows.Next() {
		var t SubjectTotal
		if err := rows.Scan(&t.SubjectID, &t.Value); err != nil {
			return nil, fmt.Errorf("scanning top subjects: %w", err)
		}
		top = append(top, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying top subjects: %w", err)
	}
	return top, nil
}

// RebuildFromEvents recomputes the daily buckets directly from the
// event log, then derives each all-time counter as the sum of that
// key's surviving buckets. Buckets older than the event retention
// window are left alone, so history that already aged out of the log
// stays counted. Used for backfill and full drift repair, never on the
// hot path.
func (s *AggregateStore) RebuildFromEvents(ctx context.Context) error {
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO aggregates (metric, subject_id, period, value, updated_at)
		SELECT metric, subject_id, DATE(occurred_at), COUNT(*), ?
		FROM events
		GROUP BY metric, subject_id, DATE(occurred_at)
	`, now)
	if err != nil {
		return fmt.Errorf("rebuilding daily aggregates: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO aggregates (metric, subject_id, period, value, updated_at)
		SELECT metric, subject_id, ?, SUM(value), ?
		FROM aggregates
		WHERE period != ?
		GROUP BY metric, subject_id
	`, model.PeriodAllTime, now, model.PeriodAllTime)
	if err != nil {
		return fmt.Errorf("rebuilding all-time aggregates: %w", err)
	}

	return nil
}

// DeleteDayPeriodsBefore removes daily buckets older than the cutoff
// day, folding their values into the key's archive row first so that
// LifetimeTotal stays constant across retention. All-time counters are
// never deleted while their subject exists.
func (s *AggregateStore) DeleteDayPeriodsBefore(ctx context.Context, cutoffDay string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("deleting expired aggregates: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO aggregates (metric, subject_id, period, value, updated_at)
		SELECT metric, subject_id, ?, SUM(value), ?
		FROM aggregates
		WHERE period NOT IN (?, ?) AND period < ?
		GROUP BY metric, subject_id
		ON CONFLICT(metric, subject_id, period)
		DO UPDATE SET value = value + excluded.value, updated_at = excluded.updated_at
	`, model.PeriodArchive, now, model.PeriodAllTime, model.PeriodArchive, cutoffDay)
	if err != nil {
		return 0, fmt.Errorf("archiving expired aggregates: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM aggregates WHERE period NOT IN (?, ?) AND period < ?
	`, model.PeriodAllTime, model.PeriodArchive, cutoffDay)
	if err != nil {
		return 0, fmt.Errorf("deleting expired aggregates: %w", err)
	}
	affected, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("deleting expired aggregates: %w", err)
	}
	return affected, nil
}
