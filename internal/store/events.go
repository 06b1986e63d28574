// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/olegiv/pulse/internal/model"
)

// EventStore provides append and read access to the event log.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an EventStore using the given database handle.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Insert appends one event. It returns false when the event carries a
// dedup key that already exists: the duplicate insert is a no-op, not an
// error. Any other constraint or connectivity failure is returned as-is.
func (s *EventStore) Insert(ctx context.Context, ev *model.Event) (bool, error) {
	var dedupKey sql.NullString
	if ev.DedupKey != "" {
		dedupKey = sql.NullString{String: ev.DedupKey, Valid: true}
	}

	metadata := ev.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	// The conflict target is scoped to the dedup index so that only a
	// replayed dedup key reads as "already recorded"; any other
	// constraint violation, like an id collision, surfaces as an error.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			id, metric, subject_id, actor_id, channel, dedup_key, metadata, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
	`, ev.ID, string(ev.Metric), ev.SubjectID, ev.ActorID, ev.Channel,
		dedupKey, metadata, formatTime(ev.OccurredAt))
	if err != nil {
		return false, fmt.Errorf("inserting event: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting event: %w", err)
	}
	return affected == 1, nil
}

// CountForKey counts the events matching one aggregate key. For the
// all-time period every event for (metric, subject) counts; for a daily
// period only events that occurred on that day count.
func (s *EventStore) CountForKey(ctx context.Context, key model.AggregateKey) (int64, error) {
	var count int64
	var err error
	if key.Period == model.PeriodAllTime {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM events WHERE metric = ? AND subject_id = ?
		`, string(key.Metric), key.SubjectID).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM events
			WHERE metric = ? AND subject_id = ? AND DATE(occurred_at) = ?
		`, string(key.Metric), key.SubjectID, key.Period).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}

// TouchedKey is one (metric, subject) pair with recent activity, together
// with the broadcast channel the activity belongs to and the day bucket
// it fell into.
type TouchedKey struct {
	Metric    model.Metric
	SubjectID string
	Channel   string
	Day       string
}

// TouchedKeys returns the distinct keys of events recorded since the
// given time. The reconciliation tick uses this as its at-risk set.
func (s *EventStore) TouchedKeys(ctx context.Context, since time.Time) ([]TouchedKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric, subject_id, channel, DATE(occurred_at)
		FROM events
		WHERE occurred_at >= ?
		GROUP BY metric, subject_id, channel, DATE(occurred_at)
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying touched keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []TouchedKey
	for rows.Next() {
		var k TouchedKey
		var metric string
		if err := rows.Scan(&metric, &k.SubjectID, &k.Channel, &k.Day); err != nil {
			return nil, fmt.Errorf("scanning touched key: %w", err)
		}
		k.Metric = model.Metric(metric)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying touched keys: %w", err)
	}
	return keys, nil
}

// DeleteOlderThan removes events older than the cutoff. This is the only
// path that ever deletes from the log; it exists for the retention job.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE occurred_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting old events: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
