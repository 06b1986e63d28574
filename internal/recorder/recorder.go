// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package recorder implements the write path: validate a request,
// append exactly one immutable event, then bump the matching counters.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/olegiv/pulse/internal/model"
	"github.com/olegiv/pulse/internal/store"
)

// timeNow is swapped out in tests.
var timeNow = time.Now

// ValidationError reports a request rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Request describes one occurrence to record.
type Request struct {
	Metric    model.Metric
	SubjectID string
	ActorID   string
	Channel   string
	Metadata  string // JSON document, free-form, not part of any invariant

	// Dedup requests at-most-one event per (metric, subject, actor, day).
	// Requires an actor. DedupKey overrides it with an explicit natural key.
	Dedup    bool
	DedupKey string
}

// Result is the outcome of a Record call.
type Result struct {
	Event *model.Event `json:"event"`
	// Recorded is false when a dedup key collision turned the call into a
	// success-no-op.
	Recorded bool `json:"recorded"`
	// Value is the subject's all-time counter after the write.
	Value int64 `json:"value"`
}

// Recorder appends events and keeps the inline counters current.
type Recorder struct {
	events     *store.EventStore
	aggregates *store.AggregateStore
	logger     *slog.Logger
}

// New creates a Recorder.
func New(events *store.EventStore, aggregates *store.AggregateStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{events: events, aggregates: aggregates, logger: logger}
}

// validate rejects malformed requests before anything touches storage.
func validate(req Request) error {
	if !req.Metric.Valid() {
		return &ValidationError{Field: "metric", Reason: fmt.Sprintf("unrecognized metric %q", req.Metric)}
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		return &ValidationError{Field: "subject_id", Reason: "required"}
	}
	if req.Dedup && req.DedupKey == "" && req.ActorID == "" {
		return &ValidationError{Field: "actor_id", Reason: "required for deduplicated events"}
	}
	if req.Metadata != "" && !json.Valid([]byte(req.Metadata)) {
		return &ValidationError{Field: "metadata", Reason: "must be a JSON document"}
	}
	return nil
}

// Record persists one new event and bumps the subject's all-time and
// daily counters. It either fully persists the event or fails atomically;
// it never retries. A dedup collision is reported as Recorded=false with
// the current counter value, not as an error.
//
// When the event write succeeds but a bump fails, the log is ahead of the
// counters: the error is surfaced and the drift is repaired by the next
// reconciliation tick.
func (r *Recorder) Record(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	now := timeNow().UTC()
	ev := &model.Event{
		ID:         uuid.NewString(),
		Metric:     req.Metric,
		SubjectID:  req.SubjectID,
		ActorID:    req.ActorID,
		Channel:    req.Channel,
		Metadata:   req.Metadata,
		OccurredAt: now,
	}
	if req.DedupKey != "" {
		ev.DedupKey = req.DedupKey
	} else if req.Dedup {
		ev.DedupKey = naturalKey(req.Metric, req.SubjectID, req.ActorID, now)
	}

	allTime := model.AggregateKey{Metric: req.Metric, SubjectID: req.SubjectID, Period: model.PeriodAllTime}

	inserted, err := r.events.Insert(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !inserted {
		agg, err := r.aggregates.Get(ctx, allTime)
		if err != nil {
			return nil, err
		}
		return &Result{Recorded: false, Value: agg.Value}, nil
	}

	day := model.AggregateKey{Metric: req.Metric, SubjectID: req.SubjectID, Period: model.DayPeriod(now)}
	for _, key := range []model.AggregateKey{allTime, day} {
		if err := r.aggregates.Bump(ctx, key, 1); err != nil {
			r.logger.Warn("counter bump failed after event write, drift until next reconcile",
				"metric", key.Metric,
				"subject_id", key.SubjectID,
				"period", key.Period,
				"event_id", ev.ID,
				"error", err,
			)
			return nil, err
		}
	}

	agg, err := r.aggregates.Get(ctx, allTime)
	if err != nil {
		return nil, err
	}
	return &Result{Event: ev, Recorded: true, Value: agg.Value}, nil
}

// naturalKey builds the deterministic dedup key for one actor's daily
// interaction with a subject.
func naturalKey(metric model.Metric, subjectID, actorID string, t time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%s", metric, subjectID, actorID, model.DayPeriod(t))
}
