// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/olegiv/pulse/internal/broadcast"
	"github.com/olegiv/pulse/internal/model"
	"github.com/olegiv/pulse/internal/store"
	"github.com/olegiv/pulse/internal/testutil"
)

func testStores(t *testing.T) (*store.EventStore, *store.AggregateStore, func()) {
	t.Helper()
	db, cleanup := testutil.TestDB(t)
	return store.NewEventStore(db), store.NewAggregateStore(db), cleanup
}

func insertEvents(t *testing.T, events *store.EventStore, metric model.Metric, subjectID, channel string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := events.Insert(context.Background(), &model.Event{
			ID:         uuid.NewString(),
			Metric:     metric,
			SubjectID:  subjectID,
			Channel:    channel,
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
}

func TestRecomputeRepairsDrift(t *testing.T) {
	events, aggregates, cleanup := testStores(t)
	defer cleanup()
	ctx := context.Background()

	insertEvents(t, events, model.MetricJobView, "job-42", "", 4)

	// Corrupt the daily bucket.
	dayKey := model.AggregateKey{Metric: model.MetricJobView, SubjectID: "job-42", Period: model.DayPeriod(time.Now().UTC())}
	if err := aggregates.Overwrite(ctx, dayKey, 9000); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}

	r := New(events, aggregates, nil, testutil.TestLoggerSilent())
	value, err := r.Recompute(ctx, dayKey)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if value != 4 {
		t.Errorf("expected derived daily value 4, got %d", value)
	}

	// Corrupt the lifetime counter; its recompute sums the buckets.
	allKey := model.AggregateKey{Metric: model.MetricJobView, SubjectID: "job-42", Period: model.PeriodAllTime}
	if err := aggregates.Overwrite(ctx, allKey, 9000); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	value, err = r.Recompute(ctx, allKey)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if value != 4 {
		t.Errorf("expected derived lifetime value 4, got %d", value)
	}

	agg, err := aggregates.Get(ctx, allKey)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if agg.Value != 4 {
		t.Errorf("expected stored value 4 after repair, got %d", agg.Value)
	}
}

func TestTickPreservesLifetimeAfterRetention(t *testing.T) {
	events, aggregates, cleanup := testStores(t)
	defer cleanup()
	ctx := context.Background()

	// One event already older than the retention window, one fresh.
	old := &model.Event{
		ID:         uuid.NewString(),
		Metric:     model.MetricJobView,
		SubjectID:  "job-42",
		Channel:    "company-a",
		OccurredAt: time.Now().UTC().AddDate(0, 0, -100),
	}
	if _, err := events.Insert(ctx, old); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	insertEvents(t, events, model.MetricJobView, "job-42", "company-a", 1)

	// Ingest-time bumps: a daily bucket per event plus the lifetime counter.
	for _, period := range []string{model.DayPeriod(old.OccurredAt), model.DayPeriod(time.Now().UTC())} {
		key := model.AggregateKey{Metric: model.MetricJobView, SubjectID: "job-42", Period: period}
		if err := aggregates.Bump(ctx, key, 1); err != nil {
			t.Fatalf("Bump failed: %v", err)
		}
	}
	allTime := model.AggregateKey{Metric: model.MetricJobView, SubjectID: "job-42", Period: model.PeriodAllTime}
	if err := aggregates.Bump(ctx, allTime, 2); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}

	r := New(events, aggregates, nil, testutil.TestLoggerSilent())
	if err := r.CleanupEvents(ctx, 90); err != nil {
		t.Fatalf("CleanupEvents failed: %v", err)
	}
	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	// The lifetime counter still covers the event that aged out of the log.
	agg, err := aggregates.Get(ctx, allTime)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if agg.Value != 2 {
		t.Errorf("expected lifetime counter 2 after retention and tick, got %d", agg.Value)
	}
}

func TestTickRecomputesTouchedKeysAndBroadcasts(t *testing.T) {
	events, aggregates, cleanup := testStores(t)
	defer cleanup()
	ctx := context.Background()

	hub := broadcast.NewHub(testutil.TestLogger())
	updates, unsub := hub.Subscribe("company-a")
	defer unsub()

	insertEvents(t, events, model.MetricJobView, "job-42", "company-a", 3)

	r := New(events, aggregates, hub, testutil.TestLoggerSilent())
	skipped, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if skipped {
		t.Fatal("expected tick to run")
	}

	agg, err := aggregates.Get(ctx, model.AggregateKey{
		Metric: model.MetricJobView, SubjectID: "job-42", Period: model.PeriodAllTime,
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if agg.Value != 3 {
		t.Errorf("expected reconciled value 3, got %d", agg.Value)
	}

	select {
	case u := <-updates:
		if u.SubjectID != "job-42" || u.Metric != model.MetricJobView {
			t.Errorf("unexpected update: %+v", u)
		}
		if u.Value != 3 {
			t.Errorf("expected broadcast value 3, got %d", u.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestTickChannelScoping(t *testing.T) {
	events, aggregates, cleanup := testStores(t)
	defer cleanup()

	hub := broadcast.NewHub(testutil.TestLogger())
	updatesA, unsubA := hub.Subscribe("company-a")
	defer unsubA()

	// All activity belongs to company-b.
	insertEvents(t, events, model.MetricJobView, "job-b1", "company-b", 2)

	r := New(events, aggregates, hub, testutil.TestLoggerSilent())
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	select {
	case u := <-updatesA:
		t.Fatalf("company-a subscriber received company-b update: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

// blockingPublisher blocks every publish until released, letting tests
// hold a tick open deliberately.
type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingPublisher) Publish(string, model.Update) {
	p.started <- struct{}{}
	<-p.release
}

func TestTickSkipIfBusy(t *testing.T) {
	events, aggregates, cleanup := testStores(t)
	defer cleanup()
	ctx := context.Background()

	insertEvents(t, events, model.MetricJobView, "job-42", "company-a", 2)

	pub := &blockingPublisher{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := New(events, aggregates, pub, testutil.TestLoggerSilent())

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Tick(ctx)
		firstDone <- err
	}()

	// Wait until the first tick is mid-publish, then fire the next tick.
	<-pub.started

	skipped, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("second Tick failed: %v", err)
	}
	if !skipped {
		t.Error("expected overlapping tick to be skipped")
	}

	// Let the first tick finish its remaining publishes.
	go func() {
		for range pub.started {
		}
	}()
	close(pub.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Tick failed: %v", err)
	}
	close(pub.started)

	// No double counting: the value still equals the event count.
	agg, err := aggregates.Get(ctx, model.AggregateKey{
		Metric: model.MetricJobView, SubjectID: "job-42", Period: model.PeriodAllTime,
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if agg.Value != 2 {
		t.Errorf("expected value 2 after overlapping ticks, got %d", agg.Value)
	}
}

func TestBackfillRebuildsCorruptedAggregates(t *testing.T) {
	events, aggregates, cleanup := testStores(t)
	defer cleanup()
	ctx := context.Background()

	insertEvents(t, events, model.MetricApplicationSubmit, "job-7", "", 5)

	key := model.AggregateKey{Metric: model.MetricApplicationSubmit, SubjectID: "job-7", Period: model.PeriodAllTime}
	if err := aggregates.Overwrite(ctx, key, 1); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}

	r := New(events, aggregates, nil, testutil.TestLoggerSilent())
	if err := r.Backfill(ctx); err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}

	agg, err := aggregates.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if agg.Value != 5 {
		t.Errorf("expected rebuilt value 5, got %d", agg.Value)
	}
}

func TestCleanupEvents(t *testing.T) {
	events, aggregates, cleanup := testStores(t)
	defer cleanup()
	ctx := context.Background()

	old := &model.Event{
		ID:         uuid.NewString(),
		Metric:     model.MetricJobView,
		SubjectID:  "job-1",
		OccurredAt: time.Now().UTC().AddDate(0, 0, -30),
	}
	if _, err := events.Insert(ctx, old); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	insertEvents(t, events, model.MetricJobView, "job-1", "", 1)

	r := New(events, aggregates, nil, testutil.TestLoggerSilent())
	if err := r.CleanupEvents(ctx, 7); err != nil {
		t.Fatalf("CleanupEvents failed: %v", err)
	}

	count, err := events.CountForKey(ctx, model.AggregateKey{
		Metric: model.MetricJobView, SubjectID: "job-1", Period: model.PeriodAllTime,
	})
	if err != nil {
		t.Fatalf("CountForKey failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 event after cleanup, got %d", count)
	}
}
