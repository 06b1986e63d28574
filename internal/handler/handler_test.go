// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/olegiv/pulse/internal/broadcast"
	"github.com/olegiv/pulse/internal/cache"
	"github.com/olegiv/pulse/internal/model"
	"github.com/olegiv/pulse/internal/reconciler"
	"github.com/olegiv/pulse/internal/recorder"
	"github.com/olegiv/pulse/internal/store"
	"github.com/olegiv/pulse/internal/testutil"
)

type testHandler struct {
	*Handler
	hub        *broadcast.Hub
	aggregates *store.AggregateStore
	events     *store.EventStore
	db         *sql.DB
}

func newTestHandler(t *testing.T) *testHandler {
	t.Helper()

	db, cleanup := testutil.TestDB(t)
	t.Cleanup(cleanup)

	logger := testutil.TestLoggerSilent()
	events := store.NewEventStore(db)
	aggregates := store.NewAggregateStore(db)
	hub := broadcast.NewHub(logger)

	h := New(Options{
		DB:         db,
		Recorder:   recorder.New(events, aggregates, logger),
		Reconciler: reconciler.New(events, aggregates, hub, logger),
		Aggregates: aggregates,
		Hub:        hub,
		Cache:      cache.NewMemory(time.Minute, 100),
		Logger:     logger,
		CacheTTL:   time.Minute,
	})

	return &testHandler{Handler: h, hub: hub, aggregates: aggregates, events: events, db: db}
}

func assertStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Fatalf("status = %d; want %d", got, want)
	}
}

func postEvent(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.RecordEvent(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) recorder.Result {
	t.Helper()
	var resp struct {
		Data recorder.Result `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return resp.Data
}

func TestRecordEvent(t *testing.T) {
	h := newTestHandler(t)

	w := postEvent(t, h.Handler, `{"metric":"job_view","subject_id":"job-1","channel":"acme"}`)
	assertStatus(t, w.Code, http.StatusCreated)

	result := decodeResult(t, w)
	if !result.Recorded {
		t.Error("expected recorded = true")
	}
	if result.Value != 1 {
		t.Errorf("value = %d; want 1", result.Value)
	}
	if result.Event == nil || result.Event.ID == "" {
		t.Error("expected event with ID in response")
	}
}

func TestRecordEventUnknownMetric(t *testing.T) {
	h := newTestHandler(t)

	w := postEvent(t, h.Handler, `{"metric":"page_like","subject_id":"job-1"}`)
	assertStatus(t, w.Code, http.StatusUnprocessableEntity)

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal error: %v", err)
	}
	if resp.Error.Code != "validation_error" {
		t.Errorf("error code = %q; want validation_error", resp.Error.Code)
	}
	if _, ok := resp.Error.Details["metric"]; !ok {
		t.Errorf("expected metric field error, got %v", resp.Error.Details)
	}
}

func TestRecordEventBadJSON(t *testing.T) {
	h := newTestHandler(t)

	w := postEvent(t, h.Handler, `{"metric":`)
	assertStatus(t, w.Code, http.StatusBadRequest)
}

func TestRecordEventNonObjectMetadata(t *testing.T) {
	h := newTestHandler(t)

	w := postEvent(t, h.Handler, `{"metric":"job_view","subject_id":"job-1","metadata":[1,2]}`)
	assertStatus(t, w.Code, http.StatusUnprocessableEntity)
}

func TestRecordEventDedupCollision(t *testing.T) {
	h := newTestHandler(t)
	body := `{"metric":"job_save","subject_id":"job-1","actor_id":"user-9","dedup":true}`

	w := postEvent(t, h.Handler, body)
	assertStatus(t, w.Code, http.StatusCreated)

	w = postEvent(t, h.Handler, body)
	assertStatus(t, w.Code, http.StatusOK)

	result := decodeResult(t, w)
	if result.Recorded {
		t.Error("expected recorded = false on dedup collision")
	}
	if result.Value != 1 {
		t.Errorf("value = %d; want 1", result.Value)
	}
}

func TestRecordEventSkipsBots(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/events",
		strings.NewReader(`{"metric":"job_view","subject_id":"job-1"}`))
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	w := httptest.NewRecorder()
	h.RecordEvent(w, req)

	assertStatus(t, w.Code, http.StatusAccepted)

	agg, err := h.aggregates.Get(req.Context(), model.AggregateKey{
		Metric: model.MetricJobView, SubjectID: "job-1", Period: model.PeriodAllTime,
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if agg.Value != 0 {
		t.Errorf("bot traffic bumped counter to %d; want 0", agg.Value)
	}
}

func TestRecordEventEnrichesMetadata(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/events",
		strings.NewReader(`{"metric":"job_view","subject_id":"job-1","metadata":{"source":"listing"}}`))
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	req.Header.Set("Referer", "https://jobs.example.com/search?q=go")
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.8")
	w := httptest.NewRecorder()
	h.RecordEvent(w, req)

	assertStatus(t, w.Code, http.StatusCreated)

	result := decodeResult(t, w)
	var doc struct {
		Source string `json:"source"`
		Client struct {
			Browser        string `json:"browser"`
			DeviceType     string `json:"device_type"`
			ReferrerDomain string `json:"referrer_domain"`
			Language       string `json:"language"`
		} `json:"client"`
	}
	if err := json.Unmarshal([]byte(result.Event.Metadata), &doc); err != nil {
		t.Fatalf("metadata is not valid JSON: %v", err)
	}
	if doc.Source != "listing" {
		t.Errorf("caller metadata lost: source = %q", doc.Source)
	}
	if doc.Client.Browser != "Chrome" {
		t.Errorf("browser = %q; want Chrome", doc.Client.Browser)
	}
	if doc.Client.DeviceType != "desktop" {
		t.Errorf("device_type = %q; want desktop", doc.Client.DeviceType)
	}
	if doc.Client.ReferrerDomain != "jobs.example.com" {
		t.Errorf("referrer_domain = %q; want jobs.example.com", doc.Client.ReferrerDomain)
	}
	if doc.Client.Language != "de" {
		t.Errorf("language = %q; want de", doc.Client.Language)
	}
}

func TestGetAggregate(t *testing.T) {
	h := newTestHandler(t)

	router := h.Routes(100, 100)

	// Unknown key reads as zero
	req := httptest.NewRequest(http.MethodGet, "/api/aggregates/job_view/job-404", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assertStatus(t, w.Code, http.StatusOK)

	var resp struct {
		Data model.Aggregate `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Data.Value != 0 {
		t.Errorf("value = %d; want 0", resp.Data.Value)
	}
	if resp.Data.Period != model.PeriodAllTime {
		t.Errorf("period = %q; want %q", resp.Data.Period, model.PeriodAllTime)
	}

	postEvent(t, h.Handler, `{"metric":"job_view","subject_id":"job-7"}`)
	postEvent(t, h.Handler, `{"metric":"job_view","subject_id":"job-7"}`)

	req = httptest.NewRequest(http.MethodGet, "/api/aggregates/job_view/job-7", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assertStatus(t, w.Code, http.StatusOK)

	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Data.Value != 2 {
		t.Errorf("value = %d; want 2", resp.Data.Value)
	}
}

func TestGetAggregateRejectsBadInput(t *testing.T) {
	h := newTestHandler(t)
	router := h.Routes(100, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/aggregates/page_like/job-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assertStatus(t, w.Code, http.StatusNotFound)

	req = httptest.NewRequest(http.MethodGet, "/api/aggregates/job_view/job-1?period=yesterday", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assertStatus(t, w.Code, http.StatusBadRequest)
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	assertStatus(t, w.Code, http.StatusOK)

	var status HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if status.Status != "ok" {
		t.Errorf("status = %q; want ok", status.Status)
	}
}

func TestHealthDegradedWhenDBDown(t *testing.T) {
	h := newTestHandler(t)
	_ = h.db.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	assertStatus(t, w.Code, http.StatusServiceUnavailable)
}

func TestRunBackfillRepairsCounters(t *testing.T) {
	h := newTestHandler(t)

	postEvent(t, h.Handler, `{"metric":"job_view","subject_id":"job-1"}`)
	postEvent(t, h.Handler, `{"metric":"job_view","subject_id":"job-1"}`)

	key := model.AggregateKey{Metric: model.MetricJobView, SubjectID: "job-1", Period: model.PeriodAllTime}
	req := httptest.NewRequest(http.MethodPost, "/api/reconcile", nil)

	// Corrupt the counter, then rebuild from the event log
	if err := h.aggregates.Overwrite(req.Context(), key, 99); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}

	w := httptest.NewRecorder()
	h.RunBackfill(w, req)
	assertStatus(t, w.Code, http.StatusOK)

	agg, err := h.aggregates.Get(req.Context(), key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if agg.Value != 2 {
		t.Errorf("value after backfill = %d; want 2", agg.Value)
	}
}
