// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/olegiv/pulse/internal/model"
	"github.com/olegiv/pulse/internal/store"
)

const (
	defaultReportDays  = 30
	defaultReportLimit = 10
	maxReportLimit     = 100
)

// Report is the GET /api/reports/{metric} payload: a date-ranged view
// over the daily buckets of one metric.
type Report struct {
	Metric model.Metric         `json:"metric"`
	From   string               `json:"from"`
	To     string               `json:"to"`
	Total  int64                `json:"total"`
	Series []store.DayTotal     `json:"series"`
	Top    []store.SubjectTotal `json:"top_subjects"`
}

// GetReport handles GET /api/reports/{metric}?from=&to=&limit=.
// Responses are cached for the configured TTL; cached reports may lag
// the counters by up to one tick plus the TTL.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	metric := model.Metric(chi.URLParam(r, "metric"))
	if !metric.Valid() {
		WriteNotFound(w, "Unknown metric")
		return
	}

	now := time.Now().UTC()
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" {
		from = model.DayPeriod(now.AddDate(0, 0, -defaultReportDays))
	}
	if to == "" {
		to = model.DayPeriod(now)
	}
	if !model.IsDayPeriod(from) || !model.IsDayPeriod(to) {
		WriteBadRequest(w, "from and to must be YYYY-MM-DD days", nil)
		return
	}
	if from > to {
		WriteBadRequest(w, "from must not be after to", nil)
		return
	}

	limit := defaultReportLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxReportLimit {
			WriteBadRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxReportLimit), nil)
			return
		}
		limit = n
	}

	cacheKey := fmt.Sprintf("report:%s:%s:%s:%d", metric, from, to, limit)
	if h.cache != nil {
		if body, err := h.cache.Get(r.Context(), cacheKey); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			_, _ = w.Write(body)
			return
		}
	}

	report := Report{Metric: metric, From: from, To: to}

	var err error
	if report.Total, err = h.aggregates.SumRange(r.Context(), metric, from, to); err != nil {
		h.logger.Error("failed to build report", "metric", metric, "error", err)
		WriteInternalError(w, "Failed to build report")
		return
	}
	if report.Series, err = h.aggregates.SeriesRange(r.Context(), metric, from, to); err != nil {
		h.logger.Error("failed to build report", "metric", metric, "error", err)
		WriteInternalError(w, "Failed to build report")
		return
	}
	if report.Top, err = h.aggregates.TopSubjects(r.Context(), metric, from, to, limit); err != nil {
		h.logger.Error("failed to build report", "metric", metric, "error", err)
		WriteInternalError(w, "Failed to build report")
		return
	}

	body, err := json.Marshal(Response{Data: report})
	if err != nil {
		WriteInternalError(w, "Failed to encode report")
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(r.Context(), cacheKey, body, h.cacheTTL); err != nil {
			h.logger.Warn("failed to cache report", "key", cacheKey, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
