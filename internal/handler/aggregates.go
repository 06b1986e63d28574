// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/olegiv/pulse/internal/model"
)

// GetAggregate handles GET /api/aggregates/{metric}/{subjectID}.
// The optional period query parameter selects a daily bucket
// (YYYY-MM-DD); the default is the all-time counter. A key that has
// never been bumped reads as zero, not as missing.
func (h *Handler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	metric := model.Metric(chi.URLParam(r, "metric"))
	if !metric.Valid() {
		WriteNotFound(w, "Unknown metric")
		return
	}

	subjectID := chi.URLParam(r, "subjectID")
	if subjectID == "" {
		WriteBadRequest(w, "Subject ID is required", nil)
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = model.PeriodAllTime
	}
	if period != model.PeriodAllTime && !model.IsDayPeriod(period) {
		WriteBadRequest(w, "Period must be \"all\" or a YYYY-MM-DD day", nil)
		return
	}

	agg, err := h.aggregates.Get(r.Context(), model.AggregateKey{
		Metric:    metric,
		SubjectID: subjectID,
		Period:    period,
	})
	if err != nil {
		h.logger.Error("failed to read aggregate", "metric", metric, "subject_id", subjectID, "error", err)
		WriteInternalError(w, "Failed to read aggregate")
		return
	}

	WriteSuccess(w, agg)
}
