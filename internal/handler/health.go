// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"net/http"
	"time"
)

// HealthStatus is the GET /healthz payload.
type HealthStatus struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// Health handles GET /healthz. It degrades to 503 when the database
// stops answering.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status: "ok",
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	}

	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error("health check: database unreachable", "error", err)
		status.Status = "degraded"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// RunBackfill handles POST /api/reconcile: a full rebuild of every
// aggregate from the event log. Intended for recovery after suspected
// corruption; normal drift repair happens on the scheduled tick.
func (h *Handler) RunBackfill(w http.ResponseWriter, r *http.Request) {
	if err := h.reconciler.Backfill(r.Context()); err != nil {
		h.logger.Error("manual backfill failed", "error", err)
		WriteInternalError(w, "Backfill failed")
		return
	}

	h.logger.Info("manual backfill completed")
	WriteSuccess(w, map[string]string{"status": "rebuilt"})
}
