// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"encoding/json"
	"net/http"
)

// Stream handles GET /api/stream?channel=X: a Server-Sent Events feed
// of aggregate updates for one channel. Each reconciliation tick that
// refreshes a counter on the channel produces one "update" event.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		WriteBadRequest(w, "channel query parameter is required", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternalError(w, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	updates, cancel := h.hub.Subscribe(channel)
	defer cancel()

	// Tell the client the subscription is live before the first tick.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case update, open := <-updates:
			if !open {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				h.logger.Error("failed to encode stream update", "channel", channel, "error", err)
				continue
			}
			if _, err := w.Write([]byte("event: update\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
