// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/olegiv/pulse/internal/model"
	"github.com/olegiv/pulse/internal/recorder"
)

// recordEventRequest is the POST /api/events body.
type recordEventRequest struct {
	Metric    string          `json:"metric"`
	SubjectID string          `json:"subject_id"`
	ActorID   string          `json:"actor_id"`
	Channel   string          `json:"channel"`
	Metadata  json.RawMessage `json:"metadata"`
	Dedup     bool            `json:"dedup"`
	DedupKey  string          `json:"dedup_key"`
}

// RecordEvent handles POST /api/events.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid JSON body", nil)
		return
	}

	if len(req.Metadata) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(req.Metadata, &obj); err != nil {
			WriteValidationError(w, map[string]string{"metadata": "must be a JSON object"})
			return
		}
	}

	metadata, ok := h.enrichMetadata(r, req.Metadata)
	if !ok {
		// Bot traffic is acknowledged but never recorded.
		WriteJSON(w, http.StatusAccepted, Response{})
		return
	}

	result, err := h.recorder.Record(r.Context(), recorder.Request{
		Metric:    model.Metric(req.Metric),
		SubjectID: req.SubjectID,
		ActorID:   req.ActorID,
		Channel:   req.Channel,
		Metadata:  metadata,
		Dedup:     req.Dedup,
		DedupKey:  req.DedupKey,
	})
	if err != nil {
		var verr *recorder.ValidationError
		if errors.As(err, &verr) {
			WriteValidationError(w, map[string]string{verr.Field: verr.Reason})
			return
		}
		h.logger.Error("failed to record event", "metric", req.Metric, "subject_id", req.SubjectID, "error", err)
		WriteInternalError(w, "Failed to record event")
		return
	}

	if !result.Recorded {
		// Dedup collision: success no-op, nothing new was written.
		WriteSuccess(w, result)
		return
	}
	WriteCreated(w, result)
}
