// Package logging provides a custom slog handler that mirrors WARN and
// ERROR level records into the audit_log table for later inspection.
package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/olegiv/pulse/internal/store"
)

// AuditHandler is a slog.Handler that wraps another handler and also
// writes WARN and ERROR level logs to the audit log.
type AuditHandler struct {
	inner slog.Handler
	audit *store.AuditStore
	level slog.Level
}

// NewAuditHandler creates an AuditHandler that wraps the given handler.
// Records at WARN and above are persisted in addition to being handled
// by the wrapped handler.
func NewAuditHandler(inner slog.Handler, db *sql.DB) *AuditHandler {
	return &AuditHandler{
		inner: inner,
		audit: store.NewAuditStore(db),
		level: slog.LevelWarn,
	}
}

// Enabled implements slog.Handler.
func (h *AuditHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *AuditHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	if r.Level >= h.level {
		h.persist(r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *AuditHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AuditHandler{inner: h.inner.WithAttrs(attrs), audit: h.audit, level: h.level}
}

// WithGroup implements slog.Handler.
func (h *AuditHandler) WithGroup(name string) slog.Handler {
	return &AuditHandler{inner: h.inner.WithGroup(name), audit: h.audit, level: h.level}
}

// persist writes a log record to the audit log. A background context is
// used so the record survives request cancellation; persistence failures
// are dropped silently rather than recursing into the logger.
func (h *AuditHandler) persist(r slog.Record) {
	_ = h.audit.Insert(context.Background(), &store.AuditEntry{
		Level:     levelName(r.Level),
		Category:  categoryFor(r),
		Message:   r.Message,
		Metadata:  attrsJSON(r),
		CreatedAt: r.Time,
	})
}

func levelName(level slog.Level) string {
	if level >= slog.LevelError {
		return "error"
	}
	return "warning"
}

// categoryFor extracts a category from the record attributes, falling
// back to keyword matching on the message.
func categoryFor(r slog.Record) string {
	var category string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "category" {
			category = a.Value.String()
			return false
		}
		return true
	})
	if category != "" {
		return category
	}

	msg := strings.ToLower(r.Message)
	switch {
	case strings.Contains(msg, "drift") || strings.Contains(msg, "reconcile") || strings.Contains(msg, "aggregate"):
		return "reconciler"
	case strings.Contains(msg, "event") || strings.Contains(msg, "record"):
		return "recorder"
	case strings.Contains(msg, "redis") || strings.Contains(msg, "broadcast") || strings.Contains(msg, "subscriber"):
		return "broadcast"
	case strings.Contains(msg, "job") || strings.Contains(msg, "schedul"):
		return "scheduler"
	default:
		return "system"
	}
}

// attrsJSON collects the record attributes into a JSON object.
func attrsJSON(r slog.Record) string {
	if r.NumAttrs() == 0 {
		return "{}"
	}

	attrs := make(map[string]string, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "category" {
			attrs[a.Key] = a.Value.String()
		}
		return true
	})

	data, err := json.Marshal(attrs)
	if err != nil {
		return "{}"
	}
	return string(data)
}
