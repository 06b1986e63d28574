// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package broadcast delivers aggregate updates to dashboard subscribers.
// Subscribers join a logical channel (one per company or user scope);
// delivery is best-effort, at-most-once: a slow or absent subscriber
// misses a value and catches up on the next tick.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/olegiv/pulse/internal/model"
)

// Publisher is the write side of a broadcast fan-out.
type Publisher interface {
	Publish(channel string, update model.Update)
}

// subscriberBuffer bounds how many undelivered updates a subscriber may
// hold before further sends are dropped.
const subscriberBuffer = 16

// Hub is an in-process fan-out keyed by channel name. All methods are
// safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan model.Update]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[chan model.Update]struct{}),
		logger: logger,
	}
}

// Subscribe joins a channel. The returned cancel function leaves the
// channel and closes the update stream; it is safe to call once.
func (h *Hub) Subscribe(channel string) (<-chan model.Update, func()) {
	ch := make(chan model.Update, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[chan model.Update]struct{})
		h.subs[channel] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[channel]; ok {
			if _, member := set[ch]; member {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(h.subs, channel)
				}
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish sends an update to every subscriber of the channel. Publishing
// to a channel with no subscribers is a no-op. Sends never block: a
// subscriber whose buffer is full simply misses this update.
func (h *Hub) Publish(channel string, update model.Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[channel] {
		select {
		case ch <- update:
		default:
			h.logger.Debug("dropping update for slow subscriber", "channel", channel)
		}
	}
}

// SubscriberCount returns the number of subscribers on a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}
