// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/olegiv/pulse/internal/model"
)

// RedisRelay fans updates out through Redis pub/sub so SSE clients
// connected to any instance see every tick. Publishes go to
// "<prefix><channel>"; a background loop relays everything under the
// prefix back into the local hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	prefix string
	logger *slog.Logger
}

// NewRedisRelay creates a relay over an established Redis client.
func NewRedisRelay(client *redis.Client, hub *Hub, prefix string, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, hub: hub, prefix: prefix, logger: logger}
}

// Publish sends the update through Redis. Local subscribers receive it
// when the relay loop delivers it back into the hub.
func (r *RedisRelay) Publish(channel string, update model.Update) {
	payload, err := json.Marshal(update)
	if err != nil {
		r.logger.Error("marshaling update", "error", err)
		return
	}
	if err := r.client.Publish(context.Background(), r.prefix+channel, payload).Err(); err != nil {
		r.logger.Error("publishing update to redis", "channel", channel, "error", err)
	}
}

// Run relays Redis messages into the local hub until ctx is cancelled.
// A closed pub/sub connection is reopened after a short pause.
func (r *RedisRelay) Run(ctx context.Context) {
	for {
		sub := r.client.PSubscribe(ctx, r.prefix+"*")
		ch := sub.Channel()

		for msg := range ch {
			var update model.Update
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				r.logger.Error("unable to parse relayed update", "error", err)
				continue
			}
			r.hub.Publish(strings.TrimPrefix(msg.Channel, r.prefix), update)
		}

		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("redis pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
