// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package model

import "time"

// Event is an immutable fact: something happened to a subject at a point
// in time. Events are never updated or deleted outside the retention job.
type Event struct {
	ID         string    `json:"id"`
	Metric     Metric    `json:"metric"`
	SubjectID  string    `json:"subject_id"`
	ActorID    string    `json:"actor_id,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	DedupKey   string    `json:"-"`
	Metadata   string    `json:"metadata,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Aggregate is a derived running total for one (metric, subject, period)
// key. It is a performance cache over the event log, not a source of
// truth: at any quiescent point its value equals the matching event count.
type Aggregate struct {
	Metric    Metric    `json:"metric"`
	SubjectID string    `json:"subject_id"`
	Period    string    `json:"period"`
	Value     int64     `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AggregateKey identifies one aggregate row.
type AggregateKey struct {
	Metric    Metric
	SubjectID string
	Period    string
}

// Update is the message published to a channel's subscribers when a
// reconciliation tick refreshes an aggregate.
type Update struct {
	Metric    Metric    `json:"metric"`
	SubjectID string    `json:"subject_id"`
	Period    string    `json:"period"`
	Value     int64     `json:"value"`
	AsOf      time.Time `json:"as_of"`
}
