// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package model defines the core domain types shared by every layer:
// metrics, events, aggregates and broadcast updates.
package model

import "time"

// Metric names a countable interaction. The set is closed: requests
// carrying an unknown metric are rejected at the door.
type Metric string

const (
	MetricJobView             Metric = "job_view"
	MetricJobSave             Metric = "job_save"
	MetricApplicationSubmit   Metric = "application_submit"
	MetricApplicationWithdraw Metric = "application_withdraw"
	MetricInterviewScheduled  Metric = "interview_scheduled"
	MetricProfileView         Metric = "profile_view"
)

var knownMetrics = map[Metric]struct{}{
	MetricJobView:             {},
	MetricJobSave:             {},
	MetricApplicationSubmit:   {},
	MetricApplicationWithdraw: {},
	MetricInterviewScheduled:  {},
	MetricProfileView:         {},
}

// Valid reports whether m is one of the known metrics.
func (m Metric) Valid() bool {
	_, ok := knownMetrics[m]
	return ok
}

// Metrics returns every known metric.
func Metrics() []Metric {
	return []Metric{
		MetricJobView,
		MetricJobSave,
		MetricApplicationSubmit,
		MetricApplicationWithdraw,
		MetricInterviewScheduled,
		MetricProfileView,
	}
}

// PeriodAllTime is the period key for a subject's lifetime counter.
const PeriodAllTime = "all"

// PeriodArchive accumulates the values of daily buckets that aged past
// the aggregate retention window. It keeps lifetime sums intact and is
// never served as a period of its own.
const PeriodArchive = "archive"

const dayLayout = "2006-01-02"

// DayPeriod returns the daily bucket key for t, in UTC.
func DayPeriod(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// IsDayPeriod reports whether p is a daily bucket key.
func IsDayPeriod(p string) bool {
	if len(p) != len(dayLayout) {
		return false
	}
	_, err := time.Parse(dayLayout, p)
	return err == nil
}
