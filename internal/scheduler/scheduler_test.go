// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olegiv/pulse/internal/testutil"
)

func TestSchedulerAddRejectsBadSchedule(t *testing.T) {
	s := New(testutil.TestLogger())
	err := s.Add(Job{
		Name:     "bad",
		Schedule: "not a schedule",
		Timeout:  time.Second,
		Run:      func(context.Context) error { return nil },
	})
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := New(testutil.TestLoggerSilent())

	ran := make(chan struct{}, 4)
	err := s.Add(Job{
		Name:     "tick",
		Schedule: "* * * * *",
		Timeout:  time.Second,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Cron's minimum granularity is one minute; exercising a real firing
	// would make the test too slow, so only verify start/stop behavior.
	s.Start()
	s.Stop()

	select {
	case <-ran:
		t.Error("job should not have fired within the test window")
	default:
	}
}

func TestSchedulerJobErrorDoesNotStopOthers(t *testing.T) {
	s := New(testutil.TestLoggerSilent())

	if err := s.Add(Job{
		Name:     "failing",
		Schedule: "* * * * *",
		Timeout:  time.Second,
		Run:      func(context.Context) error { return errors.New("boom") },
	}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Add(Job{
		Name:     "healthy",
		Schedule: "* * * * *",
		Timeout:  time.Second,
		Run:      func(context.Context) error { return nil },
	}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	s.Start()
	defer s.Stop()
}
