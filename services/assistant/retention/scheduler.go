// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Scheduler runs archive cycles on an interval with jitter.
type Scheduler struct {
	archiver *Archiver
	interval time.Duration
	jitter   time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// NewScheduler wraps the archiver with its configured period.
func NewScheduler(archiver *Archiver) *Scheduler {
	return &Scheduler{
		archiver: archiver,
		interval: archiver.cfg.Interval,
		jitter:   archiver.cfg.Jitter,
		log:      slog.Default().With("component", "retention"),
	}
}

// Start launches the sweep goroutine. The first cycle runs after one
// jittered interval, not immediately: a restart storm should not turn
// into a sweep storm.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("retention scheduler already running")
	}
	s.running = true
	s.done = make(chan struct{})

	s.log.Info("retention scheduler starting",
		"interval", s.interval.String(),
		"jitter", s.jitter.String(),
		"idle_after", s.archiver.cfg.IdleAfter.String())

	go s.runLoop(ctx, s.done)
	return nil
}

// Stop signals the sweep goroutine to exit. Safe to call twice; does not
// interrupt a cycle already in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.done)
	s.running = false
}

// RunNow triggers one cycle immediately, independent of the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (CycleResult, error) {
	return s.archiver.RunCycle(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}) {
	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention scheduler stopped", "reason", "context cancelled")
			return
		case <-done:
			s.log.Info("retention scheduler stopped", "reason", "stop requested")
			return
		case <-timer.C:
			result, err := s.archiver.RunCycle(ctx)
			switch {
			case err != nil:
				s.log.Error("retention cycle failed", "error", err)
			case result.Found > 0:
				s.log.Info("retention cycle completed",
					"found", result.Found,
					"archived", result.Archived,
					"evicted", result.Evicted,
					"verified", result.Verified,
					"skipped_busy", result.SkippedBusy,
					"errors", len(result.Errors),
					"duration_ms", result.Duration)
			default:
				s.log.Debug("retention cycle completed, nothing idle")
			}
			timer.Reset(s.nextDelay())
		}
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	if s.jitter <= 0 {
		return s.interval
	}
	return s.interval + time.Duration(rand.Int63n(int64(s.jitter)))
}
