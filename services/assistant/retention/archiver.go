// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention archives and evicts idle sessions.
//
// # Description
//
// Sessions idle past the configured window are exported as a redacted
// audit artifact, then removed from the hot backend together with their
// message buffer and summaries. A read-back verifier confirms each
// eviction. The scheduler runs cycles on an interval with jitter so
// replicas sharing a backend do not sweep in lockstep.
//
// # Thread Safety
//
// Archiver and Scheduler are safe for concurrent use; at most one cycle
// runs at a time per Scheduler.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/memory"
	"github.com/lucerne-ai/concierge/services/assistant/redact"
	"github.com/lucerne-ai/concierge/services/assistant/session"
)

// Config controls the archive sweep.
type Config struct {
	// IdleAfter is how long a session may sit untouched before it is
	// archived and evicted. Default 24h.
	IdleAfter time.Duration

	// BatchSize caps how many sessions one cycle processes. Default 100.
	BatchSize int

	// Interval is the scheduler period. Default 1h.
	Interval time.Duration

	// Jitter is the random delay added to each tick, spreading sweeps
	// across replicas. Default 5m.
	Jitter time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleAfter <= 0 {
		c.IdleAfter = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter == 0 {
		c.Jitter = 5 * time.Minute
	}
}

// CycleResult summarizes one archive sweep.
type CycleResult struct {
	StartedAt time.Time `json:"started_at"`
	Duration  int64     `json:"duration_ms"`

	Found    int `json:"found"`
	Archived int `json:"archived"`
	Evicted  int `json:"evicted"`
	Verified int `json:"verified"`

	// SkippedBusy counts sessions that were mid-turn when the sweep
	// reached them. They stay for the next cycle.
	SkippedBusy int `json:"skipped_busy"`

	Errors []string `json:"errors,omitempty"`
}

// Archiver runs the per-session archive-then-evict sequence.
type Archiver struct {
	cfg       Config
	sessions  *session.Store
	buffer    memory.BufferStore
	summaries memory.SummaryStore
	audit     memory.AuditStore
	redactor  *redact.Redactor
	clock     *ClockChecker
	now       func() time.Time
	log       *slog.Logger
}

// NewArchiver wires the sweep. Sessions, buffer and audit are required;
// a nil summaries store or redactor degrades to skipping that step.
func NewArchiver(cfg Config, sessions *session.Store, buffer memory.BufferStore,
	summaries memory.SummaryStore, audit memory.AuditStore, redactor *redact.Redactor) (*Archiver, error) {
	cfg.applyDefaults()
	switch {
	case sessions == nil:
		return nil, errors.New("retention: session store is required")
	case buffer == nil:
		return nil, errors.New("retention: buffer store is required")
	case audit == nil:
		return nil, errors.New("retention: audit store is required")
	}
	return &Archiver{
		cfg:       cfg,
		sessions:  sessions,
		buffer:    buffer,
		summaries: summaries,
		audit:     audit,
		redactor:  redactor,
		clock:     NewClockChecker(DefaultClockConfig()),
		now:       time.Now,
		log:       slog.Default().With("component", "retention"),
	}, nil
}

// RunCycle archives and evicts every session idle past the window, up to
// the batch size. A failing clock check aborts the whole cycle: deleting
// on a bad clock is worse than sweeping late.
func (a *Archiver) RunCycle(ctx context.Context) (CycleResult, error) {
	result := CycleResult{StartedAt: a.now()}

	if err := a.clock.Check(); err != nil {
		return result, fmt.Errorf("clock sanity check failed: %w", err)
	}

	cutoff := a.now().Add(-a.cfg.IdleAfter).UnixMilli()
	idle, err := a.sessions.ListIdle(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("list idle sessions: %w", err)
	}
	if len(idle) > a.cfg.BatchSize {
		idle = idle[:a.cfg.BatchSize]
	}
	result.Found = len(idle)

	for _, info := range idle {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			break
		}
		a.archiveOne(ctx, info, &result)
	}

	result.Duration = a.now().Sub(result.StartedAt).Milliseconds()
	return result, nil
}

func (a *Archiver) archiveOne(ctx context.Context, info session.Info, result *CycleResult) {
	sc, err := a.sessions.Load(ctx, info.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		// Raced another replica's sweep. Nothing left to do.
		return
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: load: %v", info.SessionID, err))
		return
	}

	// Archive before eviction so a crash between the two steps loses
	// nothing: a duplicate artifact is harmless, a silent delete is not.
	art := datatypes.NewAuditArtifact(sc.SessionID, sc.UserID, datatypes.AuditKindContract, map[string]any{
		"action":     "retention_archive",
		"idle_after": a.cfg.IdleAfter.String(),
		"context":    a.exportContext(ctx, sc),
	})
	if err := a.audit.Record(ctx, art); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: archive: %v", sc.SessionID, err))
		return
	}
	result.Archived++

	if err := a.sessions.Evict(ctx, sc.SessionID); err != nil {
		if datatypes.IsKind(err, datatypes.FaultBusy) {
			result.SkippedBusy++
			return
		}
		result.Errors = append(result.Errors, fmt.Sprintf("%s: evict: %v", sc.SessionID, err))
		return
	}
	result.Evicted++

	if err := a.buffer.Clear(ctx, sc.SessionID); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: buffer clear: %v", sc.SessionID, err))
	}
	if a.summaries != nil {
		if err := a.summaries.DeleteSession(ctx, sc.SessionID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: summaries: %v", sc.SessionID, err))
		}
	}

	if a.verifyGone(ctx, sc.SessionID) {
		result.Verified++
	} else {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: still readable after eviction", sc.SessionID))
	}
}

// verifyGone re-reads the session to confirm the eviction took, retrying
// briefly to ride out backend replication lag.
func (a *Archiver) verifyGone(ctx context.Context, sessionID string) bool {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		_, err := a.sessions.Load(ctx, sessionID)
		if errors.Is(err, session.ErrNotFound) {
			return true
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return false
}

func (a *Archiver) exportContext(ctx context.Context, sc *datatypes.SessionContext) map[string]any {
	clone := sc.Clone()
	if a.redactor != nil {
		clone.ProductQuery = a.redactor.Redact(ctx, clone.ProductQuery, redact.ModePlaceholder).Text
		for k, v := range clone.SoftPreferences {
			clone.SoftPreferences[k] = a.redactor.Redact(ctx, v, redact.ModePlaceholder).Text
		}
	}
	m, err := clone.ToMap()
	if err != nil {
		a.log.Warn("context export failed", "session_id", sc.SessionID, "error", err)
		return map[string]any{"session_id": sc.SessionID, "state": string(sc.State)}
	}
	return m
}
