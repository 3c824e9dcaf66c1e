// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// loopDetector watches contract transitions per session and flags a
// conversation that repeats the same (from, to) edge too often within
// the window. Terminal edges are exempt: a concluded session cannot
// loop, and the terminal re-entry reply repeats by design.
//
// # Thread Safety
//
// Safe for concurrent use.
type loopDetector struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	now       func() time.Time

	// seen maps "sessionID|from->to" to the recent observation times.
	seen map[string][]time.Time
}

func newLoopDetector(window time.Duration, threshold int) *loopDetector {
	return &loopDetector{
		window:    window,
		threshold: threshold,
		now:       time.Now,
		seen:      make(map[string][]time.Time),
	}
}

// observe records tr and reports whether the threshold is reached, in
// which case the caller must force the session to cancelled.
func (d *loopDetector) observe(sessionID string, tr datatypes.StateTransition) bool {
	if tr.ToState.Terminal() {
		return false
	}
	key := fmt.Sprintf("%s|%s->%s", sessionID, tr.FromState, tr.ToState)
	now := d.now()
	cutoff := now.Add(-d.window)

	d.mu.Lock()
	defer d.mu.Unlock()

	recent := d.seen[key][:0:len(d.seen[key])]
	for _, t := range d.seen[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	d.seen[key] = recent
	return len(recent) >= d.threshold
}

// forget drops all state for a session. Called when it concludes.
func (d *loopDetector) forget(sessionID string) {
	prefix := sessionID + "|"
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.seen {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(d.seen, key)
		}
	}
}
