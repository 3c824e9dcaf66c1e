// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// lockRegistry hands out per-session mutual exclusion with a bounded wait
// queue. One turn holds a session's gate; up to queueDepth more may wait;
// anything beyond that is turned away with a busy fault instead of piling
// up goroutines.
type lockRegistry struct {
	mu         sync.Mutex
	gates      map[string]*gate
	queueDepth int
}

// gate is a capacity-1 channel used as a mutex plus a membership counter.
// count covers the holder and every queued waiter; a gate is removed from
// the registry only when count reaches zero, so a blocked waiter can never
// race a fresh gate for the same session.
type gate struct {
	ch    chan struct{}
	count int
}

func newLockRegistry(queueDepth int) *lockRegistry {
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &lockRegistry{
		gates:      make(map[string]*gate),
		queueDepth: queueDepth,
	}
}

// Acquire blocks until the session gate is held, the queue is full, or ctx
// ends. The returned release function must be called exactly once.
func (r *lockRegistry) Acquire(ctx context.Context, sessionID string) (func(), error) {
	r.mu.Lock()
	g, ok := r.gates[sessionID]
	if !ok {
		g = &gate{ch: make(chan struct{}, 1)}
		r.gates[sessionID] = g
	}
	if g.count >= 1+r.queueDepth {
		r.mu.Unlock()
		return nil, datatypes.NewFault(datatypes.FaultBusy, "session.lock",
			fmt.Errorf("session %s has %d turns in flight", sessionID, g.count))
	}
	g.count++
	r.mu.Unlock()

	select {
	case g.ch <- struct{}{}:
		return func() {
			<-g.ch
			r.drop(sessionID, g)
		}, nil
	case <-ctx.Done():
		r.drop(sessionID, g)
		return nil, datatypes.NewFault(datatypes.FaultIO, "session.lock", ctx.Err())
	}
}

// tryAcquire takes the session gate only if it is free right now. A held
// gate reports busy immediately instead of queueing.
func (r *lockRegistry) tryAcquire(sessionID string) (func(), error) {
	r.mu.Lock()
	g, ok := r.gates[sessionID]
	if !ok {
		g = &gate{ch: make(chan struct{}, 1)}
		r.gates[sessionID] = g
	}
	g.count++
	r.mu.Unlock()

	select {
	case g.ch <- struct{}{}:
		return func() {
			<-g.ch
			r.drop(sessionID, g)
		}, nil
	default:
		r.drop(sessionID, g)
		return nil, datatypes.NewFault(datatypes.FaultBusy, "session.lock",
			fmt.Errorf("session %s is mid-turn", sessionID))
	}
}

func (r *lockRegistry) drop(sessionID string, g *gate) {
	r.mu.Lock()
	g.count--
	if g.count == 0 {
		delete(r.gates, sessionID)
	}
	r.mu.Unlock()
}

// inFlight reports the holder-plus-waiter count for a session.
func (r *lockRegistry) inFlight(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gates[sessionID]; ok {
		return g.count
	}
	return 0
}
