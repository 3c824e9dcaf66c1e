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
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// MemoryBackend keeps serialized contexts in a map. Single-node dev mode
// and tests. Save performs the same write-then-read-back comparison the
// durable backends do, against the bytes actually stored.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string][]byte)}
}

// Load implements Backend.
func (b *MemoryBackend) Load(ctx context.Context, sessionID string) (map[string]any, error) {
	b.mu.RLock()
	blob, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, datatypes.NewFault(datatypes.FaultIO, "session.load", err)
	}
	return m, nil
}

// Save implements Backend.
func (b *MemoryBackend) Save(ctx context.Context, sc *datatypes.SessionContext) error {
	blob, err := json.Marshal(sc)
	if err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.save", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sc.SessionID] = blob

	var stored datatypes.SessionContext
	if err := json.Unmarshal(b.sessions[sc.SessionID], &stored); err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.save", err)
	}
	return compareReadBack(sc, stored.State, stored.RefinementAttempts, len(stored.SearchResults))
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	return nil
}

// Touch implements Backend.
func (b *MemoryBackend) Touch(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	blob, ok := b.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	var sc datatypes.SessionContext
	if err := json.Unmarshal(blob, &sc); err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.touch", err)
	}
	sc.UpdatedAt = time.Now().UnixMilli()
	updated, err := json.Marshal(&sc)
	if err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.touch", err)
	}
	b.sessions[sessionID] = updated
	return nil
}

// List implements Backend. Newest first.
func (b *MemoryBackend) List(ctx context.Context) ([]Info, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]Info, 0, len(b.sessions))
	for _, blob := range b.sessions {
		var sc datatypes.SessionContext
		if err := json.Unmarshal(blob, &sc); err != nil {
			continue
		}
		infos = append(infos, Info{
			SessionID: sc.SessionID,
			UserID:    sc.UserID,
			State:     sc.State,
			UpdatedAt: sc.UpdatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt > infos[j].UpdatedAt })
	return infos, nil
}

// ListIdle implements Backend.
func (b *MemoryBackend) ListIdle(ctx context.Context, updatedBefore int64) ([]Info, error) {
	all, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	idle := make([]Info, 0)
	for _, info := range all {
		if info.UpdatedAt < updatedBefore {
			idle = append(idle, info)
		}
	}
	return idle, nil
}
