// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// MemorySummaryStore is the in-process SummaryStore for tests and the
// lightweight mode.
type MemorySummaryStore struct {
	mu       sync.RWMutex
	sessions map[string][]datatypes.Summary
}

var _ SummaryStore = (*MemorySummaryStore)(nil)

// NewMemorySummaryStore returns an empty in-process summary store.
func NewMemorySummaryStore() *MemorySummaryStore {
	return &MemorySummaryStore{sessions: make(map[string][]datatypes.Summary)}
}

// Append implements SummaryStore.
func (s *MemorySummaryStore) Append(ctx context.Context, sum datatypes.Summary) error {
	if sum.ID == "" || sum.SessionID == "" {
		return errors.New("summary id and session id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sum.SessionID] = append(s.sessions[sum.SessionID], sum)
	return nil
}

// Current implements SummaryStore.
func (s *MemorySummaryStore) Current(ctx context.Context, sessionID string) (*datatypes.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := s.sessions[sessionID]
	if len(sums) == 0 {
		return nil, nil
	}
	out := sums[len(sums)-1]
	return &out, nil
}

// All implements SummaryStore.
func (s *MemorySummaryStore) All(ctx context.Context, sessionID string) ([]datatypes.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := s.sessions[sessionID]
	out := make([]datatypes.Summary, len(sums))
	copy(out, sums)
	return out, nil
}

// DeleteSession implements SummaryStore.
func (s *MemorySummaryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
