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
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/redact"
)

// MemorySemanticStore is the in-process SemanticStore for tests and the
// lightweight mode. It enforces the same fail-closed redaction gate and
// user isolation as the Weaviate store; only the index is naive.
type MemorySemanticStore struct {
	mu       sync.RWMutex
	embedder Embedder
	redactor *redact.Redactor
	users    map[string][]storedMemory
}

type storedMemory struct {
	mem datatypes.SemanticMemory
	vec []float32
}

var _ SemanticStore = (*MemorySemanticStore)(nil)

// NewMemorySemanticStore returns an empty in-process semantic store.
func NewMemorySemanticStore(embedder Embedder, redactor *redact.Redactor) (*MemorySemanticStore, error) {
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	if redactor == nil {
		return nil, errors.New("redactor must not be nil")
	}
	return &MemorySemanticStore{
		embedder: embedder,
		redactor: redactor,
		users:    make(map[string][]storedMemory),
	}, nil
}

// Upsert implements SemanticStore.
func (s *MemorySemanticStore) Upsert(ctx context.Context, userID, content string, metadata map[string]string) (string, error) {
	if userID == "" {
		return "", errors.New("user id must not be empty")
	}
	if err := ensureSafe(ctx, s.redactor, content); err != nil {
		return "", err
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", err
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	mem := datatypes.SemanticMemory{
		ID:       uuid.New().String(),
		UserID:   userID,
		Content:  content,
		Metadata: meta,
		Ts:       time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.users[userID] = append(s.users[userID], storedMemory{mem: mem, vec: vec})
	s.mu.Unlock()
	return mem.ID, nil
}

// Search implements SemanticStore.
func (s *MemorySemanticStore) Search(ctx context.Context, userID, query string, k int) ([]datatypes.SemanticMemory, error) {
	if userID == "" {
		return nil, errors.New("user id must not be empty")
	}
	if k <= 0 {
		return nil, nil
	}

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	rows := s.users[userID]
	scored := make([]datatypes.SemanticMemory, 0, len(rows))
	for _, row := range rows {
		mem := row.mem
		mem.Score = cosine(qvec, row.vec)
		scored = append(scored, mem)
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Delete implements SemanticStore.
func (s *MemorySemanticStore) Delete(ctx context.Context, userID, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.users[userID]
	for i, row := range rows {
		if row.mem.ID == memoryID {
			s.users[userID] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return nil
}

// DeleteAll implements SemanticStore.
func (s *MemorySemanticStore) DeleteAll(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	return nil
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
