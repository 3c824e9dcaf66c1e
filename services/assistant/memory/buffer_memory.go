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
	"sync"
	"time"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// MemoryBuffer is the in-process BufferStore for tests and the
// lightweight single-node mode. Semantics match RedisBuffer, including
// the sliding TTL and the non-silent overflow receipt.
type MemoryBuffer struct {
	mu       sync.Mutex
	cfg      BufferConfig
	sessions map[string]*bufferEntry
	now      func() time.Time
}

type bufferEntry struct {
	msgs      []datatypes.Message
	tokens    int
	seq       int64
	expiresAt time.Time
}

var _ BufferStore = (*MemoryBuffer)(nil)

// NewMemoryBuffer returns an empty in-process buffer.
func NewMemoryBuffer(cfg BufferConfig) *MemoryBuffer {
	cfg.applyDefaults()
	return &MemoryBuffer{
		cfg:      cfg,
		sessions: make(map[string]*bufferEntry),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Test hook for TTL behavior.
func (b *MemoryBuffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// entry returns the live entry for the session, dropping it first if the
// TTL has lapsed. Callers hold b.mu.
func (b *MemoryBuffer) entry(sessionID string) *bufferEntry {
	e, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	if b.now().After(e.expiresAt) {
		delete(b.sessions, sessionID)
		return nil
	}
	return e
}

// Append implements BufferStore.
func (b *MemoryBuffer) Append(ctx context.Context, sessionID string, msg datatypes.Message) (datatypes.AppendReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(sessionID)
	if e == nil {
		e = &bufferEntry{}
		b.sessions[sessionID] = e
	}

	e.seq++
	msg.Seq = e.seq
	e.msgs = append(e.msgs, msg)
	e.tokens += EstimateTokens(msg.Content)
	e.expiresAt = b.now().Add(b.cfg.TTL)

	return receiptFor(e.seq, len(e.msgs), e.tokens, b.cfg), nil
}

// Tail implements BufferStore.
func (b *MemoryBuffer) Tail(ctx context.Context, sessionID string, n int) ([]datatypes.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(sessionID)
	if e == nil || n <= 0 {
		return nil, nil
	}
	start := len(e.msgs) - n
	if start < 0 {
		start = 0
	}
	out := make([]datatypes.Message, len(e.msgs)-start)
	copy(out, e.msgs[start:])
	return out, nil
}

// Oldest implements BufferStore.
func (b *MemoryBuffer) Oldest(ctx context.Context, sessionID string, n int) ([]datatypes.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(sessionID)
	if e == nil || n <= 0 {
		return nil, nil
	}
	if n > len(e.msgs) {
		n = len(e.msgs)
	}
	out := make([]datatypes.Message, n)
	copy(out, e.msgs[:n])
	return out, nil
}

// TokenCount implements BufferStore.
func (b *MemoryBuffer) TokenCount(ctx context.Context, sessionID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(sessionID)
	if e == nil {
		return 0, nil
	}
	return e.tokens, nil
}

// TrimOldest implements BufferStore.
func (b *MemoryBuffer) TrimOldest(ctx context.Context, sessionID string, k int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(sessionID)
	if e == nil || k <= 0 {
		return 0, nil
	}
	if k > len(e.msgs) {
		k = len(e.msgs)
	}
	for _, m := range e.msgs[:k] {
		e.tokens -= EstimateTokens(m.Content)
	}
	if e.tokens < 0 {
		e.tokens = 0
	}
	e.msgs = append([]datatypes.Message(nil), e.msgs[k:]...)
	return k, nil
}

// Clear implements BufferStore.
func (b *MemoryBuffer) Clear(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
	return nil
}
