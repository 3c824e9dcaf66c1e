// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory implements the four conversational memory tiers:
//
//   - BufferStore: the per-session rolling message window (Redis or
//     in-process). Capped, TTL'd, and never trimmed silently.
//   - SummaryStore: the append-only rolling summaries (Postgres with a
//     write-through current-summary cache).
//   - SemanticStore: long-term per-user memories in Weaviate, guarded by
//     the redactor so raw PII can never reach the vector index.
//   - AuditStore: fire-and-forget compliance artifacts in object storage,
//     encrypted at rest, with retry and a dead-letter spool.
//
// Each tier has an in-process implementation alongside the production
// adapter so the engine and its tests can run without backing services.
package memory

import (
	"context"
	"time"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultMaxBufferMessages caps the per-session buffer length.
	DefaultMaxBufferMessages = 30

	// DefaultMaxBufferTokens caps the estimated token total of a buffer.
	DefaultMaxBufferTokens = 4000

	// DefaultBufferTTL is the sliding idle expiry applied on every append.
	DefaultBufferTTL = 12 * time.Hour
)

// EstimateTokens returns the conventional rough token estimate used by
// every tier: four characters per token, rounded up. All buffer caps,
// summary budgets, and overflow receipts use this one estimate so the
// thresholds agree with each other.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// =============================================================================
// Buffer tier
// =============================================================================

// BufferConfig bounds a BufferStore. Zero values take the defaults.
type BufferConfig struct {
	// MaxMessages is the message-count cap per session.
	MaxMessages int

	// MaxTokens is the estimated-token cap per session.
	MaxTokens int

	// TTL is the sliding idle expiry, refreshed on every append.
	TTL time.Duration
}

// DefaultBufferConfig returns the production buffer bounds.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		MaxMessages: DefaultMaxBufferMessages,
		MaxTokens:   DefaultMaxBufferTokens,
		TTL:         DefaultBufferTTL,
	}
}

func (c *BufferConfig) applyDefaults() {
	d := DefaultBufferConfig()
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
}

// receiptFor builds the append receipt from post-append totals. Both
// buffer implementations share it so overflow semantics cannot drift.
func receiptFor(seq int64, count, tokens int, cfg BufferConfig) datatypes.AppendReceipt {
	r := datatypes.AppendReceipt{Seq: seq}
	if count > cfg.MaxMessages || tokens > cfg.MaxTokens {
		r.Overflow = true
	}
	if tokens > cfg.MaxTokens {
		r.ExcessTokens = tokens - cfg.MaxTokens
	}
	return r
}

// BufferStore is the ephemeral per-session message window.
//
// # Description
//
// Appends preserve arrival order. When an append pushes the buffer past
// either cap the store reports it through the returned receipt and keeps
// the message; trimming is the caller's decision, never the store's.
// Sessions expire after the configured idle TTL.
//
// # Thread Safety
//
// Implementations are safe for concurrent use across sessions. TrimOldest
// callers for one session must serialize among themselves (the summarizer
// already does, via its per-session singleflight).
type BufferStore interface {
	// Append adds msg to the session's buffer, slides the TTL, and
	// reports the post-append totals through the receipt.
	Append(ctx context.Context, sessionID string, msg datatypes.Message) (datatypes.AppendReceipt, error)

	// Tail returns up to n most recent messages in chronological order.
	Tail(ctx context.Context, sessionID string, n int) ([]datatypes.Message, error)

	// Oldest returns up to n oldest messages in chronological order.
	Oldest(ctx context.Context, sessionID string, n int) ([]datatypes.Message, error)

	// TokenCount returns the estimated token total currently buffered.
	TokenCount(ctx context.Context, sessionID string) (int, error)

	// TrimOldest removes up to k oldest messages and returns how many
	// were actually removed.
	TrimOldest(ctx context.Context, sessionID string, k int) (int, error)

	// Clear drops the session's buffer entirely. Used by retention.
	Clear(ctx context.Context, sessionID string) error
}

// =============================================================================
// Summary tier
// =============================================================================

// SummaryStore keeps the append-only rolling summaries per session.
//
// # Description
//
// Append is write-through to the durable backend; Current prefers the
// in-process cache and falls back to the backend. The most recently
// appended summary is the current one.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type SummaryStore interface {
	// Append durably stores s and promotes it to the current summary.
	Append(ctx context.Context, s datatypes.Summary) error

	// Current returns the most recent summary, or nil when the session
	// has none.
	Current(ctx context.Context, sessionID string) (*datatypes.Summary, error)

	// All returns every summary for the session, oldest first.
	All(ctx context.Context, sessionID string) ([]datatypes.Summary, error)

	// DeleteSession drops all summaries for the session. Used by
	// retention and the user-data cascade.
	DeleteSession(ctx context.Context, sessionID string) error
}

// =============================================================================
// Semantic tier
// =============================================================================

// SemanticStore is the long-term per-user memory collection.
//
// # Description
//
// Upsert fails closed: content the redactor flags as unsafe is rejected
// with a FaultUnsafeContent and nothing is written. Content redacted
// beforehand passes automatically because a second pass finds nothing.
// Search is restricted to the caller's user and ranks by cosine
// similarity; one user's rows never appear in another user's results.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type SemanticStore interface {
	// Upsert stores content for the user and returns the memory id.
	Upsert(ctx context.Context, userID, content string, metadata map[string]string) (string, error)

	// Search returns the user's top-k memories by similarity to query.
	Search(ctx context.Context, userID, query string, k int) ([]datatypes.SemanticMemory, error)

	// Delete removes a single memory owned by the user.
	Delete(ctx context.Context, userID, memoryID string) error

	// DeleteAll removes every memory owned by the user.
	DeleteAll(ctx context.Context, userID string) error
}

// Embedder produces the vectors backing semantic search.
type Embedder interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector width, or 0 before the first call
	// when auto-detection is in use.
	Dimension() int
}

// =============================================================================
// Audit tier
// =============================================================================

// AuditStore records compliance artifacts off the turn path.
//
// # Description
//
// Record enqueues and returns immediately; a background worker encrypts
// and uploads with bounded retry, spooling to the local dead-letter
// directory when the backend stays down. Application code gets no delete
// operation; retention owns deletion through backend lifecycle rules.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type AuditStore interface {
	// Record enqueues art for delivery. It never blocks the caller: a
	// full queue spools the artifact locally instead of waiting.
	Record(ctx context.Context, art datatypes.AuditArtifact) error

	// Flush blocks until everything enqueued so far is delivered or
	// spooled, or ctx expires.
	Flush(ctx context.Context) error

	// Close flushes and stops the worker. The store is unusable after.
	Close(ctx context.Context) error
}
