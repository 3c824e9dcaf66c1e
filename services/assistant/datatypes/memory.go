// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Summary is one rolling-summarization result. Append-only per session;
// the newest summary supersedes older ones for prompt building, older
// ones stay for audit.
type Summary struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`

	// CoveredMessageIDs lists the buffer sequence numbers the summary
	// replaced, oldest first.
	CoveredMessageIDs []int64 `json:"covered_message_ids,omitempty"`

	// TokenEstimate is chars/4, the convention every tier shares.
	TokenEstimate int `json:"token_estimate"`

	// Degraded marks a concatenate-and-truncate fallback summary.
	Degraded bool `json:"degraded,omitempty"`

	// CreatedAt is Unix milliseconds UTC.
	CreatedAt int64 `json:"created_at"`
}

// SemanticMemory is one long-lived per-user memory row. The embedding
// dimension is fixed by the embedder (384 by default) and checked on
// upsert.
type SemanticMemory struct {
	ID       string            `json:"id"`
	UserID   string            `json:"user_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Score is the similarity score on search results, unset on upsert.
	Score float64 `json:"score,omitempty"`

	// Ts is Unix milliseconds UTC.
	Ts int64 `json:"ts"`
}

// Audit artifact kinds. Kind picks the object-store prefix.
const (
	AuditKindChat     = "chat"
	AuditKindFSM      = "fsm"
	AuditKindContract = "contract"
)

// AuditArtifact is one append-only compliance record. Payload is stored
// raw (encrypted at rest by the audit store); nothing here has been
// redacted, which is the point of the tier.
type AuditArtifact struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`

	// CreatedAt is Unix milliseconds UTC.
	CreatedAt int64 `json:"created_at"`
}

// NewAuditArtifact stamps an artifact with the current time.
func NewAuditArtifact(sessionID, userID, kind string, payload map[string]any) AuditArtifact {
	return AuditArtifact{
		SessionID: sessionID,
		UserID:    userID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// AppendReceipt is what the buffer store returns from an append. The
// store never trims on its own; it reports overflow and the
// orchestrator decides when to summarize.
type AppendReceipt struct {
	// Seq is the message's sequence number within the session buffer,
	// monotonically increasing from 1.
	Seq int64 `json:"seq"`

	// Overflow is true when the buffer exceeds either the message cap
	// or the token cap after this append.
	Overflow bool `json:"overflow"`

	// ExcessTokens is how far past the token cap the buffer sits, zero
	// when under the cap.
	ExcessTokens int `json:"excess_tokens"`
}
