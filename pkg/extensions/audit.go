// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"time"
)

// AuditEvent is one request-level audit record. This is the inbound
// surface's operational trail, distinct from the assistant's compliance
// artifact store: events here describe who called what, not
// conversation content.
type AuditEvent struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time

	// UserID identifies the caller; empty for anonymous requests.
	UserID string

	// Action names the operation, e.g. "turn", "memories.delete",
	// "session.evict".
	Action string

	// Resource identifies what was acted on, e.g. a session id.
	Resource string

	// Outcome is "ok", "denied", or "error".
	Outcome string

	// Details carries action-specific fields.
	Details map[string]any
}

// AuditLogger receives request audit events.
//
// # Description
//
// Log must not block request handling; implementations buffer or drop
// under pressure. Flush drains any buffer, for shutdown.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Flush(ctx context.Context) error
}

// NopAuditLogger discards everything. The open-source default.
type NopAuditLogger struct{}

// Log implements AuditLogger.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

// Flush implements AuditLogger.
func (l *NopAuditLogger) Flush(_ context.Context) error { return nil }

var _ AuditLogger = (*NopAuditLogger)(nil)
