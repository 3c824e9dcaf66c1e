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
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

const summarySchema = `
CREATE TABLE IF NOT EXISTS summaries (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	body           TEXT NOT NULL,
	covered_seqs   BIGINT[] NOT NULL DEFAULT '{}',
	token_estimate INT NOT NULL DEFAULT 0,
	degraded       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_session_created
	ON summaries (session_id, created_at);
`

// PostgresSummaryStore is the durable SummaryStore.
//
// # Description
//
// Summaries append into a single table; the newest row per session is the
// current summary. A write-through in-process cache keeps Current() off
// the database on the hot path. The store shares the caller's *sql.DB so
// the session backend and summaries ride one connection pool.
//
// # Thread Safety
//
// Safe for concurrent use.
type PostgresSummaryStore struct {
	db *sql.DB

	mu      sync.RWMutex
	current map[string]datatypes.Summary
}

var _ SummaryStore = (*PostgresSummaryStore)(nil)

// NewPostgresSummaryStore verifies connectivity and creates the schema.
func NewPostgresSummaryStore(ctx context.Context, db *sql.DB) (*PostgresSummaryStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, summarySchema); err != nil {
		return nil, fmt.Errorf("create summaries schema: %w", err)
	}
	return &PostgresSummaryStore{
		db:      db,
		current: make(map[string]datatypes.Summary),
	}, nil
}

// Append implements SummaryStore. The cache is updated only after the
// insert succeeds, so a failed write never fakes a current summary.
func (s *PostgresSummaryStore) Append(ctx context.Context, sum datatypes.Summary) error {
	if sum.ID == "" || sum.SessionID == "" {
		return errors.New("summary id and session id are required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (id, session_id, body, covered_seqs, token_estimate, degraded, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sum.ID, sum.SessionID, sum.Text, pq.Array(sum.CoveredMessageIDs),
		sum.TokenEstimate, sum.Degraded, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("append summary for %s: %w", sum.SessionID, err)
	}

	s.mu.Lock()
	s.current[sum.SessionID] = sum
	s.mu.Unlock()
	return nil
}

// Current implements SummaryStore.
func (s *PostgresSummaryStore) Current(ctx context.Context, sessionID string) (*datatypes.Summary, error) {
	s.mu.RLock()
	if sum, ok := s.current[sessionID]; ok {
		s.mu.RUnlock()
		out := sum
		return &out, nil
	}
	s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, body, covered_seqs, token_estimate, degraded, created_at
		 FROM summaries WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID)

	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current summary for %s: %w", sessionID, err)
	}

	s.mu.Lock()
	s.current[sessionID] = sum
	s.mu.Unlock()
	out := sum
	return &out, nil
}

// All implements SummaryStore.
func (s *PostgresSummaryStore) All(ctx context.Context, sessionID string) ([]datatypes.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, body, covered_seqs, token_estimate, degraded, created_at
		 FROM summaries WHERE session_id = $1
		 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load summaries for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []datatypes.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries for %s: %w", sessionID, err)
	}
	return out, nil
}

// DeleteSession implements SummaryStore.
func (s *PostgresSummaryStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM summaries WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete summaries for %s: %w", sessionID, err)
	}
	s.mu.Lock()
	delete(s.current, sessionID)
	s.mu.Unlock()
	return nil
}

// Ping reports backend reachability. Used by the health probe.
func (s *PostgresSummaryStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (datatypes.Summary, error) {
	var sum datatypes.Summary
	var covered pq.Int64Array
	err := row.Scan(&sum.ID, &sum.SessionID, &sum.Text, &covered,
		&sum.TokenEstimate, &sum.Degraded, &sum.CreatedAt)
	if err != nil {
		return datatypes.Summary{}, err
	}
	sum.CoveredMessageIDs = []int64(covered)
	return sum, nil
}
