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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id          TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL DEFAULT '',
    state               TEXT NOT NULL,
    context_blob        JSONB NOT NULL,
    schema_version      INT NOT NULL,
    refinement_attempts INT NOT NULL DEFAULT 0,
    result_count        INT NOT NULL DEFAULT 0,
    updated_at          BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions (updated_at);
`

// PostgresBackend persists contexts in the sessions table. The state,
// refinement counter, and result count live in their own columns so the
// read-back comparison and the admin listing never parse the blob.
type PostgresBackend struct {
	db *sql.DB
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend verifies connectivity and ensures the schema. The
// caller owns the *sql.DB; the summary store shares the same pool.
func NewPostgresBackend(ctx context.Context, db *sql.DB) (*PostgresBackend, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	if _, err := db.ExecContext(ctx, sessionSchema); err != nil {
		return nil, fmt.Errorf("ensuring sessions schema: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

// Load implements Backend.
func (b *PostgresBackend) Load(ctx context.Context, sessionID string) (map[string]any, error) {
	var blob []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT context_blob FROM sessions WHERE session_id = $1`, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, datatypes.NewFault(datatypes.FaultIO, "session.load", err)
	}
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, datatypes.NewFault(datatypes.FaultIO, "session.load", err)
	}
	return m, nil
}

// Save implements Backend. Upsert and read-back run in one transaction;
// a comparison mismatch rolls the write back and reports a conflict.
func (b *PostgresBackend) Save(ctx context.Context, sc *datatypes.SessionContext) error {
	blob, err := json.Marshal(sc)
	if err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.save", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.save", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions
			(session_id, user_id, state, context_blob, schema_version,
			 refinement_attempts, result_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id             = EXCLUDED.user_id,
			state               = EXCLUDED.state,
			context_blob        = EXCLUDED.context_blob,
			schema_version      = EXCLUDED.schema_version,
			refinement_attempts = EXCLUDED.refinement_attempts,
			result_count        = EXCLUDED.result_count,
			updated_at          = EXCLUDED.updated_at`,
		sc.SessionID, sc.UserID, string(sc.State), blob, sc.SchemaVersion,
		sc.RefinementAttempts, len(sc.SearchResults), sc.UpdatedAt)
	if err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.save", err)
	}

	var state string
	var attempts, resultCount int
	err = tx.QueryRowContext(ctx, `
		SELECT state, refinement_attempts, result_count
		FROM sessions WHERE session_id = $1`, sc.SessionID).
		Scan(&state, &attempts, &resultCount)
	if err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.save", err)
	}
	if err := compareReadBack(sc, datatypes.State(state), attempts, resultCount); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.save", err)
	}
	return nil
}

// Delete implements Backend.
func (b *PostgresBackend) Delete(ctx context.Context, sessionID string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.delete", err)
	}
	return nil
}

// Touch implements Backend.
func (b *PostgresBackend) Touch(ctx context.Context, sessionID string) error {
	now := time.Now().UnixMilli()
	res, err := b.db.ExecContext(ctx, `
		UPDATE sessions
		SET updated_at = $2,
		    context_blob = jsonb_set(context_blob, '{updated_at}', to_jsonb($2::bigint))
		WHERE session_id = $1`, sessionID, now)
	if err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.touch", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements Backend. Newest first, capped to keep the admin surface
// cheap on big tables.
func (b *PostgresBackend) List(ctx context.Context) ([]Info, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT session_id, user_id, state, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT 500`)
	if err != nil {
		return nil, datatypes.NewFault(datatypes.FaultIO, "session.list", err)
	}
	defer rows.Close()
	return scanInfos(rows)
}

// ListIdle implements Backend.
func (b *PostgresBackend) ListIdle(ctx context.Context, updatedBefore int64) ([]Info, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT session_id, user_id, state, updated_at
		FROM sessions WHERE updated_at < $1 ORDER BY updated_at ASC`, updatedBefore)
	if err != nil {
		return nil, datatypes.NewFault(datatypes.FaultIO, "session.list_idle", err)
	}
	defer rows.Close()
	return scanInfos(rows)
}

// Ping reports backend health for the readiness probe.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func scanInfos(rows *sql.Rows) ([]Info, error) {
	infos := make([]Info, 0)
	for rows.Next() {
		var info Info
		var state string
		if err := rows.Scan(&info.SessionID, &info.UserID, &state, &info.UpdatedAt); err != nil {
			return nil, datatypes.NewFault(datatypes.FaultIO, "session.list", err)
		}
		info.State = datatypes.State(state)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, datatypes.NewFault(datatypes.FaultIO, "session.list", err)
	}
	return infos, nil
}
