// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session is the single source of truth for contract state. The
// Store is the only code path that writes a SessionContext to durable
// storage, and every write runs the same protocol: validate, write in a
// transaction, read the row back and compare, commit, then refresh the
// cache. The read-back exists because the bug class this service replaced
// was a second writer silently persisting a different state; a cheap
// compare inside the transaction turns that silence into a conflict.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lucerne-ai/concierge/services/assistant/constraint"
	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

var tracer = otel.Tracer("concierge.session")

// ErrNotFound is returned by Load when no context exists for the id.
var ErrNotFound = errors.New("session not found")

// Info is the listing row for admin and retention surfaces.
type Info struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id,omitempty"`
	State     datatypes.State `json:"state"`
	UpdatedAt int64           `json:"updated_at"`
}

// Backend is the durable storage contract. Load returns the serialized
// map form so the store can apply schema upgraders before decoding. Save
// must write and read back transactionally, comparing state,
// refinement_attempts, and the result count, and report a conflict fault
// on mismatch.
type Backend interface {
	Load(ctx context.Context, sessionID string) (map[string]any, error)
	Save(ctx context.Context, sc *datatypes.SessionContext) error
	Delete(ctx context.Context, sessionID string) error
	Touch(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]Info, error)
	ListIdle(ctx context.Context, updatedBefore int64) ([]Info, error)
}

// compareReadBack is the shared comparison all backends apply between
// write and commit.
func compareReadBack(want *datatypes.SessionContext, state datatypes.State, attempts, resultCount int) error {
	if state != want.State || attempts != want.RefinementAttempts || resultCount != len(want.SearchResults) {
		return datatypes.NewFault(datatypes.FaultConflict, "session.save",
			fmt.Errorf("read-back mismatch: stored (%s, %d attempts, %d results), wrote (%s, %d attempts, %d results)",
				state, attempts, resultCount,
				want.State, want.RefinementAttempts, len(want.SearchResults)))
	}
	return nil
}

// Config tunes the store. Zero values take defaults.
type Config struct {
	// CacheSize caps the in-process context cache.
	CacheSize int

	// CacheTTL expires cached contexts.
	CacheTTL time.Duration

	// LockQueueDepth bounds how many turns may wait behind the holder of
	// a session lock before further turns are refused busy.
	LockQueueDepth int
}

func (c *Config) applyDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.LockQueueDepth <= 0 {
		c.LockQueueDepth = 4
	}
}

// Store mediates all SessionContext persistence.
//
// # Thread Safety
//
// Safe for concurrent use. Cross-session operations run in parallel;
// same-session mutation is serialized by the per-session lock.
type Store struct {
	backend   Backend
	cache     *contextCache
	locks     *lockRegistry
	upgraders map[int]Upgrader
	log       *slog.Logger
}

// NewStore wires a Store over the given backend.
func NewStore(backend Backend, cfg Config) *Store {
	cfg.applyDefaults()
	return &Store{
		backend:   backend,
		cache:     newContextCache(cfg.CacheSize, cfg.CacheTTL),
		locks:     newLockRegistry(cfg.LockQueueDepth),
		upgraders: defaultUpgraders(),
		log:       slog.Default().With("component", "session_store"),
	}
}

// RegisterUpgrader installs or replaces the upgrader for a schema
// version. Intended for migration tooling; the standard chain is already
// registered.
func (s *Store) RegisterUpgrader(fromVersion int, up Upgrader) {
	s.upgraders[fromVersion] = up
}

// Load returns the context for sessionID, serving the cache when fresh.
// Callers that hold the session lock should prefer WithSession, which
// reads through to storage.
func (s *Store) Load(ctx context.Context, sessionID string) (*datatypes.SessionContext, error) {
	if sc, ok := s.cache.get(sessionID); ok {
		return sc, nil
	}
	return s.loadThrough(ctx, sessionID)
}

// loadThrough bypasses the cache, applies upgraders, validates, and
// refreshes the cache.
func (s *Store) loadThrough(ctx context.Context, sessionID string) (*datatypes.SessionContext, error) {
	ctx, span := tracer.Start(ctx, "SessionStore.Load")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	m, err := s.backend.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	storedVersion := schemaVersionOf(m)
	m, err = upgrade(m, s.upgraders)
	if err != nil {
		return nil, datatypes.NewFault(datatypes.FaultValidation, "session.load", err)
	}
	if storedVersion != datatypes.CurrentSchemaVersion {
		s.log.Info("upgraded session schema on load",
			"session_id", sessionID,
			"from_version", storedVersion,
			"to_version", datatypes.CurrentSchemaVersion)
	}

	sc, err := datatypes.SessionContextFromMap(m)
	if err != nil {
		return nil, datatypes.NewFault(datatypes.FaultValidation, "session.load", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, datatypes.NewFault(datatypes.FaultValidation, "session.load", err)
	}

	s.cache.put(sessionID, sc)
	return sc, nil
}

// Save runs the atomic save protocol. A read-back conflict is retried
// once before being surfaced; validation failures never reach storage.
func (s *Store) Save(ctx context.Context, sc *datatypes.SessionContext) error {
	ctx, span := tracer.Start(ctx, "SessionStore.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sc.SessionID),
		attribute.String("session.state", string(sc.State)),
	)

	if err := sc.Validate(); err != nil {
		return datatypes.NewFault(datatypes.FaultValidation, "session.save", err)
	}
	// Persisted results must satisfy the hard constraints under the same
	// evaluator the filter stage uses.
	if err := constraint.VerifyResults(sc.SearchResults, sc.HardConstraints); err != nil {
		return datatypes.NewFault(datatypes.FaultValidation, "session.save", err)
	}

	sc.Touch()
	err := s.backend.Save(ctx, sc)
	if datatypes.IsKind(err, datatypes.FaultConflict) {
		s.log.Warn("session save read-back conflict, retrying once",
			"session_id", sc.SessionID, "error", err)
		err = s.backend.Save(ctx, sc)
	}
	if err != nil {
		return err
	}

	s.cache.put(sc.SessionID, sc)
	return nil
}

// Delete removes the context from storage and cache. Callers that might
// race a turn should use Evict, which takes the session lock first.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.backend.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.cache.remove(sessionID)
	return nil
}

// WithSession serializes fn against all other turns for the session:
// acquire the lock, read through to storage, run fn on a mutable context,
// and persist on nil return. fn's error aborts the write and is returned
// unchanged.
func (s *Store) WithSession(ctx context.Context, sessionID string, fn func(*datatypes.SessionContext) error) error {
	return s.withSession(ctx, sessionID, "", false, fn)
}

// WithSessionOrNew is WithSession for entry points that may be the
// session's first turn: a missing context starts a fresh one in the start
// state rather than failing.
func (s *Store) WithSessionOrNew(ctx context.Context, sessionID, userID string, fn func(*datatypes.SessionContext) error) error {
	return s.withSession(ctx, sessionID, userID, true, fn)
}

func (s *Store) withSession(ctx context.Context, sessionID, userID string, createMissing bool, fn func(*datatypes.SessionContext) error) error {
	release, err := s.locks.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	sc, err := s.loadThrough(ctx, sessionID)
	if errors.Is(err, ErrNotFound) && createMissing {
		sc = datatypes.NewSessionContext(sessionID, userID)
		err = nil
	}
	if err != nil {
		return err
	}

	if err := fn(sc); err != nil {
		return err
	}
	return s.Save(ctx, sc)
}

// Evict takes the session lock without queueing, then deletes the
// context. A session in the middle of a turn reports busy instead of
// being pulled out from under its turn.
func (s *Store) Evict(ctx context.Context, sessionID string) error {
	release, err := s.locks.tryAcquire(sessionID)
	if err != nil {
		return err
	}
	defer release()
	return s.Delete(ctx, sessionID)
}

// Touch refreshes the session's activity timestamp without a full save.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	if err := s.backend.Touch(ctx, sessionID); err != nil {
		return err
	}
	// The cached copy keeps its old updated_at; drop it rather than
	// patch it so the next read sees storage.
	s.cache.remove(sessionID)
	return nil
}

// List returns the sessions known to the backend, newest first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	return s.backend.List(ctx)
}

// ListIdle returns sessions whose last activity predates updatedBefore.
func (s *Store) ListIdle(ctx context.Context, updatedBefore int64) ([]Info, error) {
	return s.backend.ListIdle(ctx, updatedBefore)
}

// InFlight reports how many turns currently hold or wait on the session
// lock. Exposed for metrics.
func (s *Store) InFlight(sessionID string) int {
	return s.locks.inFlight(sessionID)
}

// CachedSessions reports the context cache size. Exposed for metrics.
func (s *Store) CachedSessions() int {
	return s.cache.len()
}
