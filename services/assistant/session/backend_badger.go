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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

const badgerSessionPrefix = "session:"

// BadgerConfig configures the embedded backend.
type BadgerConfig struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string

	// InMemory skips disk persistence. Test and dev use.
	InMemory bool

	// SyncWrites trades write latency for durability. On by default for
	// persistent databases.
	SyncWrites bool

	// Logger receives badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// BadgerBackend persists contexts in an embedded BadgerDB. Deployments
// without a Postgres reach for this: same Backend contract, ~100us local
// access, single-writer semantics enforced by the store's locks.
type BadgerBackend struct {
	db *badger.DB
}

var _ Backend = (*BadgerBackend)(nil)

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerBackend opens the database described by cfg. Caller must Close.
func NewBadgerBackend(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent badger backend")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func sessionKey(sessionID string) []byte {
	return []byte(badgerSessionPrefix + sessionID)
}

// Load implements Backend.
func (b *BadgerBackend) Load(ctx context.Context, sessionID string) (map[string]any, error) {
	var m map[string]any
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, datatypes.NewFault(datatypes.FaultIO, "session.load", err)
	}
	return m, nil
}

// Save implements Backend. The set and the read-back comparison share one
// Update transaction; badger reads its own pending writes, so the get
// sees exactly what would be committed.
func (b *BadgerBackend) Save(ctx context.Context, sc *datatypes.SessionContext) error {
	blob, err := json.Marshal(sc)
	if err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.save", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		key := sessionKey(sc.SessionID)
		if err := txn.Set(key, blob); err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var stored datatypes.SessionContext
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}
		return compareReadBack(sc, stored.State, stored.RefinementAttempts, len(stored.SearchResults))
	})
	if err != nil && !datatypes.IsKind(err, datatypes.FaultConflict) {
		return datatypes.NewFault(datatypes.FaultIO, "session.save", err)
	}
	return err
}

// Delete implements Backend.
func (b *BadgerBackend) Delete(ctx context.Context, sessionID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(sessionID))
	})
	if err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.delete", err)
	}
	return nil
}

// Touch implements Backend.
func (b *BadgerBackend) Touch(ctx context.Context, sessionID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		key := sessionKey(sessionID)
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var sc datatypes.SessionContext
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sc)
		}); err != nil {
			return err
		}
		sc.UpdatedAt = time.Now().UnixMilli()
		blob, err := json.Marshal(&sc)
		if err != nil {
			return err
		}
		return txn.Set(key, blob)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return datatypes.NewFault(datatypes.FaultIO, "session.touch", err)
	}
	return nil
}

// List implements Backend. Newest first.
func (b *BadgerBackend) List(ctx context.Context) ([]Info, error) {
	infos, err := b.scan(func(Info) bool { return true })
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt > infos[j].UpdatedAt })
	return infos, nil
}

// ListIdle implements Backend.
func (b *BadgerBackend) ListIdle(ctx context.Context, updatedBefore int64) ([]Info, error) {
	return b.scan(func(info Info) bool { return info.UpdatedAt < updatedBefore })
}

func (b *BadgerBackend) scan(keep func(Info) bool) ([]Info, error) {
	infos := make([]Info, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerSessionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sc datatypes.SessionContext
				if err := json.Unmarshal(val, &sc); err != nil {
					return nil
				}
				info := Info{
					SessionID: sc.SessionID,
					UserID:    sc.UserID,
					State:     sc.State,
					UpdatedAt: sc.UpdatedAt,
				}
				if keep(info) {
					infos = append(infos, info)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, datatypes.NewFault(datatypes.FaultIO, "session.list", err)
	}
	return infos, nil
}

// GC runs one value-log garbage collection pass. The retention sweeper
// calls this each cycle; badger returns an error when nothing needed
// collecting, which is not a failure.
func (b *BadgerBackend) GC(ratio float64) error {
	err := b.db.RunValueLogGC(ratio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		return err
	}
	return nil
}

// Close releases the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
