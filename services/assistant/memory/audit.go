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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// ObjectSink is the write-only backend behind the audit recorder. The
// recorder only ever appends; deletion belongs to backend lifecycle
// rules, never to application code.
type ObjectSink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// =============================================================================
// Recorder
// =============================================================================

// AuditConfig bounds the async audit pipeline. Zero values take the
// defaults.
type AuditConfig struct {
	// QueueSize bounds the in-flight artifact queue. Default: 256.
	QueueSize int

	// Workers is the upload worker count. Default: 2.
	Workers int

	// RetryAttempts is the number of re-uploads after the first failure.
	// Default: 3.
	RetryAttempts int

	// RetryBackoff is the initial backoff, doubled per attempt.
	// Default: 200ms.
	RetryBackoff time.Duration

	// PutTimeout bounds a single upload. Default: 10s.
	PutTimeout time.Duration

	// Logger for recorder operations. Default: slog.Default().
	Logger *slog.Logger
}

func (c *AuditConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.PutTimeout <= 0 {
		c.PutTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// AuditRecorder is the production AuditStore.
//
// # Description
//
// Record enqueues and returns; workers marshal, seal, and upload in the
// background with bounded retry. A full queue or an exhausted retry
// budget lands the artifact in the local dead-letter spool instead of
// blocking or losing it. One object per artifact, partitioned
// kind/session/date, because object stores are immutable per object.
//
// # Thread Safety
//
// Safe for concurrent use.
type AuditRecorder struct {
	cfg    AuditConfig
	sink   ObjectSink
	sealer *Sealer
	spool  *Spool
	log    *slog.Logger

	mu     sync.RWMutex
	closed bool

	queue    chan datatypes.AuditArtifact
	pending  sync.WaitGroup
	workerWg sync.WaitGroup

	dropped atomic.Int64
	spooled atomic.Int64
}

var _ AuditStore = (*AuditRecorder)(nil)

// NewAuditRecorder starts the upload workers.
//
// # Inputs
//
//   - sink: upload target. Must not be nil.
//   - sealer: payload encryption. Nil stores artifacts in the clear;
//     only the lightweight mode does that.
//   - spool: dead-letter target. Nil downgrades dead-lettering to a
//     logged drop.
func NewAuditRecorder(cfg AuditConfig, sink ObjectSink, sealer *Sealer, spool *Spool) (*AuditRecorder, error) {
	if sink == nil {
		return nil, errors.New("sink must not be nil")
	}
	cfg.applyDefaults()

	r := &AuditRecorder{
		cfg:    cfg,
		sink:   sink,
		sealer: sealer,
		spool:  spool,
		log:    cfg.Logger,
		queue:  make(chan datatypes.AuditArtifact, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		r.workerWg.Add(1)
		go r.worker()
	}
	return r, nil
}

// Record implements AuditStore.
func (r *AuditRecorder) Record(ctx context.Context, art datatypes.AuditArtifact) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return errors.New("audit recorder is closed")
	}
	if art.CreatedAt == 0 {
		art.CreatedAt = time.Now().UnixMilli()
	}
	r.pending.Add(1)
	select {
	case r.queue <- art:
		r.mu.RUnlock()
		return nil
	default:
	}
	r.mu.RUnlock()

	// Queue full. The turn path must not wait on object storage, so the
	// artifact goes straight to the spool.
	r.pending.Done()
	r.dropped.Add(1)
	r.spoolArtifact(art)
	return nil
}

// Flush implements AuditStore.
func (r *AuditRecorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements AuditStore.
func (r *AuditRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many artifacts skipped the queue because it was
// full. Exported to the metrics layer.
func (r *AuditRecorder) Dropped() int64 { return r.dropped.Load() }

// Spooled returns how many artifacts went to the dead-letter spool.
func (r *AuditRecorder) Spooled() int64 { return r.spooled.Load() }

func (r *AuditRecorder) worker() {
	defer r.workerWg.Done()
	for art := range r.queue {
		r.deliver(art)
	}
}

func (r *AuditRecorder) deliver(art datatypes.AuditArtifact) {
	defer r.pending.Done()

	data, name, err := r.encode(art)
	if err != nil {
		r.log.Error("Dropping unencodable audit artifact",
			"session_id", art.SessionID,
			"kind", art.Kind,
			"error", err)
		return
	}

	backoff := r.cfg.RetryBackoff
	for attempt := 0; attempt <= r.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PutTimeout)
		err = r.sink.Put(ctx, name, data)
		cancel()
		if err == nil {
			return
		}
		r.log.Warn("Audit upload failed",
			"object", name,
			"attempt", attempt+1,
			"error", err)
	}

	r.spoolBytes(name, data)
}

func (r *AuditRecorder) encode(art datatypes.AuditArtifact) ([]byte, string, error) {
	payload, err := json.Marshal(art)
	if err != nil {
		return nil, "", fmt.Errorf("marshal audit artifact: %w", err)
	}
	sealed := r.sealer != nil
	if sealed {
		payload, err = r.sealer.Seal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("seal audit artifact: %w", err)
		}
	}
	return payload, auditObjectName(art, sealed), nil
}

func (r *AuditRecorder) spoolArtifact(art datatypes.AuditArtifact) {
	data, name, err := r.encode(art)
	if err != nil {
		r.log.Error("Dropping unencodable audit artifact",
			"session_id", art.SessionID,
			"kind", art.Kind,
			"error", err)
		return
	}
	r.spoolBytes(name, data)
}

func (r *AuditRecorder) spoolBytes(name string, data []byte) {
	if r.spool == nil {
		r.log.Error("Audit artifact lost: no dead-letter spool configured", "object", name)
		return
	}
	if err := r.spool.Put(name, data); err != nil {
		r.log.Error("Audit artifact lost: spool write failed", "object", name, "error", err)
		return
	}
	r.spooled.Add(1)
}

// auditObjectName builds the object key. One object per artifact under
// a kind/session/date partition.
func auditObjectName(art datatypes.AuditArtifact, sealed bool) string {
	t := time.UnixMilli(art.CreatedAt).UTC()
	name := fmt.Sprintf("%s_logs/%s/%s/%d_%s.json",
		sanitizeComponent(art.Kind),
		sanitizeComponent(art.SessionID),
		t.Format("2006/01/02"),
		art.CreatedAt,
		uuid.New().String())
	if sealed {
		name += ".enc"
	}
	return name
}

// sanitizeComponent keeps object keys flat: session ids are caller
// input and must not be able to climb out of their partition.
func sanitizeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// =============================================================================
// Local sinks
// =============================================================================

// FSObjectSink writes objects under a local root directory. It backs the
// lightweight mode and the dead-letter spool.
type FSObjectSink struct {
	root string
}

var _ ObjectSink = (*FSObjectSink)(nil)

// NewFSObjectSink creates root if needed.
func NewFSObjectSink(root string) (*FSObjectSink, error) {
	if root == "" {
		return nil, errors.New("root directory must not be empty")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory %s: %w", root, err)
	}
	return &FSObjectSink{root: root}, nil
}

// Put implements ObjectSink.
func (s *FSObjectSink) Put(ctx context.Context, name string, data []byte) error {
	full := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fmt.Errorf("create audit partition for %s: %w", name, err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return fmt.Errorf("write audit object %s: %w", name, err)
	}
	return nil
}

// Spool is the dead-letter directory for artifacts that could not be
// uploaded. Drain re-drives its contents into a sink, typically at
// startup once the backend is reachable again.
type Spool struct {
	sink *FSObjectSink
	root string
}

// NewSpool creates the spool directory if needed.
func NewSpool(dir string) (*Spool, error) {
	sink, err := NewFSObjectSink(dir)
	if err != nil {
		return nil, err
	}
	return &Spool{sink: sink, root: dir}, nil
}

// Put writes one spooled artifact.
func (s *Spool) Put(name string, data []byte) error {
	return s.sink.Put(context.Background(), name, data)
}

// Len counts spooled artifacts.
func (s *Spool) Len() (int, error) {
	n := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}

// Drain uploads every spooled artifact to dest, removing each file on
// success. Returns how many were re-driven; stops at the first upload
// failure so the remainder stays spooled.
func (s *Spool) Drain(ctx context.Context, dest ObjectSink) (int, error) {
	moved := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read spooled artifact %s: %w", rel, err)
		}
		if err := dest.Put(ctx, filepath.ToSlash(rel), data); err != nil {
			return fmt.Errorf("re-drive spooled artifact %s: %w", rel, err)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove spooled artifact %s: %w", rel, err)
		}
		moved++
		return nil
	})
	return moved, err
}
