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
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// RedisBufferConfig configures the Redis-backed buffer.
type RedisBufferConfig struct {
	// Addr is the Redis host:port.
	Addr string

	// Password is optional.
	Password string

	// DB selects the Redis logical database.
	DB int

	// Buffer bounds. Zero values take the defaults.
	Buffer BufferConfig
}

// RedisBuffer is the production BufferStore.
//
// # Description
//
// Each session owns three keys: a list of JSON messages, an estimated
// token counter, and a sequence counter. All three share the sliding
// TTL, refreshed on append, so an idle session's buffer disappears as a
// unit. Token accounting uses IncrBy/DecrBy so trims and appends agree
// on the same counter.
//
// # Thread Safety
//
// Safe for concurrent use. Trims for one session must not race each
// other; the summarizer's per-session singleflight guarantees that.
type RedisBuffer struct {
	client *redis.Client
	cfg    BufferConfig
}

var _ BufferStore = (*RedisBuffer)(nil)

// NewRedisBuffer connects to Redis and verifies the connection.
func NewRedisBuffer(cfg RedisBufferConfig) (*RedisBuffer, error) {
	cfg.Buffer.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisBuffer{client: client, cfg: cfg.Buffer}, nil
}

func bufferKey(sessionID string) string       { return fmt.Sprintf("buffer:%s", sessionID) }
func bufferTokensKey(sessionID string) string { return fmt.Sprintf("buffer:%s:tokens", sessionID) }
func bufferSeqKey(sessionID string) string    { return fmt.Sprintf("buffer:%s:seq", sessionID) }

// Append implements BufferStore.
func (b *RedisBuffer) Append(ctx context.Context, sessionID string, msg datatypes.Message) (datatypes.AppendReceipt, error) {
	seq, err := b.client.Incr(ctx, bufferSeqKey(sessionID)).Result()
	if err != nil {
		return datatypes.AppendReceipt{}, fmt.Errorf("next buffer seq for %s: %w", sessionID, err)
	}
	msg.Seq = seq

	payload, err := json.Marshal(msg)
	if err != nil {
		return datatypes.AppendReceipt{}, fmt.Errorf("marshal buffered message: %w", err)
	}

	pipe := b.client.TxPipeline()
	lenCmd := pipe.RPush(ctx, bufferKey(sessionID), payload)
	tokCmd := pipe.IncrBy(ctx, bufferTokensKey(sessionID), int64(EstimateTokens(msg.Content)))
	pipe.Expire(ctx, bufferKey(sessionID), b.cfg.TTL)
	pipe.Expire(ctx, bufferTokensKey(sessionID), b.cfg.TTL)
	pipe.Expire(ctx, bufferSeqKey(sessionID), b.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return datatypes.AppendReceipt{}, fmt.Errorf("append to buffer %s: %w", sessionID, err)
	}

	return receiptFor(seq, int(lenCmd.Val()), int(tokCmd.Val()), b.cfg), nil
}

// Tail implements BufferStore.
func (b *RedisBuffer) Tail(ctx context.Context, sessionID string, n int) ([]datatypes.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := b.client.LRange(ctx, bufferKey(sessionID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read buffer tail for %s: %w", sessionID, err)
	}
	return decodeBuffered(raw)
}

// Oldest implements BufferStore.
func (b *RedisBuffer) Oldest(ctx context.Context, sessionID string, n int) ([]datatypes.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := b.client.LRange(ctx, bufferKey(sessionID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read buffer head for %s: %w", sessionID, err)
	}
	return decodeBuffered(raw)
}

// TokenCount implements BufferStore.
func (b *RedisBuffer) TokenCount(ctx context.Context, sessionID string) (int, error) {
	n, err := b.client.Get(ctx, bufferTokensKey(sessionID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read buffer token count for %s: %w", sessionID, err)
	}
	if n < 0 {
		// Counter drift after a partial trim; treat as empty rather than
		// propagate a negative estimate.
		return 0, nil
	}
	return n, nil
}

// TrimOldest implements BufferStore.
func (b *RedisBuffer) TrimOldest(ctx context.Context, sessionID string, k int) (int, error) {
	if k <= 0 {
		return 0, nil
	}

	victims, err := b.client.LRange(ctx, bufferKey(sessionID), 0, int64(k-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("read trim candidates for %s: %w", sessionID, err)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	var freed int64
	for _, item := range victims {
		var m datatypes.Message
		if err := json.Unmarshal([]byte(item), &m); err == nil {
			freed += int64(EstimateTokens(m.Content))
		}
	}

	pipe := b.client.TxPipeline()
	pipe.LTrim(ctx, bufferKey(sessionID), int64(len(victims)), -1)
	pipe.DecrBy(ctx, bufferTokensKey(sessionID), freed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("trim buffer %s: %w", sessionID, err)
	}

	return len(victims), nil
}

// Clear implements BufferStore.
func (b *RedisBuffer) Clear(ctx context.Context, sessionID string) error {
	keys := []string{bufferKey(sessionID), bufferTokensKey(sessionID), bufferSeqKey(sessionID)}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear buffer %s: %w", sessionID, err)
	}
	return nil
}

// Ping reports backend reachability. Used by the health probe.
func (b *RedisBuffer) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (b *RedisBuffer) Close() error {
	return b.client.Close()
}

func decodeBuffered(raw []string) ([]datatypes.Message, error) {
	msgs := make([]datatypes.Message, 0, len(raw))
	for _, item := range raw {
		var m datatypes.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode buffered message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
