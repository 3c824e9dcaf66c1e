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
	"container/list"
	"sync"
	"time"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// contextCache is a small LRU with per-entry TTL in front of the durable
// backend. Entries are cloned on the way in and out; the cache never hands
// two callers the same SessionContext pointer.
type contextCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

type cacheEntry struct {
	key       string
	ctx       *datatypes.SessionContext
	expiresAt time.Time
}

func newContextCache(capacity int, ttl time.Duration) *contextCache {
	if capacity <= 0 {
		capacity = 512
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &contextCache{
		cap:     capacity,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (c *contextCache) get(sessionID string) (*datatypes.SessionContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, sessionID)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.ctx.Clone(), true
}

func (c *contextCache) put(sessionID string, ctx *datatypes.SessionContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{
		key:       sessionID,
		ctx:       ctx.Clone(),
		expiresAt: c.now().Add(c.ttl),
	}
	if el, ok := c.entries[sessionID]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}
	c.entries[sessionID] = c.order.PushFront(entry)
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *contextCache) remove(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[sessionID]; ok {
		c.order.Remove(el)
		delete(c.entries, sessionID)
	}
}

func (c *contextCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// setClock swaps the time source for expiry tests.
func (c *contextCache) setClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
