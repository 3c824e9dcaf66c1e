// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"sync"
	"time"
)

// Cache is the process-wide stage output cache. Keys are namespaced by
// pipeline and stage before they reach it, so one Cache serves every
// pipeline in the process.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// NewCache builds a Cache holding at most maxEntries live entries.
// Values of maxEntries below 1 take the default of 1024.
func NewCache(maxEntries int) *Cache {
	if maxEntries < 1 {
		maxEntries = 1024
	}
	return &Cache{
		entries:    make(map[string]cacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the live value for key, if any.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Put stores value under key for ttl. Non-positive ttl stores nothing.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(ttl)}
}

// evictLocked drops expired entries, and if none were expired, the entry
// closest to expiry. Called with c.mu held.
func (c *Cache) evictLocked() {
	now := c.now()
	var (
		soonestKey string
		soonest    time.Time
		dropped    bool
	)
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
			dropped = true
			continue
		}
		if soonestKey == "" || entry.expires.Before(soonest) {
			soonestKey = key
			soonest = entry.expires
		}
	}
	if !dropped && soonestKey != "" {
		delete(c.entries, soonestKey)
	}
}

// Len reports the number of stored entries, expired ones included until
// they are touched or evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetClock overrides the cache clock. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
