// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	t.Parallel()

	cache := NewCache(8)
	cache.Put("k", 42, time.Minute)

	v, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = cache.Get("missing")
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	cache := NewCache(8)
	base := time.Now()
	cache.SetClock(func() time.Time { return base })
	cache.Put("k", "v", time.Hour)

	cache.SetClock(func() time.Time { return base.Add(59 * time.Minute) })
	_, ok := cache.Get("k")
	assert.True(t, ok)

	cache.SetClock(func() time.Time { return base.Add(61 * time.Minute) })
	_, ok = cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_NonPositiveTTLStoresNothing(t *testing.T) {
	t.Parallel()

	cache := NewCache(8)
	cache.Put("k", "v", 0)
	_, ok := cache.Get("k")
	assert.False(t, ok)
}

func TestCache_EvictsAtCapacity(t *testing.T) {
	t.Parallel()

	cache := NewCache(3)
	base := time.Now()
	cache.SetClock(func() time.Time { return base })

	// Distinct TTLs so the soonest-expiring entry is deterministic.
	cache.Put("short", 1, time.Minute)
	cache.Put("mid", 2, time.Hour)
	cache.Put("long", 3, 24*time.Hour)

	cache.Put("new", 4, time.Hour)
	assert.Equal(t, 3, cache.Len())

	_, ok := cache.Get("short")
	assert.False(t, ok, "soonest-expiring entry evicted")
	for _, key := range []string{"mid", "long", "new"} {
		_, ok := cache.Get(key)
		assert.True(t, ok, key)
	}
}

func TestCache_EvictionPrefersExpired(t *testing.T) {
	t.Parallel()

	cache := NewCache(3)
	base := time.Now()
	cache.SetClock(func() time.Time { return base })

	cache.Put("dead", 1, time.Minute)
	cache.Put("alive-1", 2, time.Hour)
	cache.Put("alive-2", 3, time.Hour)

	cache.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	cache.Put("new", 4, time.Hour)

	_, ok := cache.Get("dead")
	assert.False(t, ok)
	for _, key := range []string{"alive-1", "alive-2", "new"} {
		_, ok := cache.Get(key)
		assert.True(t, ok, key)
	}
}

func TestCache_ReplaceDoesNotEvict(t *testing.T) {
	t.Parallel()

	cache := NewCache(2)
	cache.Put("a", 1, time.Hour)
	cache.Put("b", 2, time.Hour)

	// Overwriting a live key must not push out its neighbor.
	cache.Put("a", 10, time.Hour)
	assert.Equal(t, 2, cache.Len())

	v, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	_, ok = cache.Get("b")
	assert.True(t, ok)
}

func TestCache_DefaultCapacity(t *testing.T) {
	t.Parallel()

	cache := NewCache(0)
	for i := 0; i < 100; i++ {
		cache.Put(fmt.Sprintf("k%d", i), i, time.Hour)
	}
	assert.Equal(t, 100, cache.Len())
}
