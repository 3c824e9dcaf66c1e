// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

func TestSettingsStore_Defaults(t *testing.T) {
	t.Parallel()

	store, err := NewSettingsStore()
	require.NoError(t, err)

	s := store.Snapshot()
	assert.NotEmpty(t, s.Volatile)
	assert.NotEmpty(t, s.SemiStatic)
	assert.NotEmpty(t, s.Static)
	assert.Contains(t, s.Volatile, "price")
	assert.Contains(t, s.Static, "capital")
}

func TestSettingsStore_SetNormalizes(t *testing.T) {
	t.Parallel()

	store, err := NewSettingsStore()
	require.NoError(t, err)

	applied, err := store.Set(Settings{
		Volatile:   []string{"  Weather ", "NEWS", "weather", ""},
		SemiStatic: []string{"Menu"},
		Static:     []string{"Formula"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"news", "weather"}, applied.Volatile)
	assert.Equal(t, []string{"menu"}, applied.SemiStatic)
	assert.Equal(t, []string{"formula"}, applied.Static)

	assert.Equal(t, applied, store.Snapshot())
}

func TestSettingsStore_RejectsCrossSetDuplicates(t *testing.T) {
	t.Parallel()

	store, err := NewSettingsStore()
	require.NoError(t, err)
	before := store.Snapshot()

	_, err = store.Set(Settings{
		Volatile: []string{"weather"},
		Static:   []string{"Weather"},
	})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.FaultValidation))
	assert.Equal(t, before, store.Snapshot(), "rejected update must not apply")
}

func TestSettingsStore_SnapshotIsolation(t *testing.T) {
	t.Parallel()

	store, err := NewSettingsStore()
	require.NoError(t, err)

	first := store.Snapshot()
	first.Volatile[0] = "mutated"

	second := store.Snapshot()
	assert.NotEqual(t, "mutated", second.Volatile[0])
}

func TestSettingsStore_WatchReloadsFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "volatility.yaml")
	write := func(content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("volatile: [espresso]\nsemi_static: []\nstatic: []\n")

	store, err := NewSettingsStore()
	require.NoError(t, err)
	require.NoError(t, store.Watch(path))
	defer store.Close()

	// The file present at Watch time is applied immediately.
	assert.Equal(t, []string{"espresso"}, store.Snapshot().Volatile)

	write("volatile: [matcha]\nsemi_static: []\nstatic: []\n")
	require.Eventually(t, func() bool {
		v := store.Snapshot().Volatile
		return len(v) == 1 && v[0] == "matcha"
	}, 2*time.Second, 10*time.Millisecond)

	// A broken file keeps the last good sets.
	write(":: not yaml ::")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"matcha"}, store.Snapshot().Volatile)
}

func TestSettingsStore_WatchTwiceFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "volatility.yaml")

	store, err := NewSettingsStore()
	require.NoError(t, err)
	require.NoError(t, store.Watch(path))
	defer store.Close()

	assert.Error(t, store.Watch(path))
}
