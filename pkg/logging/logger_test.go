// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseLevel(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSetup_WritesServiceDatedJSONFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := Setup(Config{Service: "concierge-test", Dir: dir, Format: FormatJSON})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	logger.Info("sweep completed", "evicted", 3)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "concierge-test_")

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &record))
	assert.Equal(t, "sweep completed", record["msg"])
	assert.Equal(t, "concierge-test", record["service"])
	assert.Equal(t, float64(3), record["evicted"])
}

func TestSetup_RejectsUnknownLevel(t *testing.T) {
	_, err := Setup(Config{Level: "chatty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestSetup_LevelFiltersRecords(t *testing.T) {
	dir := t.TempDir()

	logger, err := Setup(Config{Service: "lvl", Dir: dir, Level: "warn", Format: FormatJSON})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	logger.Info("dropped")
	logger.Warn("kept")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "dropped")
	assert.Contains(t, string(raw), "kept")
}

func TestConsoleHandler_ForcedFormats(t *testing.T) {
	var buf bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	h := consoleHandler(&buf, FormatJSON, opts)
	require.NoError(t, slog.New(h).Handler().Handle(context.Background(),
		slog.NewRecord(time.Now(), slog.LevelInfo, "ping", 0)))
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "forced JSON emits a JSON object")

	buf.Reset()
	h = consoleHandler(&buf, FormatText, opts)
	require.NoError(t, slog.New(h).Handler().Handle(context.Background(),
		slog.NewRecord(time.Now(), slog.LevelInfo, "ping", 0)))
	assert.Contains(t, buf.String(), "msg=ping")
}

func TestConsoleHandler_AutoDefaultsToJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	h := consoleHandler(&buf, FormatAuto, &slog.HandlerOptions{Level: slog.LevelInfo})
	require.NoError(t, slog.New(h).Handler().Handle(context.Background(),
		slog.NewRecord(time.Now(), slog.LevelInfo, "ping", 0)))
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "a bytes.Buffer is not a terminal")
}

func TestFanoutHandler_DuplicatesRecords(t *testing.T) {
	var a, b bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	fan := &fanoutHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, opts),
		slog.NewJSONHandler(&b, opts),
	}}

	slog.New(fan).With("stream", "both").Info("mirrored")

	assert.Contains(t, a.String(), "mirrored")
	assert.Contains(t, b.String(), "mirrored")
	assert.Contains(t, a.String(), `"stream":"both"`)
	assert.Contains(t, b.String(), `"stream":"both"`)
}
