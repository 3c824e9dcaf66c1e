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
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEmbedder_Embed(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
			"model": "test-embed",
		})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPEmbedderConfig{
		BaseURL: srv.URL,
		APIKey:  "secret",
		Model:   "test-embed",
	})

	assert.Zero(t, e.Dimension(), "dimension unknown before first call")

	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "/embeddings", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "test-embed", gotBody["model"])
	assert.Equal(t, "hello world", gotBody["input"])
	assert.Equal(t, 3, e.Dimension(), "dimension auto-detected")
}

func TestHTTPEmbedder_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPEmbedderConfig{BaseURL: srv.URL, Model: "x"})
	_, err := e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPEmbedder_EmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPEmbedderConfig{BaseURL: srv.URL, Model: "x"})
	_, err := e.Embed(context.Background(), "text")
	assert.Error(t, err)
}

func TestFakeEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewFakeEmbedder(64)

	a1, err := e.Embed(context.Background(), "espresso machine with grinder")
	require.NoError(t, err)
	a2, err := e.Embed(context.Background(), "espresso machine with grinder")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestFakeEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	e := NewFakeEmbedder(64)
	ctx := context.Background()

	base, err := e.Embed(ctx, "espresso machine with grinder")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "a compact espresso machine")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "mountain bike with suspension")
	require.NoError(t, err)

	assert.Greater(t, cosine(base, near), cosine(base, far))
}
