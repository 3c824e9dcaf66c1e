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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
)

// DefaultEmbeddingDimension is the assumed vector width when the
// embedding backend does not report one.
const DefaultEmbeddingDimension = 384

// HTTPEmbedderConfig configures the OpenAI-compatible embedding client.
// The same endpoint shape is served by OpenAI, Ollama (/v1), vLLM,
// LocalAI and LiteLLM, so one client covers local and hosted setups.
type HTTPEmbedderConfig struct {
	// BaseURL is the API root, e.g. "http://localhost:11434/v1".
	BaseURL string

	// APIKey is optional; local backends ignore it.
	APIKey string

	// Model is the embedding model name.
	Model string

	// Dimension is optional; auto-detected on the first call when 0.
	Dimension int

	// HTTPClient overrides the transport. Useful for tests.
	HTTPClient *http.Client
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	dim     atomic.Int64
}

var _ Embedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder builds the embedding client.
func NewHTTPEmbedder(cfg HTTPEmbedderConfig) *HTTPEmbedder {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	e := &HTTPEmbedder{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  client,
	}
	e.dim.Store(int64(cfg.Dimension))
	return e
}

// Dimension implements Embedder. Returns 0 before the first successful
// call when auto-detection is in use.
func (e *HTTPEmbedder) Dimension() int {
	return int(e.dim.Load())
}

// Embed implements Embedder.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]any{
		"model": e.model,
		"input": text,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	vec := result.Data[0].Embedding
	if e.dim.Load() == 0 && len(vec) > 0 {
		e.dim.Store(int64(len(vec)))
	}
	return vec, nil
}

// embeddingResponse mirrors the OpenAI embeddings API response shape.
type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// FakeEmbedder is a deterministic bag-of-words embedder for tests and
// the lightweight mode. Texts sharing vocabulary land near each other,
// which is all the in-process semantic store needs.
type FakeEmbedder struct {
	dim int
}

var _ Embedder = (*FakeEmbedder)(nil)

// NewFakeEmbedder returns a fake with the given width, defaulting to
// DefaultEmbeddingDimension.
func NewFakeEmbedder(dim int) *FakeEmbedder {
	if dim <= 0 {
		dim = DefaultEmbeddingDimension
	}
	return &FakeEmbedder{dim: dim}
}

// Dimension implements Embedder.
func (f *FakeEmbedder) Dimension() int { return f.dim }

// Embed implements Embedder. Each word hashes to one signed component;
// the result is L2-normalized so dot products are cosine similarities.
func (f *FakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(word))
		sum := h.Sum64()
		idx := int(sum % uint64(f.dim))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
