// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// JSON extraction
// =============================================================================

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr bool
	}{
		{
			name:  "bare object",
			reply: `{"kind":"chitchat"}`,
			want:  `{"kind":"chitchat"}`,
		},
		{
			name:  "fenced object",
			reply: "Here you go:\n```json\n{\"kind\":\"purchase\"}\n```",
			want:  `{"kind":"purchase"}`,
		},
		{
			name:  "prose around object",
			reply: `Sure! {"kind":"websearch","confidence":0.9} Hope that helps.`,
			want:  `{"kind":"websearch","confidence":0.9}`,
		},
		{
			name:  "nested braces",
			reply: `{"outer":{"inner":1},"n":2}`,
			want:  `{"outer":{"inner":1},"n":2}`,
		},
		{
			name:  "braces inside strings",
			reply: `{"text":"use {curly} braces","ok":true}`,
			want:  `{"text":"use {curly} braces","ok":true}`,
		},
		{
			name:    "no object at all",
			reply:   "I cannot answer that.",
			wantErr: true,
		},
		{
			name:    "unbalanced object",
			reply:   `{"kind":"purchase"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := extractJSON(tt.reply)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalStrict_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	var out struct {
		Kind string `json:"kind"`
	}
	err := unmarshalStrict(`{"kind":"purchase","hallucinated":"yes"}`, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match schema")

	err = unmarshalStrict(`{"kind":"purchase"}`, &out)
	require.NoError(t, err)
	assert.Equal(t, "purchase", out.Kind)
}

// =============================================================================
// Local backend
// =============================================================================

func TestLocalClient_Complete(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/completion", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req localCompletionRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "hello", req.Prompt)
		assert.Equal(t, 64, req.NPredict)

		_ = json.NewEncoder(w).Encode(localCompletionResponse{Content: "world"})
	}))
	defer server.Close()

	client, err := NewLocalClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	maxTokens := 64
	got, err := client.Complete(context.Background(), "hello", GenerationParams{MaxTokens: &maxTokens})
	require.NoError(t, err)
	assert.Equal(t, "world", got)
}

func TestLocalClient_Classify_ParsesFencedReply(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(localCompletionResponse{
			Content: "```json\n{\"kind\":\"purchase\"}\n```",
		})
	}))
	defer server.Close()

	client, err := NewLocalClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	var out struct {
		Kind string `json:"kind"`
	}
	schema := map[string]any{"kind": "string"}
	require.NoError(t, client.Classify(context.Background(), "route this", schema, &out))
	assert.Equal(t, "purchase", out.Kind)
}

func TestLocalClient_Complete_SurfacesServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewLocalClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "hello", GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

// =============================================================================
// OpenAI-compatible backend
// =============================================================================

func TestOpenAIClient_Classify_RequestsJSONMode(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		format, ok := req["response_format"].(map[string]any)
		require.True(t, ok, "expected response_format in request")
		assert.Equal(t, "json_object", format["type"])

		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "test-model",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "{\"kind\":\"websearch\",\"confidence\":0.8}"},
				"finish_reason": "stop"
			}]
		}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(Config{BaseURL: server.URL, APIKey: "test", Model: "test-model"})
	require.NoError(t, err)

	var out struct {
		Kind       string  `json:"kind"`
		Confidence float64 `json:"confidence"`
	}
	schema := map[string]any{"kind": "string", "confidence": "number"}
	require.NoError(t, client.Classify(context.Background(), "route this", schema, &out))
	assert.Equal(t, "websearch", out.Kind)
	assert.InDelta(t, 0.8, out.Confidence, 1e-9)
}

func TestOpenAIClient_Complete(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"id": "cmpl-2",
			"object": "chat.completion",
			"created": 1,
			"model": "test-model",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "two sentence summary"},
				"finish_reason": "stop"
			}]
		}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(Config{BaseURL: server.URL, APIKey: "test", Model: "test-model"})
	require.NoError(t, err)

	got, err := client.Complete(context.Background(), "summarize", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "two sentence summary", got)
}

// =============================================================================
// Factory and fake
// =============================================================================

func TestNew_SelectsBackend(t *testing.T) {
	t.Parallel()

	openaiClient, err := New(Config{Backend: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, openaiClient)

	localClient, err := New(Config{Backend: "local", BaseURL: "http://localhost:8080"})
	require.NoError(t, err)
	assert.IsType(t, &LocalClient{}, localClient)

	_, err = New(Config{Backend: "mystery"})
	require.Error(t, err)

	_, err = New(Config{Backend: "local"})
	require.Error(t, err, "local backend without base url must fail")
}

func TestFake_RecordsPrompts(t *testing.T) {
	t.Parallel()

	fake := &Fake{Reply: "ok"}
	got, err := fake.Complete(context.Background(), "first", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	err = fake.Classify(context.Background(), "second", nil, nil)
	require.Error(t, err, "unscripted classify should error")

	assert.Equal(t, []string{"first", "second"}, fake.Prompts())
}
