// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LocalClient talks to a llama.cpp-style /completion endpoint.
//
// The local server has no JSON response mode, so Classify relies on the
// schema preamble plus extraction of the first balanced object from the
// reply. Callers already treat Classify errors as a signal to fall back,
// which keeps a weaker local model safe to run.
type LocalClient struct {
	httpClient *http.Client
	baseURL    string
}

var _ Client = (*LocalClient)(nil)

type localCompletionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type localCompletionResponse struct {
	Content string `json:"content"`
}

// NewLocalClient builds a client for cfg.BaseURL.
func NewLocalClient(cfg Config) (*LocalClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("local llm backend needs a base url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &LocalClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
	}, nil
}

// Complete implements Client.
func (l *LocalClient) Complete(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "LocalClient.Complete")
	defer span.End()

	payload := localCompletionRequest{
		Prompt:      prompt,
		NPredict:    512,
		Temperature: params.Temperature,
		TopK:        params.TopK,
		TopP:        params.TopP,
		Stop:        params.Stop,
	}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	}
	return l.post(ctx, payload)
}

// Classify implements Client.
func (l *LocalClient) Classify(ctx context.Context, prompt string, schema map[string]any, out any) error {
	ctx, span := tracer.Start(ctx, "LocalClient.Classify")
	defer span.End()

	var temp float32 = 0.0
	payload := localCompletionRequest{
		Prompt:      fmt.Sprintf(classifyPreamble, renderSchema(schema)) + prompt,
		NPredict:    512,
		Temperature: &temp,
	}
	reply, err := l.post(ctx, payload)
	if err != nil {
		return err
	}
	candidate, err := extractJSON(reply)
	if err != nil {
		return err
	}
	return unmarshalStrict(candidate, out)
}

func (l *LocalClient) post(ctx context.Context, payload localCompletionRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling completion request: %w", err)
	}
	completionURL := l.baseURL + "/completion"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, completionURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Calling local completion endpoint", "url", completionURL)
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling local llm: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading local llm response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("local llm returned status %d: %s", resp.StatusCode, string(respBody))
	}
	var parsed localCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parsing local llm response: %w", err)
	}
	return parsed.Content, nil
}
