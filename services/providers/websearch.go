// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"fmt"
	"time"
)

// Snippet is one web search hit the synthesis prompt is built from.
type Snippet struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// WebSearch is the web-grounded answer collaborator. The assistant sends
// the user's query and synthesizes the returned snippets with the LLM.
type WebSearch interface {
	Search(ctx context.Context, query string, k int) ([]Snippet, error)
}

// WebSearchConfig configures the HTTP web search adapter.
type WebSearchConfig struct {
	// BaseURL is the provider endpoint; the adapter POSTs to
	// BaseURL + "/search".
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds one HTTP call. Zero means 15s.
	Timeout time.Duration
}

// HTTPWebSearch calls an HTTP web search provider.
type HTTPWebSearch struct {
	cfg    WebSearchConfig
	client HTTPClient
}

var _ WebSearch = (*HTTPWebSearch)(nil)

// NewHTTPWebSearch builds the adapter. A nil client uses a default
// http.Client with the configured timeout.
func NewHTTPWebSearch(cfg WebSearchConfig, client HTTPClient) (*HTTPWebSearch, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("web search base URL must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = defaultClient(cfg.Timeout)
	}
	return &HTTPWebSearch{cfg: cfg, client: client}, nil
}

type webSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type webSearchResponse struct {
	Results []Snippet `json:"results"`
}

// Search implements WebSearch.
func (s *HTTPWebSearch) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	if k <= 0 {
		k = 5
	}
	headers := map[string]string{}
	if s.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + s.cfg.APIKey
	}
	req, err := postJSON(ctx, s.cfg.BaseURL+"/search", webSearchRequest{Query: query, Limit: k}, headers)
	if err != nil {
		return nil, err
	}

	var resp webSearchResponse
	if err := doJSON(s.client, req, &resp); err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	if len(resp.Results) > k {
		resp.Results = resp.Results[:k]
	}
	return resp.Results, nil
}
