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
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// ProviderResultCap is the hard ceiling on items accepted from the search
// provider in one call, regardless of what the caller asked for.
const ProviderResultCap = 100

// ProductSearch is the product search collaborator.
type ProductSearch interface {
	// Search returns up to limit items matching query. Filters are
	// provider-specific hints; unsupported keys are ignored by the
	// provider, not errors.
	Search(ctx context.Context, query string, filters map[string]string, limit int) ([]datatypes.Product, error)
}

// ProductSearchConfig configures the HTTP product search adapter.
type ProductSearchConfig struct {
	// BaseURL is the provider endpoint; the adapter POSTs to
	// BaseURL + "/search".
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// RequestsPerSecond rate-limits outbound calls. Zero means 5/s.
	RequestsPerSecond float64

	// Timeout bounds one HTTP call. Zero means 30s.
	Timeout time.Duration
}

// HTTPProductSearch calls an HTTP product search provider.
//
// # Thread Safety
//
// Safe for concurrent use; the rate limiter serializes bursts.
type HTTPProductSearch struct {
	cfg     ProductSearchConfig
	client  HTTPClient
	limiter *rate.Limiter
}

var _ ProductSearch = (*HTTPProductSearch)(nil)

// NewHTTPProductSearch builds the adapter. A nil client uses a default
// http.Client with the configured timeout.
func NewHTTPProductSearch(cfg ProductSearchConfig, client HTTPClient) (*HTTPProductSearch, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("product search base URL must not be empty")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if client == nil {
		client = defaultClient(cfg.Timeout)
	}
	return &HTTPProductSearch{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}, nil
}

type productSearchRequest struct {
	Query   string            `json:"query"`
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit"`
}

type productSearchResponse struct {
	Items []wireProduct `json:"items"`
}

type wireProduct struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Price    float64           `json:"price"`
	Currency string            `json:"currency"`
	URL      string            `json:"url"`
	Specs    map[string]string `json:"specs,omitempty"`
}

// Search implements ProductSearch. Items beyond the provider cap are
// dropped; items without an id are skipped.
func (s *HTTPProductSearch) Search(ctx context.Context, query string, filters map[string]string, limit int) ([]datatypes.Product, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query must not be empty")
	}
	if limit <= 0 || limit > ProviderResultCap {
		limit = ProviderResultCap
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	headers := map[string]string{}
	if s.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + s.cfg.APIKey
	}
	req, err := postJSON(ctx, s.cfg.BaseURL+"/search", productSearchRequest{
		Query:   query,
		Filters: filters,
		Limit:   limit,
	}, headers)
	if err != nil {
		return nil, err
	}

	var resp productSearchResponse
	if err := doJSON(s.client, req, &resp); err != nil {
		return nil, fmt.Errorf("product search: %w", err)
	}

	items := make([]datatypes.Product, 0, len(resp.Items))
	for _, w := range resp.Items {
		if w.ID == "" {
			continue
		}
		items = append(items, datatypes.Product{
			ID:            w.ID,
			Title:         w.Title,
			PriceAmount:   w.Price,
			PriceCurrency: strings.ToUpper(w.Currency),
			URL:           w.URL,
			Specs:         w.Specs,
		})
		if len(items) == limit {
			break
		}
	}
	return items, nil
}
