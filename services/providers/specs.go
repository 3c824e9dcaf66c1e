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
	"net/http"
	"net/url"
	"time"
)

// SpecProvider fetches structured specs for one product. Spec enrichment
// is best-effort end to end: a missing product or a slow scrape yields an
// error the caller tolerates, never a turn failure.
type SpecProvider interface {
	FetchSpecs(ctx context.Context, productID string) (map[string]string, error)
}

// SpecProviderConfig configures the HTTP spec adapter.
type SpecProviderConfig struct {
	// BaseURL is the scraper endpoint; the adapter GETs
	// BaseURL + "/specs/{id}".
	BaseURL string

	// Timeout bounds one HTTP call. Zero means 10s.
	Timeout time.Duration
}

// HTTPSpecProvider calls an HTTP spec scraping service.
type HTTPSpecProvider struct {
	cfg    SpecProviderConfig
	client HTTPClient
}

var _ SpecProvider = (*HTTPSpecProvider)(nil)

// NewHTTPSpecProvider builds the adapter. A nil client uses a default
// http.Client with the configured timeout.
func NewHTTPSpecProvider(cfg SpecProviderConfig, client HTTPClient) (*HTTPSpecProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("spec provider base URL must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = defaultClient(cfg.Timeout)
	}
	return &HTTPSpecProvider{cfg: cfg, client: client}, nil
}

type specResponse struct {
	Specs map[string]string `json:"specs"`
}

// FetchSpecs implements SpecProvider.
func (p *HTTPSpecProvider) FetchSpecs(ctx context.Context, productID string) (map[string]string, error) {
	if productID == "" {
		return nil, fmt.Errorf("product id must not be empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.cfg.BaseURL+"/specs/"+url.PathEscape(productID), nil)
	if err != nil {
		return nil, err
	}

	var resp specResponse
	if err := doJSON(p.client, req, &resp); err != nil {
		return nil, fmt.Errorf("fetch specs for %s: %w", productID, err)
	}
	return resp.Specs, nil
}
