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

// OrderRequest is one checkout attempt. IdempotencyKey makes the call
// safe to repeat: the provider must return the original order for a
// repeated key instead of charging twice.
type OrderRequest struct {
	ProductID string  `json:"product_id"`
	SessionID string  `json:"session_id"`
	UserID    string  `json:"user_id,omitempty"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`

	IdempotencyKey string `json:"-"`
}

// OrderConfirmation is the provider's acknowledgement.
type OrderConfirmation struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Checkout places orders. Unlike the read-side providers, checkout
// mutates external state: callers never retry it without the same
// idempotency key, and Idempotent tells them whether that is safe.
type Checkout interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderConfirmation, error)

	// Idempotent reports whether repeated PlaceOrder calls with the same
	// idempotency key are safe.
	Idempotent() bool
}

// CheckoutConfig configures the HTTP checkout adapter.
type CheckoutConfig struct {
	// BaseURL is the checkout endpoint; the adapter POSTs to
	// BaseURL + "/orders".
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds one HTTP call. Zero means 20s.
	Timeout time.Duration
}

// HTTPCheckout calls an HTTP checkout provider that honors the
// Idempotency-Key header.
type HTTPCheckout struct {
	cfg    CheckoutConfig
	client HTTPClient
}

var _ Checkout = (*HTTPCheckout)(nil)

// NewHTTPCheckout builds the adapter. A nil client uses a default
// http.Client with the configured timeout.
func NewHTTPCheckout(cfg CheckoutConfig, client HTTPClient) (*HTTPCheckout, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("checkout base URL must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if client == nil {
		client = defaultClient(cfg.Timeout)
	}
	return &HTTPCheckout{cfg: cfg, client: client}, nil
}

// PlaceOrder implements Checkout.
func (c *HTTPCheckout) PlaceOrder(ctx context.Context, req OrderRequest) (OrderConfirmation, error) {
	if req.ProductID == "" {
		return OrderConfirmation{}, fmt.Errorf("order product id must not be empty")
	}
	if req.IdempotencyKey == "" {
		return OrderConfirmation{}, fmt.Errorf("order idempotency key must not be empty")
	}

	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	httpReq, err := postJSON(ctx, c.cfg.BaseURL+"/orders", req, headers)
	if err != nil {
		return OrderConfirmation{}, err
	}

	var conf OrderConfirmation
	if err := doJSON(c.client, httpReq, &conf); err != nil {
		return OrderConfirmation{}, fmt.Errorf("place order: %w", err)
	}
	if conf.OrderID == "" {
		return OrderConfirmation{}, fmt.Errorf("checkout returned no order id")
	}
	return conf, nil
}

// Idempotent implements Checkout. The HTTP adapter always sends an
// idempotency key, so repeats are safe.
func (c *HTTPCheckout) Idempotent() bool { return true }
