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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProductSearch_DecodesAndCaps(t *testing.T) {
	var gotReq productSearchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		items := make([]wireProduct, 0, 120)
		for i := 0; i < 120; i++ {
			items = append(items, wireProduct{
				ID:       "p-" + itoa(i),
				Title:    "Product",
				Price:    99.9,
				Currency: "chf",
			})
		}
		json.NewEncoder(w).Encode(productSearchResponse{Items: items})
	}))
	defer srv.Close()

	search, err := NewHTTPProductSearch(ProductSearchConfig{
		BaseURL: srv.URL,
		APIKey:  "sekrit",
	}, srv.Client())
	require.NoError(t, err)

	items, err := search.Search(context.Background(), "graphics card", nil, 0)
	require.NoError(t, err)

	assert.Equal(t, ProviderResultCap, gotReq.Limit)
	assert.Len(t, items, ProviderResultCap)
	assert.Equal(t, "CHF", items[0].PriceCurrency)
}

func TestHTTPProductSearch_RejectsEmptyQuery(t *testing.T) {
	search, err := NewHTTPProductSearch(ProductSearchConfig{BaseURL: "http://unused"}, &http.Client{})
	require.NoError(t, err)

	_, err = search.Search(context.Background(), "   ", nil, 10)
	assert.Error(t, err)
}

func TestHTTPProductSearch_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	search, err := NewHTTPProductSearch(ProductSearchConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	_, err = search.Search(context.Background(), "gpu", nil, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPSpecProvider_FetchSpecs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/specs/p-1", r.URL.Path)
		json.NewEncoder(w).Encode(specResponse{Specs: map[string]string{"memory_gb": "12"}})
	}))
	defer srv.Close()

	provider, err := NewHTTPSpecProvider(SpecProviderConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	specs, err := provider.FetchSpecs(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "12", specs["memory_gb"])
}

func TestHTTPWebSearch_LimitsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(webSearchResponse{Results: []Snippet{
			{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"},
		}})
	}))
	defer srv.Close()

	ws, err := NewHTTPWebSearch(WebSearchConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	hits, err := ws.Search(context.Background(), "finance minister", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestHTTPCheckout_SendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "turn-42", r.Header.Get("Idempotency-Key"))
		json.NewEncoder(w).Encode(OrderConfirmation{OrderID: "ord-1", Status: "confirmed"})
	}))
	defer srv.Close()

	checkout, err := NewHTTPCheckout(CheckoutConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	conf, err := checkout.PlaceOrder(context.Background(), OrderRequest{
		ProductID:      "p-1",
		SessionID:      "s-1",
		Amount:         899,
		Currency:       "CHF",
		IdempotencyKey: "turn-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", conf.OrderID)
	assert.True(t, checkout.Idempotent())
}

func TestHTTPCheckout_RequiresIdempotencyKey(t *testing.T) {
	checkout, err := NewHTTPCheckout(CheckoutConfig{BaseURL: "http://unused"}, &http.Client{})
	require.NoError(t, err)

	_, err = checkout.PlaceOrder(context.Background(), OrderRequest{ProductID: "p-1"})
	assert.Error(t, err)
}

func TestFakeCheckout_IdempotentRepeat(t *testing.T) {
	fake := &FakeCheckout{}
	req := OrderRequest{ProductID: "p-9", IdempotencyKey: "key-1"}

	first, err := fake.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := fake.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Len(t, fake.Orders, 1)
}

func TestToolRegistry_RegisterAndInvoke(t *testing.T) {
	reg := NewToolRegistry()
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Register(&ClockTool{Now: func() time.Time { return fixed }}))

	tools := reg.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "clock", tools[0].ID)
	assert.NotEmpty(t, tools[0].Parameters)

	out, err := reg.Invoke(context.Background(), "clock", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "2026")

	_, err = reg.Invoke(context.Background(), "missing", nil)
	assert.Error(t, err)
}
