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
	"sync"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// FakeProductSearch is a scripted ProductSearch for tests and the
// offline development mode. Function fields override behavior; unset
// fields return the canned Items.
type FakeProductSearch struct {
	mu sync.Mutex

	SearchFunc func(ctx context.Context, query string, filters map[string]string, limit int) ([]datatypes.Product, error)
	Items      []datatypes.Product

	Queries []string
}

var _ ProductSearch = (*FakeProductSearch)(nil)

// Search implements ProductSearch.
func (f *FakeProductSearch) Search(ctx context.Context, query string, filters map[string]string, limit int) ([]datatypes.Product, error) {
	f.mu.Lock()
	f.Queries = append(f.Queries, query)
	f.mu.Unlock()
	if f.SearchFunc != nil {
		return f.SearchFunc(ctx, query, filters, limit)
	}
	items := f.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return append([]datatypes.Product(nil), items...), nil
}

// FakeSpecProvider is a scripted SpecProvider keyed by product id.
type FakeSpecProvider struct {
	FetchFunc func(ctx context.Context, productID string) (map[string]string, error)
	Specs     map[string]map[string]string
}

var _ SpecProvider = (*FakeSpecProvider)(nil)

// FetchSpecs implements SpecProvider.
func (f *FakeSpecProvider) FetchSpecs(ctx context.Context, productID string) (map[string]string, error) {
	if f.FetchFunc != nil {
		return f.FetchFunc(ctx, productID)
	}
	return f.Specs[productID], nil
}

// FakeWebSearch is a scripted WebSearch.
type FakeWebSearch struct {
	SearchFunc func(ctx context.Context, query string, k int) ([]Snippet, error)
	Snippets   []Snippet
}

var _ WebSearch = (*FakeWebSearch)(nil)

// Search implements WebSearch.
func (f *FakeWebSearch) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	if f.SearchFunc != nil {
		return f.SearchFunc(ctx, query, k)
	}
	if k > 0 && len(f.Snippets) > k {
		return f.Snippets[:k], nil
	}
	return f.Snippets, nil
}

// FakeCheckout records orders and hands out sequential order ids. Repeat
// idempotency keys return the original confirmation, like the real
// provider contract requires.
type FakeCheckout struct {
	mu sync.Mutex

	PlaceFunc func(ctx context.Context, req OrderRequest) (OrderConfirmation, error)

	Orders []OrderRequest
	byKey  map[string]OrderConfirmation
	nextID int
}

var _ Checkout = (*FakeCheckout)(nil)

// PlaceOrder implements Checkout.
func (f *FakeCheckout) PlaceOrder(ctx context.Context, req OrderRequest) (OrderConfirmation, error) {
	if f.PlaceFunc != nil {
		return f.PlaceFunc(ctx, req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byKey == nil {
		f.byKey = make(map[string]OrderConfirmation)
	}
	if conf, ok := f.byKey[req.IdempotencyKey]; ok {
		return conf, nil
	}
	f.nextID++
	conf := OrderConfirmation{
		OrderID: "order-" + req.ProductID + "-" + itoa(f.nextID),
		Status:  "confirmed",
	}
	f.byKey[req.IdempotencyKey] = conf
	f.Orders = append(f.Orders, req)
	return conf, nil
}

// Idempotent implements Checkout.
func (f *FakeCheckout) Idempotent() bool { return true }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
