// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Product is one item from the search provider, possibly enriched with
// scraped specs and a soft-preference score. Identity is the ID field;
// two products with the same ID are the same product regardless of the
// rest.
type Product struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	PriceAmount   float64           `json:"price_amount"`
	PriceCurrency string            `json:"price_currency"`
	URL           string            `json:"url,omitempty"`

	// Specs holds structured attributes keyed by normalized spec name
	// ("memory_gb", "brand"). Values stay strings; the constraint
	// evaluator parses numbers on demand.
	Specs map[string]string `json:"specs,omitempty"`

	// Score is the soft-preference score in [0,1]. Zero until SoftRank
	// has run.
	Score float64 `json:"score,omitempty"`
}

// Equal reports identity by ID.
func (p Product) Equal(other Product) bool { return p.ID == other.ID }

func cloneProducts(in []Product) []Product {
	if in == nil {
		return nil
	}
	out := make([]Product, len(in))
	for i, p := range in {
		out[i] = p
		if p.Specs != nil {
			out[i].Specs = make(map[string]string, len(p.Specs))
			for k, v := range p.Specs {
				out[i].Specs[k] = v
			}
		}
	}
	return out
}

// PriceRange is the observed price span over a result set.
type PriceRange struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency"`
}

// AttributeAnalysis is the analyzer stage output: the attributes along
// which an oversized result set can be narrowed. The refine_constraints
// handler turns this into a user-facing question.
type AttributeAnalysis struct {
	PriceRange *PriceRange `json:"price_range,omitempty"`
	Brands     []string    `json:"brands,omitempty"`
	SpecKeys   []string    `json:"spec_keys,omitempty"`

	// Degraded marks analyzer fallback output (empty or partial).
	Degraded bool `json:"degraded,omitempty"`
}

// Clone returns a deep copy.
func (a *AttributeAnalysis) Clone() *AttributeAnalysis {
	if a == nil {
		return nil
	}
	cp := *a
	if a.PriceRange != nil {
		pr := *a.PriceRange
		cp.PriceRange = &pr
	}
	if a.Brands != nil {
		cp.Brands = append([]string(nil), a.Brands...)
	}
	if a.SpecKeys != nil {
		cp.SpecKeys = append([]string(nil), a.SpecKeys...)
	}
	return &cp
}
