// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKey  string
		wantOp   Op
		wantNum  float64
		isNum    bool
		currency string
		wantErr  bool
	}{
		{
			name:     "price with currency",
			raw:      "price <= 900 CHF",
			wantKey:  "price",
			wantOp:   OpLE,
			wantNum:  900,
			isNum:    true,
			currency: "CHF",
		},
		{
			name:    "brand equality",
			raw:     "brand = NVIDIA",
			wantKey: "brand",
			wantOp:  OpEQ,
		},
		{
			name:    "spec with unit",
			raw:     "memory_gb >= 12GB",
			wantKey: "memory_gb",
			wantOp:  OpGE,
			wantNum: 12,
			isNum:   true,
		},
		{
			name:    "spaced key is normalized",
			raw:     "Memory GB >= 12",
			wantKey: "memory_gb",
			wantOp:  OpGE,
			wantNum: 12,
			isNum:   true,
		},
		{
			name:    "contains operator",
			raw:     "title contains Ti",
			wantKey: "title",
			wantOp:  OpContains,
		},
		{
			name:    "comma decimal",
			raw:     "price < 899,90 CHF",
			wantKey: "price",
			wantOp:  OpLT,
			wantNum: 899.90,
			isNum:   true,
		},
		{
			name:    "no operator",
			raw:     "cheap please",
			wantErr: true,
		},
		{
			name:    "empty string",
			raw:     "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, p.Key)
			assert.Equal(t, tt.wantOp, p.Op)
			assert.Equal(t, tt.isNum, p.IsNum)
			if tt.isNum {
				assert.InDelta(t, tt.wantNum, p.Num, 1e-9)
			}
			if tt.currency != "" {
				assert.Equal(t, tt.currency, p.Currency)
			}
		})
	}
}

func TestPredicate_Eval(t *testing.T) {
	card := datatypes.Product{
		ID:            "p1",
		Title:         "RTX 4070 Ti",
		PriceAmount:   849,
		PriceCurrency: "CHF",
		Specs: map[string]string{
			"brand":     "NVIDIA",
			"memory_gb": "12GB",
			"interface": "PCIe 4.0",
		},
	}

	tests := []struct {
		name string
		raw  string
		want Verdict
	}{
		{"price under cap passes", "price <= 900 CHF", Pass},
		{"price over floor passes", "price > 500", Pass},
		{"price over cap fails", "price <= 700 CHF", Fail},
		{"cross-currency price is unknown", "price <= 900 EUR", Unknown},
		{"brand match passes", "brand = NVIDIA", Pass},
		{"brand match is case-insensitive", "brand = nvidia", Pass},
		{"brand mismatch fails", "brand = AMD", Fail},
		{"numeric spec with unit passes", "memory_gb >= 12", Pass},
		{"numeric spec fails", "memory_gb >= 16", Fail},
		{"missing spec is unknown", "tdp_watts <= 250", Unknown},
		{"contains passes", "interface contains pcie", Pass},
		{"contains fails", "interface contains agp", Fail},
		{"non-numeric spec under numeric op is unknown", "interface >= 4", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Eval(card), "verdict for %q", tt.raw)
		})
	}
}

// TestCompatible_UnknownPasses pins the conservative policy: an item is
// only excluded on a definitive fail, never for missing data.
func TestCompatible_UnknownPasses(t *testing.T) {
	bare := datatypes.Product{ID: "p2", Title: "Mystery GPU"}

	preds, err := ParseAll([]string{"price <= 900 CHF", "brand = NVIDIA", "memory_gb >= 12"})
	require.NoError(t, err)

	assert.True(t, Compatible(bare, preds), "item with no data passes every predicate")
}

func TestVerifyResults(t *testing.T) {
	ok := datatypes.Product{ID: "a", PriceAmount: 500, PriceCurrency: "CHF",
		Specs: map[string]string{"brand": "NVIDIA"}}
	tooPricey := datatypes.Product{ID: "b", PriceAmount: 1200, PriceCurrency: "CHF"}

	assert.NoError(t, VerifyResults([]datatypes.Product{ok}, []string{"price <= 900 CHF"}))
	assert.NoError(t, VerifyResults(nil, []string{"price <= 900 CHF"}))
	assert.NoError(t, VerifyResults([]datatypes.Product{ok, tooPricey}, nil))

	err := VerifyResults([]datatypes.Product{ok, tooPricey}, []string{"price <= 900 CHF"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `product b`)
}

func TestParseAll_CollectsErrors(t *testing.T) {
	preds, err := ParseAll([]string{"price <= 900 CHF", "garbage", "brand = NVIDIA"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "garbage")
	assert.Len(t, preds, 2, "valid predicates still returned")
}
