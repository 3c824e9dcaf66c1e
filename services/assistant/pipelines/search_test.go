// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/pipeline"
	"github.com/lucerne-ai/concierge/services/llm"
	"github.com/lucerne-ai/concierge/services/providers"
)

func makeProducts(n int) []datatypes.Product {
	out := make([]datatypes.Product, n)
	for i := range out {
		out[i] = datatypes.Product{
			ID:            fmt.Sprintf("p%03d", i),
			Title:         fmt.Sprintf("Card %d", i),
			PriceAmount:   float64(300 + i*10),
			PriceCurrency: "CHF",
			Specs:         map[string]string{"brand": "NVIDIA", "memory_gb": "12"},
		}
	}
	return out
}

// analyzeOK scripts the analyzer reply used by most tests.
func analyzeOK() *llm.Fake {
	return &llm.Fake{
		ClassifyFunc: func(_ context.Context, _ string, _ map[string]any, out any) error {
			raw, _ := json.Marshal(analyzeReply{
				PriceMin: 300, PriceMax: 900, Currency: "CHF",
				Brands:   []string{"NVIDIA", "AMD"},
				SpecKeys: []string{"memory_gb", "brand"},
			})
			return json.Unmarshal(raw, out)
		},
	}
}

func TestProductSearchOK(t *testing.T) {
	rt := pipeline.NewRuntime(pipeline.NewCache(64), nil)
	provider := &providers.FakeProductSearch{Items: makeProducts(12)}
	p := NewProductSearch(rt, provider, analyzeOK())

	out, err := p.Run(context.Background(), "graphics card", nil)
	require.NoError(t, err)

	assert.Equal(t, SearchOK, out.Status)
	assert.Len(t, out.Items, 12)
	assert.False(t, out.Degraded)
	require.NotNil(t, out.Analysis)
	assert.Equal(t, []string{"NVIDIA", "AMD"}, out.Analysis.Brands)
	require.NotNil(t, out.Analysis.PriceRange)
	assert.Equal(t, 900.0, out.Analysis.PriceRange.Max)
	assert.Equal(t, datatypes.PipelineStatusOK, out.Execution.Status)
	assert.Len(t, out.Execution.Stages, 3)
}

func TestProductSearchTooMany(t *testing.T) {
	rt := pipeline.NewRuntime(nil, nil)
	provider := &providers.FakeProductSearch{Items: makeProducts(80)}
	p := NewProductSearch(rt, provider, analyzeOK())

	out, err := p.Run(context.Background(), "graphics card", nil)
	require.NoError(t, err)

	assert.Equal(t, SearchTooMany, out.Status)
	// The gate never admits more than the limit into the outcome.
	assert.Len(t, out.Items, GateLimit)
	require.NotNil(t, out.Analysis)
}

func TestProductSearchProviderDownDegrades(t *testing.T) {
	rt := pipeline.NewRuntime(nil, nil)
	provider := &providers.FakeProductSearch{
		SearchFunc: func(context.Context, string, map[string]string, int) ([]datatypes.Product, error) {
			return nil, errors.New("provider unreachable")
		},
	}
	p := NewProductSearch(rt, provider, analyzeOK())

	out, err := p.Run(context.Background(), "graphics card", nil)
	require.NoError(t, err)

	assert.Equal(t, SearchDegraded, out.Status)
	assert.Empty(t, out.Items)
	assert.True(t, out.Degraded)
	assert.Equal(t, datatypes.PipelineStatusDegraded, out.Execution.Status)
}

func TestProductSearchAnalyzerDownKeepsItems(t *testing.T) {
	rt := pipeline.NewRuntime(nil, nil)
	provider := &providers.FakeProductSearch{Items: makeProducts(7)}
	broken := &llm.Fake{
		ClassifyFunc: func(context.Context, string, map[string]any, any) error {
			return errors.New("model offline")
		},
	}
	p := NewProductSearch(rt, provider, broken)

	out, err := p.Run(context.Background(), "graphics card", nil)
	require.NoError(t, err)

	assert.Equal(t, SearchOK, out.Status)
	assert.Len(t, out.Items, 7)
	assert.True(t, out.Degraded)
	require.NotNil(t, out.Analysis)
	assert.True(t, out.Analysis.Degraded)
	assert.Empty(t, out.Analysis.Brands)
}

func TestProductSearchAnalysisCached(t *testing.T) {
	rt := pipeline.NewRuntime(pipeline.NewCache(64), nil)
	provider := &providers.FakeProductSearch{Items: makeProducts(5)}
	fake := analyzeOK()
	p := NewProductSearch(rt, provider, fake)

	_, err := p.Run(context.Background(), "graphics card", nil)
	require.NoError(t, err)
	second, err := p.Run(context.Background(), "graphics card", nil)
	require.NoError(t, err)

	// Same query, same leading ids: the analyzer must not run again.
	assert.Len(t, fake.Prompts(), 1)
	assert.True(t, second.Execution.CacheHit)
}

func TestFiltersFromConstraints(t *testing.T) {
	tests := []struct {
		name string
		raws []string
		want map[string]string
	}{
		{
			name: "price ceiling and brand",
			raws: []string{"price <= 900 CHF", "brand = NVIDIA"},
			want: map[string]string{"max_price": "900", "brand": "NVIDIA"},
		},
		{
			name: "price floor",
			raws: []string{"price >= 200"},
			want: map[string]string{"min_price": "200"},
		},
		{
			name: "unparseable constraints are skipped",
			raws: []string{"something in no grammar at all !!"},
			want: nil,
		},
		{
			name: "spec constraints stay local",
			raws: []string{"memory_gb >= 12"},
			want: nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FiltersFromConstraints(tc.raws))
		})
	}
}
