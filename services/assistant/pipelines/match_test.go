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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/pipeline"
	"github.com/lucerne-ai/concierge/services/llm"
	"github.com/lucerne-ai/concierge/services/providers"
)

func matchItems() []datatypes.Product {
	return []datatypes.Product{
		{ID: "a", Title: "NVIDIA RTX 4070", PriceAmount: 649, PriceCurrency: "CHF",
			Specs: map[string]string{"brand": "NVIDIA", "memory_gb": "12"}},
		{ID: "b", Title: "AMD RX 7800 XT", PriceAmount: 549, PriceCurrency: "CHF",
			Specs: map[string]string{"brand": "AMD", "memory_gb": "16"}},
		{ID: "c", Title: "NVIDIA RTX 4080", PriceAmount: 1100, PriceCurrency: "CHF",
			Specs: map[string]string{"brand": "NVIDIA", "memory_gb": "16"}},
		{ID: "d", Title: "NVIDIA RTX 4060", PriceAmount: 330, PriceCurrency: "CHF",
			Specs: map[string]string{"brand": "NVIDIA"}},
	}
}

// rankWith scripts model scores keyed by product id.
func rankWith(scores map[string]float64) *llm.Fake {
	return &llm.Fake{
		ClassifyFunc: func(_ context.Context, _ string, _ map[string]any, out any) error {
			raw, _ := json.Marshal(rankReply{Scores: scores})
			return json.Unmarshal(raw, out)
		},
	}
}

func TestPreferenceMatchHappyPath(t *testing.T) {
	rt := pipeline.NewRuntime(nil, nil)
	specs := &providers.FakeSpecProvider{Specs: map[string]map[string]string{
		"d": {"memory_gb": "8"},
	}}
	client := rankWith(map[string]float64{"a": 0.9, "b": 0.4, "c": 0.7, "d": 0.2})
	p := NewPreferenceMatch(rt, specs, client)

	out, err := p.Run(context.Background(), matchItems(),
		[]string{"price <= 900 CHF", "brand = NVIDIA"},
		map[string]string{"memory": "12GB"})
	require.NoError(t, err)

	// c fails the price constraint, b fails the brand constraint; a and
	// d survive and rank by score.
	require.Len(t, out.Ranked, 2)
	assert.Equal(t, "a", out.Ranked[0].ID)
	assert.Equal(t, "d", out.Ranked[1].ID)
	assert.False(t, out.Degraded)
	assert.InDelta(t, 0.9, out.Ranked[0].Score, 1e-9)

	// The scrape stage filled in the missing spec.
	assert.Equal(t, "8", out.Ranked[1].Specs["memory_gb"])
	assert.Equal(t, datatypes.PipelineStatusOK, out.Execution.Status)
}

func TestPreferenceMatchTopKCap(t *testing.T) {
	rt := pipeline.NewRuntime(nil, nil)
	client := rankWith(map[string]float64{"a": 0.9, "b": 0.8, "c": 0.7, "d": 0.6})
	p := NewPreferenceMatch(rt, &providers.FakeSpecProvider{}, client)

	out, err := p.Run(context.Background(), matchItems(), nil,
		map[string]string{"brand": "any"})
	require.NoError(t, err)

	assert.Len(t, out.Ranked, TopK)
	assert.Equal(t, []string{"a", "b", "c"},
		[]string{out.Ranked[0].ID, out.Ranked[1].ID, out.Ranked[2].ID})
}

func TestPreferenceMatchUnknownSpecPasses(t *testing.T) {
	rt := pipeline.NewRuntime(nil, nil)
	client := rankWith(map[string]float64{})
	p := NewPreferenceMatch(rt, &providers.FakeSpecProvider{}, client)

	// Item "a" definitively fails; "d" carries no memory_gb spec at all
	// and the policy is to keep it.
	out, err := p.Run(context.Background(), matchItems(),
		[]string{"memory_gb >= 16"}, map[string]string{"quiet": "yes"})
	require.NoError(t, err)

	ids := make([]string, 0, len(out.Ranked))
	for _, item := range out.Ranked {
		ids = append(ids, item.ID)
	}
	assert.Contains(t, ids, "d")
}

func TestPreferenceMatchRankFallbackHeuristic(t *testing.T) {
	rt := pipeline.NewRuntime(nil, nil)
	broken := &llm.Fake{
		ClassifyFunc: func(context.Context, string, map[string]any, any) error {
			return errors.New("model offline")
		},
	}
	p := NewPreferenceMatch(rt, &providers.FakeSpecProvider{}, broken)

	out, err := p.Run(context.Background(), matchItems(), nil,
		map[string]string{"brand": "NVIDIA", "memory_gb": "16"})
	require.NoError(t, err)

	assert.True(t, out.Degraded)
	require.NotEmpty(t, out.Ranked)
	// "c" satisfies both preferences heuristically.
	assert.Equal(t, "c", out.Ranked[0].ID)
	assert.Equal(t, datatypes.PipelineStatusDegraded, out.Execution.Status)
}

func TestPreferenceMatchNoPreferencesKeepsSearchOrder(t *testing.T) {
	rt := pipeline.NewRuntime(nil, nil)
	p := NewPreferenceMatch(rt, &providers.FakeSpecProvider{}, &llm.Fake{})

	out, err := p.Run(context.Background(), matchItems(), nil, nil)
	require.NoError(t, err)

	require.Len(t, out.Ranked, TopK)
	assert.Equal(t, "a", out.Ranked[0].ID)
	assert.Equal(t, "b", out.Ranked[1].ID)
	assert.False(t, out.Degraded)
}

func TestPreferenceMatchScrapeErrorsAreBestEffort(t *testing.T) {
	rt := pipeline.NewRuntime(nil, nil)
	specs := &providers.FakeSpecProvider{
		FetchFunc: func(context.Context, string) (map[string]string, error) {
			return nil, errors.New("scrape blocked")
		},
	}
	client := rankWith(map[string]float64{"a": 1})
	p := NewPreferenceMatch(rt, specs, client)

	out, err := p.Run(context.Background(), matchItems(), nil,
		map[string]string{"brand": "NVIDIA"})
	require.NoError(t, err)

	// Scrape failures neither fail nor degrade the pipeline.
	assert.False(t, out.Degraded)
	require.NotEmpty(t, out.Ranked)
	assert.Equal(t, "a", out.Ranked[0].ID)
}
