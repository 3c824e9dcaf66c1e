// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contract

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/llm"
)

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"I want to buy a graphics card", "graphics card"},
		{"buy an espresso machine!", "espresso machine"},
		{"  looking   for a   mechanical keyboard ", "mechanical keyboard"},
		{"Purchase a NAS.", "NAS"},
		{"headphones", "headphones"},
		{"buy", ""},
		{"", ""},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizeQuery(tc.in))
		})
	}
}

func TestHeuristicCriteria(t *testing.T) {
	tests := []struct {
		name            string
		in              string
		wantConstraints []string
		wantPrefs       map[string]string
	}{
		{
			name:            "price ceiling with currency",
			in:              "under 900 CHF please",
			wantConstraints: []string{"price <= 900 CHF"},
		},
		{
			name:            "price floor without currency",
			in:              "at least 500",
			wantConstraints: []string{"price >= 500"},
		},
		{
			name:            "capacity becomes a spec floor",
			in:              "16 GB would be good",
			wantConstraints: []string{"memory_gb >= 16"},
		},
		{
			name:      "capitalized token reads as a brand preference",
			in:        "I prefer NVIDIA",
			wantPrefs: map[string]string{"brand": "NVIDIA"},
		},
		{
			name:            "combined message yields both",
			in:              "NVIDIA, under 700 CHF, 12 GB",
			wantConstraints: []string{"price <= 700 CHF", "memory_gb >= 12"},
			wantPrefs:       map[string]string{"brand": "NVIDIA"},
		},
		{
			name: "plain chatter yields nothing",
			in:   "hmm let me think about it",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := heuristicCriteria(tc.in)
			assert.Equal(t, tc.wantConstraints, got.Constraints)
			assert.Equal(t, tc.wantPrefs, got.Preferences)
		})
	}
}

func TestCriteriaParserValidatesModelOutput(t *testing.T) {
	client := &llm.Fake{
		ClassifyFunc: func(_ context.Context, _ string, _ map[string]any, out any) error {
			raw, _ := json.Marshal(map[string]any{
				"hard_constraints": []string{"price <= 900 CHF", "not a predicate at all"},
				"soft_preferences": map[string]string{"brand": "NVIDIA"},
			})
			return json.Unmarshal(raw, out)
		},
	}
	p := NewCriteriaParser(client)

	got := p.Parse(context.Background(), "something under 900")
	// The unparseable predicate the model proposed must not survive.
	assert.Equal(t, []string{"price <= 900 CHF"}, got.Constraints)
	assert.Equal(t, map[string]string{"brand": "NVIDIA"}, got.Preferences)
}

func TestCriteriaParserFallsBackWhenModelFails(t *testing.T) {
	client := &llm.Fake{
		ClassifyFunc: func(context.Context, string, map[string]any, any) error {
			return errors.New("model offline")
		},
	}
	p := NewCriteriaParser(client)

	got := p.Parse(context.Background(), "under 700 CHF")
	require.Equal(t, []string{"price <= 700 CHF"}, got.Constraints)
}

func TestParseSelection(t *testing.T) {
	options := []datatypes.Product{
		{ID: "gpu-1", Title: "NVIDIA RTX 4070"},
		{ID: "gpu-2", Title: "AMD RX 7800 XT"},
		{ID: "gpu-3", Title: "Intel Arc A770"},
	}
	tests := []struct {
		in   string
		want int
	}{
		{"the first one", 0},
		{"2", 1},
		{"I'll take the third", 2},
		{"the 4070 looks good", 0},
		{"gpu-2", 1},
		{"the Intel one", 2},
		{"number two please", 1},
		{"they all look fine", -1},
		{"", -1},
		{"the fourth", -1},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, parseSelection(tc.in, options))
		})
	}
}

func TestParseYesNo(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"yes", 1},
		{"Yes please!", 1},
		{"sure, go ahead", 1},
		{"no", -1},
		{"No, cancel it", -1},
		{"hmm maybe", 0},
		{"yes... actually no", 0},
		{"nothing", 0},
		{"", 0},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, parseYesNo(tc.in))
		})
	}
}

func TestDeclinesPreferences(t *testing.T) {
	assert.True(t, declinesPreferences("no preference"))
	assert.True(t, declinesPreferences("any"))
	assert.True(t, declinesPreferences("whatever works"))
	assert.True(t, declinesPreferences(""))
	assert.False(t, declinesPreferences("no AMD cards, otherwise quiet cooling and RGB lights"))
	assert.False(t, declinesPreferences("something quiet"))
}
