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

import "fmt"

// =============================================================================
// Intent Kinds
// =============================================================================

// IntentKind is the routing decision for a turn.
type IntentKind string

const (
	// IntentChat answers directly from the LLM with summary + buffer
	// context.
	IntentChat IntentKind = "chat"

	// IntentRAG answers grounded on the user's semantic memories.
	IntentRAG IntentKind = "rag"

	// IntentWebSearch answers grounded on fresh web results.
	IntentWebSearch IntentKind = "websearch"

	// IntentTool invokes a named tool adapter.
	IntentTool IntentKind = "tool"

	// IntentContract enters or continues a multi-turn contract.
	IntentContract IntentKind = "contract"
)

// IntentKinds lists the closed routing enum presented in the manifest.
var IntentKinds = []IntentKind{
	IntentChat, IntentRAG, IntentWebSearch, IntentTool, IntentContract,
}

// Valid reports whether k is a declared kind.
func (k IntentKind) Valid() bool {
	for _, known := range IntentKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseIntentKind converts a raw string, rejecting free strings.
func ParseIntentKind(raw string) (IntentKind, error) {
	k := IntentKind(raw)
	if !k.Valid() {
		return "", fmt.Errorf("unknown intent kind %q", raw)
	}
	return k, nil
}

// =============================================================================
// Volatility
// =============================================================================

// Volatility classifies how quickly the truth behind a query changes.
type Volatility string

const (
	// VolatilityVolatile queries go stale within days (prices, office
	// holders, scores).
	VolatilityVolatile Volatility = "volatile"

	// VolatilitySemiStatic queries change over months or years.
	VolatilitySemiStatic Volatility = "semi_static"

	// VolatilityStatic queries are settled facts.
	VolatilityStatic Volatility = "static"

	// VolatilityUnknown means no keyword set matched.
	VolatilityUnknown Volatility = "unknown"
)

// VolatilitySignal is the deterministic pre-pass result fed to the
// router alongside the manifest.
type VolatilitySignal struct {
	Volatility   Volatility `json:"volatility"`
	TemporalCue  bool       `json:"temporal_cue"`
	MatchedTerms []string   `json:"matched_terms,omitempty"`
}

// =============================================================================
// Routing Manifest
// =============================================================================

// ContractDescriptor advertises one registered contract to the router.
type ContractDescriptor struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Triggers    []string `json:"triggers,omitempty"`
}

// ToolDescriptor advertises one tool adapter to the router. Parameters
// is a JSON Schema object.
type ToolDescriptor struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Manifest is the routing menu assembled fresh per call: the static
// kind enum plus whatever contracts and tools are registered right now.
type Manifest struct {
	Kinds     []IntentKind         `json:"kinds"`
	Contracts []ContractDescriptor `json:"contracts"`
	Tools     []ToolDescriptor     `json:"tools"`
}

// Contract returns the descriptor for id, if registered.
func (m *Manifest) Contract(id string) (ContractDescriptor, bool) {
	for _, c := range m.Contracts {
		if c.ID == id {
			return c, true
		}
	}
	return ContractDescriptor{}, false
}

// Tool returns the descriptor for id, if registered.
func (m *Manifest) Tool(id string) (ToolDescriptor, bool) {
	for _, t := range m.Tools {
		if t.ID == id {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// =============================================================================
// Intent
// =============================================================================

// Intent is the validated routing decision for one turn.
//
// Confidence below the router floor never reaches the dispatcher: the
// router already rewrote the kind to chat with reason "fallback". The
// deterministic websearch override keeps the model's confidence and
// appends its own note to Reasoning.
type Intent struct {
	Kind       IntentKind `json:"kind"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning,omitempty"`

	// SelectedContract is set only when Kind is contract and matches a
	// manifest entry exactly.
	SelectedContract string `json:"selected_contract,omitempty"`

	// SelectedTool is set only when Kind is tool.
	SelectedTool string `json:"selected_tool,omitempty"`

	Volatility  Volatility `json:"volatility"`
	TemporalCue bool       `json:"temporal_cue"`
}
