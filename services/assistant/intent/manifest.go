// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// ContractCatalog lists the contracts currently registered. The router
// queries it on every call so contracts registered at runtime show up
// in the next manifest.
type ContractCatalog interface {
	Contracts() []datatypes.ContractDescriptor
}

// ToolCatalog lists the tool adapters currently available.
type ToolCatalog interface {
	Tools() []datatypes.ToolDescriptor
}

// BuildManifest assembles the routing menu: the fixed kind enum plus
// whatever the catalogs report right now. Nil catalogs mean empty lists.
func BuildManifest(contracts ContractCatalog, tools ToolCatalog) datatypes.Manifest {
	m := datatypes.Manifest{
		Kinds:     append([]datatypes.IntentKind(nil), datatypes.IntentKinds...),
		Contracts: []datatypes.ContractDescriptor{},
		Tools:     []datatypes.ToolDescriptor{},
	}
	if contracts != nil {
		m.Contracts = append(m.Contracts, contracts.Contracts()...)
	}
	if tools != nil {
		m.Tools = append(m.Tools, tools.Tools()...)
	}
	return m
}

var kindDescriptions = map[datatypes.IntentKind]string{
	datatypes.IntentChat:      "free conversation answered directly from conversation context",
	datatypes.IntentRAG:       "answer grounded on the user's stored memories and documents",
	datatypes.IntentWebSearch: "answer that needs fresh information from the web",
	datatypes.IntentTool:      "invoke one of the listed tools",
	datatypes.IntentContract:  "start or continue one of the listed multi-step contracts",
}

// renderPrompt lays out the manifest, the pre-pass signal, and the user
// message for the classification call.
func renderPrompt(m datatypes.Manifest, signal datatypes.VolatilitySignal, userText string) string {
	var b strings.Builder
	b.WriteString("Route the user message below to exactly one handler kind.\n\nKinds:\n")
	for _, kind := range m.Kinds {
		fmt.Fprintf(&b, "- %s: %s\n", kind, kindDescriptions[kind])
	}

	b.WriteString("\nContracts:\n")
	if len(m.Contracts) == 0 {
		b.WriteString("- none registered\n")
	}
	for _, c := range m.Contracts {
		fmt.Fprintf(&b, "- %s: %s", c.ID, c.Description)
		if len(c.Triggers) > 0 {
			fmt.Fprintf(&b, " (triggers: %s)", strings.Join(c.Triggers, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nTools:\n")
	if len(m.Tools) == 0 {
		b.WriteString("- none registered\n")
	}
	for _, t := range m.Tools {
		fmt.Fprintf(&b, "- %s: %s", t.ID, t.Description)
		if len(t.Parameters) > 0 {
			if params, err := json.Marshal(t.Parameters); err == nil {
				fmt.Fprintf(&b, " parameters=%s", params)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nVolatility pre-pass: volatility=%s temporal_cue=%t", signal.Volatility, signal.TemporalCue)
	if len(signal.MatchedTerms) > 0 {
		fmt.Fprintf(&b, " matched=%s", strings.Join(signal.MatchedTerms, ", "))
	}
	b.WriteString("\n\nPick contract or tool kinds only when an entry above fits the message exactly. ")
	b.WriteString("Report your confidence honestly; a low confidence routes to chat.\n")
	fmt.Fprintf(&b, "\nUser message:\n%s\n", userText)
	return b.String()
}
