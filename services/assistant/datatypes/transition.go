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

import "time"

// ContextPatch is the only way a state handler changes session state.
// Handlers are pure: they compute a patch, the orchestrator applies it.
// Nil pointer fields mean "leave unchanged"; non-nil empty slices and
// maps mean "replace with empty".
type ContextPatch struct {
	ProductQuery      *string            `json:"product_query,omitempty"`
	HardConstraints   []string           `json:"hard_constraints,omitempty"`
	SoftPreferences   map[string]string  `json:"soft_preferences,omitempty"`
	SearchResults     []Product          `json:"search_results,omitempty"`
	AttributeAnalysis *AttributeAnalysis `json:"attribute_analysis,omitempty"`
	RankedProducts    []Product          `json:"ranked_products,omitempty"`

	// RefinementDelta increments refinement_attempts. Never negative;
	// the counter is monotonic.
	RefinementDelta int `json:"refinement_delta,omitempty"`

	SelectedProductID *string `json:"selected_product_id,omitempty"`
	OrderID           *string `json:"order_id,omitempty"`

	// Executions are appended to the context's pipeline log.
	Executions []PipelineExecution `json:"executions,omitempty"`
}

// Apply mutates ctx in place with the patch contents and bumps
// UpdatedAt. Call only on a snapshot the caller owns.
func (p *ContextPatch) Apply(ctx *SessionContext) {
	if p == nil || ctx == nil {
		return
	}
	if p.ProductQuery != nil {
		ctx.ProductQuery = *p.ProductQuery
	}
	if p.HardConstraints != nil {
		ctx.HardConstraints = append([]string(nil), p.HardConstraints...)
	}
	if p.SoftPreferences != nil {
		merged := make(map[string]string, len(ctx.SoftPreferences)+len(p.SoftPreferences))
		for k, v := range ctx.SoftPreferences {
			merged[k] = v
		}
		for k, v := range p.SoftPreferences {
			merged[k] = v
		}
		ctx.SoftPreferences = merged
	}
	if p.SearchResults != nil {
		ctx.SearchResults = cloneProducts(p.SearchResults)
	}
	if p.AttributeAnalysis != nil {
		ctx.AttributeAnalysis = p.AttributeAnalysis.Clone()
	}
	if p.RankedProducts != nil {
		ctx.RankedProducts = cloneProducts(p.RankedProducts)
	}
	if p.RefinementDelta > 0 {
		ctx.RefinementAttempts += p.RefinementDelta
	}
	if p.SelectedProductID != nil {
		ctx.SelectedProductID = *p.SelectedProductID
	}
	if p.OrderID != nil {
		ctx.OrderID = *p.OrderID
	}
	if len(p.Executions) > 0 {
		ctx.PipelineExecutions = append(ctx.PipelineExecutions, p.Executions...)
	}
	ctx.Touch()
}

// StateTransition is the value object a state handler returns. The
// orchestrator sets ctx.State to ToState, applies the patch, persists,
// and only then surfaces AssistantMessage.
type StateTransition struct {
	FromState State `json:"from_state"`
	ToState   State `json:"to_state"`

	// AssistantMessage is the user-visible reply for this turn. Empty
	// when the machine should immediately run the next state's handler
	// in the same turn (an internal hop such as start -> search).
	AssistantMessage string `json:"assistant_message,omitempty"`

	ContextPatch *ContextPatch `json:"context_patch,omitempty"`

	// Trigger names what caused the transition ("user_message",
	// "pipeline_ok", "pipeline_too_many", "refinement_cap",
	// "loop_breaker", ...). Diagnostic only.
	Trigger string `json:"trigger"`

	// EmittedAt is Unix milliseconds UTC.
	EmittedAt int64 `json:"emitted_at"`
}

// NewTransition stamps a transition with the current time.
func NewTransition(from, to State, trigger string) StateTransition {
	return StateTransition{
		FromState: from,
		ToState:   to,
		Trigger:   trigger,
		EmittedAt: time.Now().UnixMilli(),
	}
}

// Internal reports whether the machine should continue into the next
// state within the same turn instead of replying to the user.
func (t StateTransition) Internal() bool {
	return t.AssistantMessage == "" && !t.ToState.Terminal()
}
