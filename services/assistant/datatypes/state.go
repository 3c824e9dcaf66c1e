// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the shared data structures for the assistant
// service: session context, contract states, routing intents, products,
// summaries, and audit artifacts.
//
// Types in this package are value-oriented and carry no service handles.
// Serialization is JSON throughout; field names are snake_case to stay
// stable across the Python tooling that consumes exported sessions.
package datatypes

import "fmt"

// State identifies a contract state machine state.
//
// # Description
//
// State is a closed enum. Free strings are rejected at parse and at
// session validation time; persistence of an unknown state is a
// validation error, never a silent write. The zero value is invalid on
// purpose so an unset field cannot masquerade as a real state.
//
// # Thread Safety
//
// State is an immutable value type.
type State string

const (
	// StateStart validates and normalizes the product query.
	StateStart State = "start"

	// StateSearch runs the product search pipeline.
	StateSearch State = "search"

	// StateRefineConstraints asks the user to narrow an oversized result
	// set. Bounded by MaxRefinementAttempts.
	StateRefineConstraints State = "refine_constraints"

	// StateCollectPreferences asks for soft preferences when none were
	// given before matching.
	StateCollectPreferences State = "collect_preferences"

	// StateMatchPreferences runs the preference match pipeline.
	StateMatchPreferences State = "match_preferences"

	// StatePresentOptions renders the ranked products and awaits a
	// selection.
	StatePresentOptions State = "present_options"

	// StateConfirmPurchase awaits the final yes/no.
	StateConfirmPurchase State = "confirm_purchase"

	// StateCompleteOrder calls the checkout collaborator.
	StateCompleteOrder State = "complete_order"

	// StateCompleted is terminal: the order went through.
	StateCompleted State = "completed"

	// StateCancelled is terminal: the user declined, or the loop
	// breaker fired.
	StateCancelled State = "cancelled"

	// StateNoResults is terminal: the search produced nothing usable.
	StateNoResults State = "no_results"
)

// AllStates lists every declared state in dispatch order. Used by the
// contract registry to register a handler per non-terminal state and by
// validation to reject free strings.
var AllStates = []State{
	StateStart,
	StateSearch,
	StateRefineConstraints,
	StateCollectPreferences,
	StateMatchPreferences,
	StatePresentOptions,
	StateConfirmPurchase,
	StateCompleteOrder,
	StateCompleted,
	StateCancelled,
	StateNoResults,
}

var stateSet = func() map[State]struct{} {
	m := make(map[State]struct{}, len(AllStates))
	for _, s := range AllStates {
		m[s] = struct{}{}
	}
	return m
}()

// Valid reports whether s is one of the declared enum values.
func (s State) Valid() bool {
	_, ok := stateSet[s]
	return ok
}

// Terminal reports whether s ends the contract. Terminal sessions accept
// no further contract turns; a new contract starts a fresh session flow.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateNoResults:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// ParseState converts raw into a State or returns an error naming the
// offending value. Use this at every deserialization boundary.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown contract state %q", raw)
	}
	return s, nil
}
