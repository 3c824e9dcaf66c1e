// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contract implements the multi-turn contract state machine.
//
// # Description
//
// A contract is a named workflow over the session context: one handler
// per state, each returning a StateTransition. Handlers are pure with
// respect to the session: every change they want is expressed in the
// transition's context patch, which the engine applies only after
// persistence succeeds. The machine itself is a dispatcher; it holds no
// per-session state.
//
// A transition with no assistant message and a non-terminal target is an
// internal hop: the engine immediately runs the next state's handler
// within the same turn. The user message is consumed by the first hop;
// later hops in the turn see an empty message.
//
// # Thread Safety
//
// Machine and Registry are safe for concurrent use after construction.
package contract

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// Transition triggers shared by the handlers. Diagnostic only; the
// engine and the audit trail record them verbatim.
const (
	TriggerUserMessage   = "user_message"
	TriggerPipelineOK    = "pipeline_ok"
	TriggerTooMany       = "pipeline_too_many"
	TriggerDegraded      = "pipeline_degraded"
	TriggerRefinementCap = "refinement_cap"
	TriggerClarify       = "clarify"
	TriggerTerminal      = "terminal"
	TriggerHandlerError  = "handler_error"
	TriggerCheckoutOK    = "checkout_ok"
	TriggerUserDeclined  = "user_declined"
)

// Handler is one state's logic.
type Handler interface {
	// State names the state this handler serves.
	State() datatypes.State

	// Handle computes the transition for one step. userMessage is empty
	// when the step was reached by an internal hop within the turn.
	// Handle must not mutate sc; changes belong in the patch.
	Handle(ctx context.Context, sc *datatypes.SessionContext, userMessage string) (datatypes.StateTransition, error)
}

// Machine dispatches session turns to state handlers.
type Machine struct {
	handlers map[datatypes.State]Handler
	log      *slog.Logger
}

// NewMachine builds a machine from the given handlers. Duplicate states
// are a programming error and panic at construction.
func NewMachine(handlers ...Handler) *Machine {
	m := &Machine{
		handlers: make(map[datatypes.State]Handler, len(handlers)),
		log:      slog.Default().With("component", "contract_machine"),
	}
	for _, h := range handlers {
		if _, dup := m.handlers[h.State()]; dup {
			panic(fmt.Sprintf("contract: duplicate handler for state %q", h.State()))
		}
		m.handlers[h.State()] = h
	}
	return m
}

// Step runs the handler for the session's current state. It never
// returns an error: handler failures become stay-put transitions with a
// user-visible explanation, so a broken collaborator costs the step, not
// the session.
func (m *Machine) Step(ctx context.Context, sc *datatypes.SessionContext, userMessage string) datatypes.StateTransition {
	state := sc.State
	if state.Terminal() {
		t := datatypes.NewTransition(state, state, TriggerTerminal)
		t.AssistantMessage = "This request has already concluded. Start a new one if you would like to continue."
		return t
	}

	h, ok := m.handlers[state]
	if !ok {
		m.log.Error("no handler registered for state",
			"session_id", sc.SessionID, "state", state)
		t := datatypes.NewTransition(state, state, TriggerHandlerError)
		t.AssistantMessage = "I cannot continue this request right now. Please try again."
		return t
	}

	t, err := h.Handle(ctx, sc, userMessage)
	if err != nil {
		m.log.Warn("state handler failed, staying put",
			"session_id", sc.SessionID, "state", state, "error", err)
		t = datatypes.NewTransition(state, state, TriggerHandlerError)
		t.AssistantMessage = "Something went wrong on my side. Please try that again in a moment."
		return t
	}
	return t
}

// Has reports whether a handler is registered for state.
func (m *Machine) Has(state datatypes.State) bool {
	_, ok := m.handlers[state]
	return ok
}

// Contract couples a routing descriptor with its machine.
type Contract struct {
	ID          string
	Description string
	Triggers    []string
	Machine     *Machine
}

// Registry holds the registered contracts and doubles as the router's
// contract catalog.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]*Contract)}
}

// Register adds or replaces a contract.
func (r *Registry) Register(c *Contract) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("contract must have an id")
	}
	if c.Machine == nil {
		return fmt.Errorf("contract %q has no machine", c.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[c.ID] = c
	return nil
}

// Get returns the contract by id.
func (r *Registry) Get(id string) (*Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[id]
	return c, ok
}

// Contracts implements the router's ContractCatalog: descriptors for
// every registered contract, ordered by id for stable manifests.
func (r *Registry) Contracts() []datatypes.ContractDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]datatypes.ContractDescriptor, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, datatypes.ContractDescriptor{
			ID:          c.ID,
			Description: c.Description,
			Triggers:    append([]string(nil), c.Triggers...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
