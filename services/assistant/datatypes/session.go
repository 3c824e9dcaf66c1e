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

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Schema and Limit Constants
// =============================================================================

const (
	// CurrentSchemaVersion is the serialization schema of SessionContext.
	// Version history:
	//   1 - initial shape (state, query, results)
	//   2 - added soft_preferences and ranked_products
	//   3 - added pipeline_executions and selected_product_id
	// Loads of older versions go through the session store's upgrader
	// chain; loads of unknown versions are rejected.
	CurrentSchemaVersion = 3

	// MaxRefinementAttempts caps how often the contract may loop through
	// refine_constraints before it is forced onward.
	MaxRefinementAttempts = 3

	// MaxPersistedResults caps search_results at rest. The result gate
	// admits at most this many items into the context.
	MaxPersistedResults = 50

	// MaxRankedProducts caps ranked_products after preference matching.
	MaxRankedProducts = 3
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// sessionValidate is the validator instance for session datatypes.
// Initialized in init() with custom validators.
var sessionValidate *validator.Validate

func init() {
	sessionValidate = validator.New()
	_ = sessionValidate.RegisterValidation("contract_state", validateContractState)
}

// validateContractState enforces the closed state enum on tagged fields.
func validateContractState(fl validator.FieldLevel) bool {
	return State(fl.Field().String()).Valid()
}

// =============================================================================
// SessionContext
// =============================================================================

// SessionContext is the per-session contract state. It is exclusively
// owned by the orchestrator while a turn holds the session lock and is
// written to durable storage only by the session store.
//
// # Description
//
// SessionContext accumulates everything a multi-turn contract needs:
// the normalized query, the constraint and preference sets, the current
// working result set, and an append-only log of pipeline executions.
// Handlers never mutate it directly; they return a patch that the
// orchestrator applies after persistence succeeds.
//
// # Validation
//
// Validate enforces, in order:
//   - session_id present, state in the declared enum
//   - refinement_attempts in [0, 3]
//   - len(search_results) <= 50 and len(ranked_products) <= 3
//   - schema_version equals CurrentSchemaVersion
//
// Hard-constraint conformance of search_results is checked by the
// session store with the same predicate evaluator the filter stage
// uses; it needs spec evaluation and does not belong here.
//
// # Serialization
//
// ToMap/SessionContextFromMap round-trip through JSON. Timestamps are
// Unix milliseconds (UTC) so the round-trip is bit-stable; time.Time
// would not survive a deep-equal comparison after JSON.
//
// # Thread Safety
//
// Not safe for concurrent mutation. The per-session lock in the session
// store is the concurrency discipline.
type SessionContext struct {
	SessionID string `json:"session_id" validate:"required"`

	// UserID may be empty for anonymous sessions.
	UserID string `json:"user_id,omitempty"`

	State State `json:"state" validate:"required,contract_state"`

	// ProductQuery is the normalized query set by the start handler.
	ProductQuery string `json:"product_query,omitempty"`

	// HardConstraints is an ordered list of predicate strings, e.g.
	// "price <= 900 CHF" or "brand = NVIDIA". Order is the order the
	// user stated them; evaluation order does not matter.
	HardConstraints []string `json:"hard_constraints,omitempty"`

	// SoftPreferences maps preference key to desired value. Scored, not
	// filtered; insertion order is irrelevant.
	SoftPreferences map[string]string `json:"soft_preferences,omitempty"`

	// SearchResults is the current working result set. The result gate
	// admits at most MaxPersistedResults items.
	SearchResults []Product `json:"search_results,omitempty" validate:"max=50"`

	// AttributeAnalysis is the analyzer output used to build refinement
	// prompts. Nil until the search pipeline has run.
	AttributeAnalysis *AttributeAnalysis `json:"attribute_analysis,omitempty"`

	// RankedProducts is the preference-match output, best first.
	RankedProducts []Product `json:"ranked_products,omitempty" validate:"max=3"`

	RefinementAttempts int `json:"refinement_attempts" validate:"gte=0,lte=3"`

	// SelectedProductID is set when the user picks in present_options.
	SelectedProductID string `json:"selected_product_id,omitempty"`

	// OrderID is set by the complete_order handler on checkout success.
	OrderID string `json:"order_id,omitempty"`

	// PipelineExecutions is append-only; the orchestrator adds one
	// record per pipeline run.
	PipelineExecutions []PipelineExecution `json:"pipeline_executions,omitempty"`

	SchemaVersion int `json:"schema_version" validate:"required"`

	// CreatedAt and UpdatedAt are Unix milliseconds UTC.
	CreatedAt int64 `json:"created_at" validate:"gt=0"`
	UpdatedAt int64 `json:"updated_at" validate:"gt=0"`
}

// NewSessionContext returns a context in the start state with the
// current schema version and timestamps set.
func NewSessionContext(sessionID, userID string) *SessionContext {
	now := time.Now().UnixMilli()
	return &SessionContext{
		SessionID:     sessionID,
		UserID:        userID,
		State:         StateStart,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks the context against the session invariants. A nil
// return means the context is safe to persist as far as static checks
// go; constraint conformance is the store's concern.
func (c *SessionContext) Validate() error {
	if err := sessionValidate.Struct(c); err != nil {
		return fmt.Errorf("session context invalid: %w", err)
	}
	if c.SchemaVersion != CurrentSchemaVersion {
		return fmt.Errorf("session context invalid: schema version %d, want %d",
			c.SchemaVersion, CurrentSchemaVersion)
	}
	return nil
}

// Touch updates UpdatedAt to now.
func (c *SessionContext) Touch() {
	c.UpdatedAt = time.Now().UnixMilli()
}

// Clone returns a deep copy. The orchestrator snapshots the context
// before running a handler so a failed save can roll back cleanly.
func (c *SessionContext) Clone() *SessionContext {
	if c == nil {
		return nil
	}
	cp := *c
	if c.HardConstraints != nil {
		cp.HardConstraints = append([]string(nil), c.HardConstraints...)
	}
	if c.SoftPreferences != nil {
		cp.SoftPreferences = make(map[string]string, len(c.SoftPreferences))
		for k, v := range c.SoftPreferences {
			cp.SoftPreferences[k] = v
		}
	}
	cp.SearchResults = cloneProducts(c.SearchResults)
	cp.RankedProducts = cloneProducts(c.RankedProducts)
	if c.AttributeAnalysis != nil {
		cp.AttributeAnalysis = c.AttributeAnalysis.Clone()
	}
	if c.PipelineExecutions != nil {
		cp.PipelineExecutions = append([]PipelineExecution(nil), c.PipelineExecutions...)
	}
	return &cp
}

// ToMap serializes the context to a generic map, the canonical
// persistence form. Round-trip stable with SessionContextFromMap.
func (c *SessionContext) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session context: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to convert session context to map: %w", err)
	}
	return m, nil
}

// SessionContextFromMap deserializes a context produced by ToMap. The
// state string is checked against the enum; the schema version is NOT
// checked here because the store applies upgraders first.
func SessionContextFromMap(m map[string]any) (*SessionContext, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to reserialize session map: %w", err)
	}
	var c SessionContext
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse session context: %w", err)
	}
	if _, err := ParseState(string(c.State)); err != nil {
		return nil, fmt.Errorf("failed to parse session context: %w", err)
	}
	return &c, nil
}

// MarshalBinary implements encoding.BinaryMarshaler so the context can
// be handed to stores that persist opaque blobs.
func (c *SessionContext) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *SessionContext) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse session context blob: %w", err)
	}
	_, err := ParseState(string(c.State))
	return err
}
