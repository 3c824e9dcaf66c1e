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

// Message roles. System messages never originate from users.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MaxMessageContentBytes is the maximum size of a single message
// content. Larger payloads are rejected at the handler boundary before
// any store sees them.
const MaxMessageContentBytes = 32 * 1024

// Message is one conversation message. Content that enters a durable
// tier has been through the redactor, except in the audit store which
// keeps the raw encrypted payload for compliance.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Ts is Unix milliseconds UTC.
	Ts int64 `json:"ts"`

	// Seq is the buffer sequence number, assigned by the buffer store on
	// append and zero before. Summaries reference covered messages by Seq.
	Seq int64 `json:"seq,omitempty"`
}

// NewMessage stamps a message with the current time.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content, Ts: time.Now().UnixMilli()}
}

// TurnRequest is the inbound body for POST /v1/turn.
type TurnRequest struct {
	SessionID   string `json:"session_id" validate:"required"`
	UserID      string `json:"user_id,omitempty"`
	UserMessage string `json:"user_message" validate:"required"`

	// DeadlineMs overrides the per-turn deadline when positive, capped
	// by the server maximum.
	DeadlineMs int64 `json:"deadline_ms,omitempty"`
}

// Validate checks the request after JSON binding.
func (r *TurnRequest) Validate() error {
	if err := sessionValidate.Struct(r); err != nil {
		return err
	}
	return nil
}

// TurnResponse is the reply for one completed turn.
type TurnResponse struct {
	SessionID        string `json:"session_id"`
	AssistantMessage string `json:"assistant_message"`

	// Kind is the routed intent kind that produced the reply.
	Kind string `json:"kind"`

	// Partial marks a degraded reply produced under an expired deadline.
	Partial bool `json:"partial,omitempty"`

	// State is the contract state after the turn, empty outside
	// contract flows.
	State string `json:"state,omitempty"`

	ProcessingTimeMs int64 `json:"processing_time_ms,omitempty"`
}
