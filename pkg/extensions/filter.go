// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
)

// ErrMessageBlocked is returned when a filter refuses a message
// outright.
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult is a filter's verdict on one message.
type FilterResult struct {
	// Allowed is false when the message must not proceed.
	Allowed bool

	// Message is the possibly rewritten text to use instead of the
	// input. Equal to the input when nothing changed.
	Message string

	// Reason explains a block or rewrite, for logs.
	Reason string
}

// MessageFilter inspects user input and assistant output before they
// cross the service boundary.
//
// # Description
//
// FilterInput runs on inbound user messages before the engine sees
// them; FilterOutput runs on replies before they leave. A filter may
// pass a message through, rewrite it, or block it. The no-op default
// passes everything unchanged.
type MessageFilter interface {
	FilterInput(ctx context.Context, message string) (*FilterResult, error)
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)
}

// NopMessageFilter passes every message unchanged.
type NopMessageFilter struct{}

// FilterInput implements MessageFilter.
func (f *NopMessageFilter) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Allowed: true, Message: message}, nil
}

// FilterOutput implements MessageFilter.
func (f *NopMessageFilter) FilterOutput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Allowed: true, Message: message}, nil
}

var _ MessageFilter = (*NopMessageFilter)(nil)
