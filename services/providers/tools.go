// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// ToolAdapter is one invocable tool. Parameters() declares the argument
// shape as a JSON Schema object; the router presents it in the manifest.
type ToolAdapter interface {
	ID() string
	Description() string
	Parameters() map[string]any
	Invoke(ctx context.Context, arguments map[string]any) (string, error)
}

// ToolRegistry holds the tool adapters available to the router and the
// dispatcher. It doubles as the router's tool catalog.
//
// # Thread Safety
//
// Safe for concurrent use; registration and lookup may interleave.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolAdapter
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolAdapter)}
}

// Register adds or replaces an adapter under its id.
func (r *ToolRegistry) Register(tool ToolAdapter) error {
	if tool == nil || tool.ID() == "" {
		return fmt.Errorf("tool must have a non-empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.ID()] = tool
	return nil
}

// Tools implements the router's tool catalog. Descriptors are sorted by
// id so the manifest is stable across calls.
func (r *ToolRegistry) Tools() []datatypes.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]datatypes.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, datatypes.ToolDescriptor{
			ID:          t.ID(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke runs the named tool.
func (r *ToolRegistry) Invoke(ctx context.Context, toolID string, arguments map[string]any) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[toolID]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", toolID)
	}
	return tool.Invoke(ctx, arguments)
}

// ClockTool reports the current time. It exists so deployments have at
// least one working tool to route to and tests have a deterministic one.
type ClockTool struct {
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

var _ ToolAdapter = (*ClockTool)(nil)

func (t *ClockTool) ID() string { return "clock" }

func (t *ClockTool) Description() string {
	return "returns the current date and time, optionally in a named IANA timezone"
}

func (t *ClockTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, e.g. Europe/Zurich",
			},
		},
	}
}

// Invoke implements ToolAdapter.
func (t *ClockTool) Invoke(_ context.Context, arguments map[string]any) (string, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	ts := now().UTC()
	if tz, ok := arguments["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		ts = ts.In(loc)
	}
	return ts.Format(time.RFC1123), nil
}
