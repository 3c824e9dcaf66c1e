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
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/llm"
)

var tracer = otel.Tracer("concierge.intent")

// Config tunes the router. Zero values take defaults.
type Config struct {
	// Deadline bounds the classification call.
	Deadline time.Duration

	// ConfidenceFloor is the minimum model confidence; anything below
	// routes to chat.
	ConfidenceFloor float64
}

func (c *Config) applyDefaults() {
	if c.Deadline <= 0 {
		c.Deadline = 3 * time.Second
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.6
	}
}

// Router produces the Intent for a turn: volatility pre-pass, manifest
// assembly, model classification, strict validation, and the websearch
// override for fresh temporal queries.
//
// # Thread Safety
//
// Route is safe for concurrent use; all mutable state lives in the
// injected settings store and catalogs.
type Router struct {
	llm       llm.Client
	settings  *SettingsStore
	contracts ContractCatalog
	tools     ToolCatalog
	cfg       Config
	now       func() time.Time
	log       *slog.Logger
}

// NewRouter wires a Router. Catalogs may be nil when no contracts or
// tools are registered.
func NewRouter(client llm.Client, settings *SettingsStore, contracts ContractCatalog, tools ToolCatalog, cfg Config) *Router {
	cfg.applyDefaults()
	return &Router{
		llm:       client,
		settings:  settings,
		contracts: contracts,
		tools:     tools,
		cfg:       cfg,
		now:       time.Now,
		log:       slog.Default().With("component", "intent_router"),
	}
}

// SetClock overrides the clock used for year-cue detection.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// routerReply is the strict shape the model must return. Any extra
// field fails decoding and routes to chat.
type routerReply struct {
	Kind             string  `json:"kind"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
	SelectedContract string  `json:"selected_contract,omitempty"`
	SelectedTool     string  `json:"selected_tool,omitempty"`
}

var routeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"kind": map[string]any{
			"type": "string",
			"enum": []string{"chat", "rag", "websearch", "tool", "contract"},
		},
		"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"reasoning":  map[string]any{"type": "string"},
		"selected_contract": map[string]any{
			"type":        "string",
			"description": "required when kind is contract; one of the listed contract ids",
		},
		"selected_tool": map[string]any{
			"type":        "string",
			"description": "required when kind is tool; one of the listed tool ids",
		},
	},
	"required": []string{"kind", "confidence", "reasoning"},
}

// Route classifies one user message. It never returns an error: every
// failure mode folds into the chat fallback so a broken or slow model
// degrades the experience instead of the turn.
func (r *Router) Route(ctx context.Context, userText string) datatypes.Intent {
	ctx, span := tracer.Start(ctx, "Router.Route")
	defer span.End()

	signal := Classify(userText, r.settings.Snapshot(), r.now())
	manifest := BuildManifest(r.contracts, r.tools)
	span.SetAttributes(
		attribute.String("intent.volatility", string(signal.Volatility)),
		attribute.Bool("intent.temporal_cue", signal.TemporalCue),
	)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	var reply routerReply
	err := r.llm.Classify(ctx, renderPrompt(manifest, signal, userText), routeSchema, &reply)
	if err != nil {
		reason := "fallback"
		if datatypes.IsCancelled(err) {
			reason = "timeout"
		}
		r.log.Warn("intent classification failed, routing to chat",
			"reason", reason, "error", err)
		return r.fallback(signal, reason, 0)
	}

	intent, problem := r.validate(reply, manifest, signal)
	if problem != "" {
		r.log.Warn("intent reply rejected, routing to chat",
			"problem", problem, "kind", reply.Kind)
		return r.fallback(signal, "fallback", reply.Confidence)
	}

	if intent.Confidence < r.cfg.ConfidenceFloor {
		return r.fallback(signal, "fallback", intent.Confidence)
	}

	// Fresh, time-anchored questions beat the model's preference for
	// answering from what it already knows.
	if (intent.Kind == datatypes.IntentChat || intent.Kind == datatypes.IntentRAG) &&
		signal.Volatility == datatypes.VolatilityVolatile && signal.TemporalCue {
		intent.Kind = datatypes.IntentWebSearch
		intent.Reasoning += "; volatility override: volatile topic with temporal cue"
	}

	span.SetAttributes(
		attribute.String("intent.kind", string(intent.Kind)),
		attribute.Float64("intent.confidence", intent.Confidence),
	)
	return intent
}

// validate turns the raw reply into an Intent, or names the problem.
func (r *Router) validate(reply routerReply, manifest datatypes.Manifest, signal datatypes.VolatilitySignal) (datatypes.Intent, string) {
	kind, err := datatypes.ParseIntentKind(reply.Kind)
	if err != nil {
		return datatypes.Intent{}, err.Error()
	}
	if reply.Confidence < 0 || reply.Confidence > 1 {
		return datatypes.Intent{}, "confidence out of range"
	}

	intent := datatypes.Intent{
		Kind:        kind,
		Confidence:  reply.Confidence,
		Reasoning:   reply.Reasoning,
		Volatility:  signal.Volatility,
		TemporalCue: signal.TemporalCue,
	}
	switch kind {
	case datatypes.IntentContract:
		if _, ok := manifest.Contract(reply.SelectedContract); !ok {
			return datatypes.Intent{}, "selected_contract not in manifest"
		}
		intent.SelectedContract = reply.SelectedContract
	case datatypes.IntentTool:
		if _, ok := manifest.Tool(reply.SelectedTool); !ok {
			return datatypes.Intent{}, "selected_tool not in manifest"
		}
		intent.SelectedTool = reply.SelectedTool
	}
	return intent, ""
}

func (r *Router) fallback(signal datatypes.VolatilitySignal, reason string, confidence float64) datatypes.Intent {
	return datatypes.Intent{
		Kind:        datatypes.IntentChat,
		Confidence:  confidence,
		Reasoning:   reason,
		Volatility:  signal.Volatility,
		TemporalCue: signal.TemporalCue,
	}
}
