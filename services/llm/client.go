// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the language-model collaborator clients. Every caller
// in the assistant (the intent router, the summarizer, the redactor's LLM
// recognizer, the dispatch handlers) goes through the same two-method
// Client interface, so backends can be swapped per deployment without
// touching call sites.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenerationParams tunes a single completion call. Nil fields mean
// "backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client is the surface the assistant depends on.
//
// # Description
//
// Complete returns free text for a prompt. Classify asks the model for a
// JSON object matching the supplied schema and unmarshals it into out;
// implementations must fail with an error rather than return text that
// does not parse, because classification callers treat any Classify error
// as "fall back to the deterministic path".
//
// # Thread Safety
//
// All implementations in this package are safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Classify(ctx context.Context, prompt string, schema map[string]any, out any) error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "openai" or "local". An empty value selects "openai".
	Backend string `yaml:"backend" validate:"omitempty,oneof=openai local"`

	// BaseURL overrides the backend endpoint. For the openai backend this
	// allows any OpenAI-compatible server (vLLM, llama.cpp server mode);
	// for the local backend it is required.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the openai backend. Ignored by local.
	APIKey string `yaml:"api_key"`

	// Model names the model to request.
	Model string `yaml:"model"`

	// Timeout bounds a single HTTP call. Zero means 2 minutes.
	Timeout time.Duration `yaml:"timeout"`
}

// New builds the backend named by cfg.Backend.
func New(cfg Config) (Client, error) {
	switch cfg.Backend {
	case "", "openai":
		return NewOpenAIClient(cfg)
	case "local":
		return NewLocalClient(cfg)
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}

// =============================================================================
// Shared helpers
// =============================================================================

// classifyPreamble is prepended to every Classify prompt so backends
// without a native JSON mode still answer with a bare object.
const classifyPreamble = "Respond with a single JSON object and nothing else. " +
	"The object must match this schema:\n%s\n\n"

// renderSchema flattens the schema map into the prompt form the models see.
func renderSchema(schema map[string]any) string {
	b, err := json.Marshal(schema)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// extractJSON pulls the first top-level JSON object out of a model reply.
// Models wrap objects in code fences or prose often enough that unmarshaling
// the raw reply directly would make Classify flaky.
func extractJSON(reply string) (string, error) {
	s := strings.TrimSpace(reply)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON object in model reply")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in model reply")
}

// unmarshalStrict decodes candidate JSON into out, rejecting fields the
// target type does not declare. Hallucinated keys surface as errors here
// instead of silently shaping downstream decisions.
func unmarshalStrict(candidate string, out any) error {
	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("model reply does not match schema: %w", err)
	}
	return nil
}
