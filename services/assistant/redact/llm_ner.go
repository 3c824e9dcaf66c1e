// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redact

import (
	"context"
	"fmt"
	"strings"
)

// Classifier is the narrow LLM surface the recognizer needs. The llm
// service satisfies it; tests inject a fake.
type Classifier interface {
	Classify(ctx context.Context, prompt string, schema map[string]any, out any) error
}

// LLMRecognizer is the optional third detection layer. It asks the
// model for entity strings, not offsets (models are unreliable with
// offsets), and locates every occurrence in the input itself.
//
// Only enabled when the deployment allows content to reach the model
// before redaction; locality-restricted deployments keep this off.
type LLMRecognizer struct {
	llm Classifier
}

// NewLLMRecognizer wraps a classifier.
func NewLLMRecognizer(llm Classifier) *LLMRecognizer {
	return &LLMRecognizer{llm: llm}
}

const nerPrompt = `Extract named entities from the text below. Report every person name
(PERSON), organization (ORG), geographic or political place (GPE) and
date expression (DATE). Report the exact substring as it appears.
Return JSON only.

Text:
%s`

var nerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"entities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type": map[string]any{
						"type": "string",
						"enum": []string{"PERSON", "ORG", "GPE", "DATE"},
					},
					"text": map[string]any{"type": "string"},
				},
				"required": []string{"type", "text"},
			},
		},
	},
	"required": []string{"entities"},
}

type nerReply struct {
	Entities []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"entities"`
}

// Recognize implements EntityRecognizer.
func (r *LLMRecognizer) Recognize(ctx context.Context, text string) ([]Entity, error) {
	var reply nerReply
	if err := r.llm.Classify(ctx, fmt.Sprintf(nerPrompt, text), nerSchema, &reply); err != nil {
		return nil, fmt.Errorf("llm entity extraction failed: %w", err)
	}

	var entities []Entity
	for _, e := range reply.Entities {
		t := PIIType(e.Type)
		switch t {
		case TypePerson, TypeOrg, TypeGPE, TypeDate:
		default:
			continue
		}
		needle := strings.TrimSpace(e.Text)
		if needle == "" {
			continue
		}
		for from := 0; ; {
			idx := strings.Index(text[from:], needle)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(needle)
			if !overlapsAny(entities, start, end) && !insideBrackets(text, start) {
				entities = append(entities, Entity{
					Type: t, Start: start, End: end, Confidence: Medium,
				})
			}
			from = end
		}
	}
	return entities, nil
}

var _ EntityRecognizer = (*LLMRecognizer)(nil)
