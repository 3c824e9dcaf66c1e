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
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// PIIType labels a detected span. The structured types come from the
// regex layer; PERSON, ORG, GPE and DATE come from the recognizers.
type PIIType string

const (
	TypeEmail  PIIType = "EMAIL"
	TypePhone  PIIType = "PHONE"
	TypeIBAN   PIIType = "IBAN"
	TypeCard   PIIType = "CARD"
	TypeAHV    PIIType = "AHV"
	TypePerson PIIType = "PERSON"
	TypeOrg    PIIType = "ORG"
	TypeGPE    PIIType = "GPE"
	TypeDate   PIIType = "DATE"
)

// Mode selects how detected spans are rewritten.
type Mode string

const (
	// ModePlaceholder replaces a span with "[TYPE]".
	ModePlaceholder Mode = "placeholder"

	// ModeHash replaces a span with "[TYPE_<first 8 hex of SHA-256>]".
	// Stable across calls: the same input span always produces the
	// same token, so summaries stay correlatable without exposing the
	// value.
	ModeHash Mode = "hash"

	// ModeDrop removes the span entirely, collapsing the surrounding
	// whitespace to a single space.
	ModeDrop Mode = "drop"
)

// Valid reports whether m is a declared mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePlaceholder, ModeHash, ModeDrop:
		return true
	}
	return false
}

// ConfidenceLevel grades a detection.
type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := ConfidenceLevel(s)
	switch incoming {
	case High, Medium, Low:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", incoming)
	}
}

// Entity is one detected span. Start and End are byte offsets into the
// ORIGINAL input text, half-open [Start, End). The raw matched text is
// deliberately not carried; entities travel through logs.
type Entity struct {
	Type       PIIType         `json:"type"`
	Start      int             `json:"start"`
	End        int             `json:"end"`
	Confidence ConfidenceLevel `json:"confidence"`

	// Source is the layer that found the span: "regex", "ner" or "llm".
	Source string `json:"source"`

	// Replacement is the token written into the redacted text, empty
	// in drop mode.
	Replacement string `json:"replacement,omitempty"`
}

// Result is the redactor output for one input.
type Result struct {
	// Text is the redacted text.
	Text string `json:"text"`

	// Entities lists detections ordered by Start offset.
	Entities []Entity `json:"entities,omitempty"`

	// SafeForVectorStore is true when the ORIGINAL input contained no
	// PII at all. Callers holding an unsafe original must store Text,
	// never the input.
	SafeForVectorStore bool `json:"safe_for_vector_store"`

	// Degraded is true when a recognizer layer failed and the result
	// covers fewer layers than configured.
	Degraded bool `json:"degraded,omitempty"`
}

// =============================================================================
// Embedded Rule File Types
// =============================================================================

// RuleFile is the parsed shape of the embedded pattern YAML.
type RuleFile struct {
	Groups []RuleGroup `yaml:"classifications"`
}

// RuleGroup is one PII type with its patterns.
type RuleGroup struct {
	Name             string           `yaml:"name"`
	Description      string           `yaml:"description"`
	Priority         int              `yaml:"priority"`
	Patterns         []Rule           `yaml:"patterns"`
	CompiledPatterns []*regexp.Regexp `yaml:"-"`
}

// Rule is a single regex with provenance metadata.
type Rule struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`
}

// CompileRegexes compiles every pattern in place, failing on the first
// invalid regex so a broken rule file cannot half-load.
func (f *RuleFile) CompileRegexes() error {
	for i := range f.Groups {
		group := &f.Groups[i]
		group.CompiledPatterns = make([]*regexp.Regexp, 0, len(group.Patterns))
		for _, rule := range group.Patterns {
			re, err := regexp.Compile(rule.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", rule.Regex, err)
			}
			group.CompiledPatterns = append(group.CompiledPatterns, re)
		}
	}
	return nil
}

// SortByPriority orders groups highest priority first. Overlap
// resolution depends on this order.
func (f *RuleFile) SortByPriority() {
	sort.Slice(f.Groups, func(i, j int) bool {
		return f.Groups[i].Priority > f.Groups[j].Priority
	})
}
