// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redact is the PII gate in front of every durable write. It
// detects structured identifiers with embedded regex rules, free-text
// entities with a pluggable recognizer, and rewrites the text in one of
// three modes before it may cross a durability boundary.
//
// # Description
//
// Detection runs in layers: the regex layer first, then the configured
// named-entity recognizer, then an optional LLM recognizer. A later
// layer never overrides an earlier hit for the same span. Redaction is
// idempotent: running the output through the redactor again finds
// nothing, because the replacement tokens match none of the rules.
//
// # Thread Safety
//
// A Redactor is immutable after construction and safe for concurrent
// use. Redact holds no state between calls.
//
// # Limitations
//
//   - The regex layer is tuned for Swiss formats (phone, IBAN, AHV).
//   - The heuristic recognizer trades recall for zero dependencies;
//     deployments that need better NER inject their own recognizer.
package redact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lucerne-ai/concierge/services/assistant/redact/rules"
)

const spaceCutset = " \t\n\r"

// Config holds the redactor feature switches.
type Config struct {
	// UseNER enables the named-entity recognizer layer.
	UseNER bool

	// AllowLLMFallback enables the LLM recognizer layer. Off in
	// locality-restricted deployments.
	AllowLLMFallback bool

	// DefaultMode applies when a caller passes an invalid mode.
	DefaultMode Mode
}

// DefaultConfig returns the production defaults: NER on, LLM layer off.
func DefaultConfig() Config {
	return Config{
		UseNER:           true,
		AllowLLMFallback: false,
		DefaultMode:      ModePlaceholder,
	}
}

// EntityRecognizer finds free-text entities. Implementations return
// entities with byte offsets into the given text; the redactor resolves
// overlaps with earlier layers itself.
type EntityRecognizer interface {
	Recognize(ctx context.Context, text string) ([]Entity, error)
}

// Redactor applies the layered detection and rewrite.
type Redactor struct {
	cfg   Config
	rules *RuleFile
	ner   EntityRecognizer
	llm   EntityRecognizer
	log   *slog.Logger
}

// Option customizes a Redactor.
type Option func(*Redactor)

// WithRecognizer replaces the default heuristic recognizer.
func WithRecognizer(r EntityRecognizer) Option {
	return func(rd *Redactor) { rd.ner = r }
}

// WithLLMRecognizer sets the optional third-layer recognizer. It is
// only consulted when Config.AllowLLMFallback is true.
func WithLLMRecognizer(r EntityRecognizer) Option {
	return func(rd *Redactor) { rd.llm = r }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(rd *Redactor) { rd.log = l }
}

// New builds a Redactor from the embedded rule file.
//
// It performs the following operations:
//  1. Unmarshals the embedded YAML rules.
//  2. Compiles all regex patterns.
//  3. Sorts rule groups by priority.
//
// Returns an error if the embedded YAML is malformed or contains an
// invalid regex.
func New(cfg Config, opts ...Option) (*Redactor, error) {
	var file RuleFile
	if err := yaml.Unmarshal(rules.PIIPatterns, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded rule file: %w", err)
	}
	if err := file.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a rule regex: %w", err)
	}
	file.SortByPriority()

	if !cfg.DefaultMode.Valid() {
		cfg.DefaultMode = ModePlaceholder
	}
	r := &Redactor{
		cfg:   cfg,
		rules: &file,
		ner:   NewHeuristicRecognizer(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Redact detects and rewrites PII in text.
//
// # Inputs
//
//   - ctx: Deadline for the recognizer layers. The regex layer ignores
//     it, so a cancelled context still yields a regex-only result.
//   - text: Raw input. Empty input yields an empty result.
//   - mode: Rewrite mode; invalid values fall back to the configured
//     default.
//
// # Outputs
//
//   - Result: Never an error. Recognizer failures degrade the result
//     to the layers that succeeded and set Degraded.
func (r *Redactor) Redact(ctx context.Context, text string, mode Mode) Result {
	if !mode.Valid() {
		mode = r.cfg.DefaultMode
	}
	if text == "" {
		return Result{Text: "", SafeForVectorStore: true}
	}

	entities := r.regexLayer(text)
	degraded := false

	if r.cfg.UseNER && r.ner != nil {
		found, err := r.ner.Recognize(ctx, text)
		if err != nil {
			degraded = true
			r.log.Warn("entity recognizer failed, continuing regex-only",
				"error", err, "layer", "ner")
		} else {
			entities = mergeEntities(entities, found, "ner")
		}
	}

	if r.cfg.AllowLLMFallback && r.llm != nil {
		found, err := r.llm.Recognize(ctx, text)
		if err != nil {
			degraded = true
			r.log.Warn("llm recognizer failed, keeping earlier layers",
				"error", err, "layer", "llm")
		} else {
			entities = mergeEntities(entities, found, "llm")
		}
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].Start < entities[j].Start })

	redacted := rewrite(text, entities, mode)
	return Result{
		Text:               redacted,
		Entities:           entities,
		SafeForVectorStore: len(entities) == 0,
		Degraded:           degraded,
	}
}

// regexLayer runs every rule group in priority order. Overlapping
// matches from lower-priority groups are dropped.
func (r *Redactor) regexLayer(text string) []Entity {
	var entities []Entity
	for gi := range r.rules.Groups {
		group := &r.rules.Groups[gi]
		piiType := PIIType(group.Name)
		for pi, re := range group.CompiledPatterns {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				if overlapsAny(entities, loc[0], loc[1]) {
					continue
				}
				span := text[loc[0]:loc[1]]
				entities = append(entities, Entity{
					Type:       piiType,
					Start:      loc[0],
					End:        loc[1],
					Confidence: verifiedConfidence(piiType, span, group.Patterns[pi].Confidence),
					Source:     "regex",
				})
			}
		}
	}
	return entities
}

// verifiedConfidence runs the checksum verifier for types that have
// one. A failed checksum keeps the detection but lowers confidence.
func verifiedConfidence(t PIIType, span string, base ConfidenceLevel) ConfidenceLevel {
	switch t {
	case TypeCard:
		if luhnValid(span) {
			return High
		}
		return Low
	case TypeIBAN:
		if ibanValid(span) {
			return High
		}
		return Low
	case TypeAHV:
		if ahvValid(span) {
			return High
		}
		return Medium
	}
	return base
}

// mergeEntities appends the later-layer findings that do not overlap an
// accepted span, stamping their source.
func mergeEntities(accepted, found []Entity, source string) []Entity {
	for _, e := range found {
		if e.End <= e.Start {
			continue
		}
		if overlapsAny(accepted, e.Start, e.End) {
			continue
		}
		e.Source = source
		accepted = append(accepted, e)
	}
	return accepted
}

func overlapsAny(entities []Entity, start, end int) bool {
	for _, e := range entities {
		if start < e.End && e.Start < end {
			return true
		}
	}
	return false
}

// rewrite applies the mode to every span, filling in Replacement on the
// entities as a side record. Entities must be sorted by Start.
func rewrite(text string, entities []Entity, mode Mode) string {
	if len(entities) == 0 {
		return text
	}
	out := make([]byte, 0, len(text))
	pos := 0
	dropPending := false
	for i := range entities {
		e := &entities[i]
		seg := text[pos:e.Start]
		if dropPending {
			seg = strings.TrimLeft(seg, spaceCutset)
			if len(out) > 0 && seg != "" {
				out = append(out, ' ')
			}
			if seg != "" {
				dropPending = false
			}
		}
		out = append(out, seg...)

		if mode == ModeDrop {
			out = trimRightBytes(out)
			dropPending = true
		} else {
			e.Replacement = replacementToken(e.Type, text[e.Start:e.End], mode)
			out = append(out, e.Replacement...)
			dropPending = false
		}
		pos = e.End
	}
	tail := text[pos:]
	if dropPending {
		tail = strings.TrimLeft(tail, spaceCutset)
		if len(out) > 0 && tail != "" {
			out = append(out, ' ')
		}
	}
	out = append(out, tail...)
	return string(out)
}

func trimRightBytes(b []byte) []byte {
	for len(b) > 0 {
		switch b[len(b)-1] {
		case ' ', '\t', '\n', '\r':
			b = b[:len(b)-1]
		default:
			return b
		}
	}
	return b
}

func replacementToken(t PIIType, span string, mode Mode) string {
	if mode == ModeHash {
		sum := sha256.Sum256([]byte(span))
		return fmt.Sprintf("[%s_%s]", t, hex.EncodeToString(sum[:])[:8])
	}
	return fmt.Sprintf("[%s]", t)
}
