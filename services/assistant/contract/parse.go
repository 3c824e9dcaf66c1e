// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/lucerne-ai/concierge/services/assistant/constraint"
	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/llm"
)

// Criteria is what a free-form user reply contributes to the contract:
// hard constraints in the predicate grammar plus soft preferences.
type Criteria struct {
	Constraints []string
	Preferences map[string]string
}

func (c Criteria) empty() bool {
	return len(c.Constraints) == 0 && len(c.Preferences) == 0
}

// CriteriaParser extracts Criteria from user text. The model does the
// heavy lifting; a deterministic extractor covers model outages and
// validates everything the model proposes, so no unparseable predicate
// ever reaches the session context.
type CriteriaParser struct {
	llm llm.Client
}

// NewCriteriaParser wires a parser. A nil client is allowed and means
// heuristics only.
func NewCriteriaParser(client llm.Client) *CriteriaParser {
	return &CriteriaParser{llm: client}
}

type criteriaReply struct {
	HardConstraints []string          `json:"hard_constraints"`
	SoftPreferences map[string]string `json:"soft_preferences"`
}

var criteriaSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"hard_constraints": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
			"description": "must-hold predicates as '<key> <op> <value>', " +
				"e.g. 'price <= 900 CHF', 'brand = NVIDIA', 'memory_gb >= 12'",
		},
		"soft_preferences": map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "string"},
			"description":          "nice-to-have aspects as key/value pairs",
		},
	},
	"required": []string{"hard_constraints", "soft_preferences"},
}

const criteriaPrompt = `Extract purchase criteria from the user message.
Hard constraints are requirements an item must satisfy; soft preferences
are desirable but not required. Use lowercase snake_case keys.

User message:
%s`

// Parse extracts criteria from text. It never fails: a model error or
// an empty model result falls back to the deterministic extractor.
func (p *CriteriaParser) Parse(ctx context.Context, text string) Criteria {
	if strings.TrimSpace(text) == "" {
		return Criteria{}
	}

	if p.llm != nil {
		var reply criteriaReply
		err := p.llm.Classify(ctx, fmt.Sprintf(criteriaPrompt, text), criteriaSchema, &reply)
		if err == nil {
			c := Criteria{Preferences: reply.SoftPreferences}
			for _, raw := range reply.HardConstraints {
				if _, perr := constraint.Parse(raw); perr == nil {
					c.Constraints = append(c.Constraints, raw)
				}
			}
			if !c.empty() {
				return c
			}
		}
	}
	return heuristicCriteria(text)
}

var (
	pricePattern = regexp.MustCompile(
		`(?i)\b(under|below|less than|at most|max(?:imum)?|up to|over|above|at least|min(?:imum)?)\s+([0-9]+(?:[.,][0-9]+)?)\s*([A-Za-z]{3})?`)
	capacityPattern = regexp.MustCompile(`(?i)\b([0-9]+)\s*(gb|tb|ghz|mhz)\b`)
)

var preferenceStopwords = map[string]struct{}{
	"and": {}, "or": {}, "with": {}, "the": {}, "for": {}, "please": {},
	"want": {}, "would": {}, "like": {}, "need": {}, "prefer": {}, "ideally": {},
}

// heuristicCriteria is the deterministic extractor: price bounds,
// capacity figures, and brand-looking tokens.
func heuristicCriteria(text string) Criteria {
	var c Criteria
	consumed := text

	if m := pricePattern.FindStringSubmatch(text); m != nil {
		op := "<="
		switch strings.ToLower(m[1]) {
		case "over", "above", "at least", "min", "minimum":
			op = ">="
		}
		value := strings.ReplaceAll(m[2], ",", ".")
		pred := fmt.Sprintf("price %s %s", op, value)
		if m[3] != "" {
			pred += " " + strings.ToUpper(m[3])
		}
		c.Constraints = append(c.Constraints, pred)
		consumed = strings.Replace(consumed, m[0], " ", 1)
	}

	for _, m := range capacityPattern.FindAllStringSubmatch(consumed, -1) {
		unit := strings.ToLower(m[2])
		if _, err := strconv.Atoi(m[1]); err != nil {
			continue
		}
		c.Constraints = append(c.Constraints, fmt.Sprintf("memory_%s >= %s", unit, m[1]))
		consumed = strings.Replace(consumed, m[0], " ", 1)
	}

	// A remaining all-caps or capitalized token usually names a brand.
	for _, tok := range strings.FieldsFunc(consumed, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) < 2 {
			continue
		}
		if _, stop := preferenceStopwords[strings.ToLower(tok)]; stop {
			continue
		}
		if brandLike(tok) {
			if c.Preferences == nil {
				c.Preferences = make(map[string]string)
			}
			c.Preferences["brand"] = tok
			break
		}
	}
	return c
}

func brandLike(tok string) bool {
	first, _ := firstRune(tok)
	if !unicode.IsUpper(first) {
		return false
	}
	for _, r := range tok {
		if unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

// =============================================================================
// Deterministic reply parsers
// =============================================================================

// ordinalGroups are checked before the bare number words: "the second
// one" must resolve by "second", not by the trailing "one".
var ordinalGroups = [][]string{
	{"first", "1st"},
	{"second", "2nd"},
	{"third", "3rd"},
}

var numberWords = []string{"one", "two", "three"}

// parseSelection resolves a user reply against the ranked options:
// ordinals, bare numbers, product ids, and title fragments all work.
// Returns the index into options, or -1.
func parseSelection(text string, options []datatypes.Product) int {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" || len(options) == 0 {
		return -1
	}

	for idx, words := range ordinalGroups {
		if idx >= len(options) {
			break
		}
		for _, w := range words {
			if containsToken(lower, w) {
				return idx
			}
		}
	}
	for i := 1; i <= len(options); i++ {
		if containsToken(lower, strconv.Itoa(i)) {
			return i - 1
		}
	}
	for i, opt := range options {
		if strings.EqualFold(strings.TrimSpace(text), opt.ID) {
			return i
		}
		if opt.Title != "" && strings.Contains(lower, strings.ToLower(opt.Title)) {
			return i
		}
	}
	// A distinctive fragment of exactly one title.
	match := -1
	for i, opt := range options {
		for _, frag := range strings.Fields(strings.ToLower(opt.Title)) {
			if len(frag) >= 4 && containsToken(lower, frag) {
				if match >= 0 && match != i {
					return -1
				}
				match = i
			}
		}
	}
	if match >= 0 {
		return match
	}

	// "one" is too ambiguous to outrank a title match, so the number
	// words come last.
	for idx, w := range numberWords {
		if idx < len(options) && containsToken(lower, w) {
			return idx
		}
	}
	return -1
}

var yesWords = []string{"yes", "y", "yep", "yeah", "sure", "ok", "okay", "confirm", "definitely", "ja", "oui"}
var noWords = []string{"no", "n", "nope", "cancel", "stop", "abort", "never", "nein", "non"}

// parseYesNo returns +1 for an affirmative reply, -1 for a negative
// one, and 0 when the reply commits to neither (or, confusingly, both).
func parseYesNo(text string) int {
	lower := strings.ToLower(text)
	yes, no := false, false
	for _, w := range yesWords {
		if containsToken(lower, w) {
			yes = true
			break
		}
	}
	for _, w := range noWords {
		if containsToken(lower, w) {
			no = true
			break
		}
	}
	switch {
	case yes && !no:
		return 1
	case no && !yes:
		return -1
	}
	return 0
}

// containsToken reports whether word occurs in text on token
// boundaries.
func containsToken(text, word string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], word)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(word)
		beforeOK := i == 0 || !isTokenRune(rune(text[i-1]))
		afterOK := end == len(text) || !isTokenRune(rune(text[end]))
		if beforeOK && afterOK {
			return true
		}
		start = i + 1
	}
}

func isTokenRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// queryLeadIns are stripped from the front of a product query.
var queryLeadIns = []string{
	"i want to buy", "i'd like to buy", "i would like to buy",
	"i want to purchase", "i'm looking for", "i am looking for",
	"looking for", "find me", "i need", "i want", "buy me", "buy",
	"get me", "purchase",
}

// normalizeQuery trims a raw purchase request down to the product
// phrase: lead-in verbs go, whitespace collapses, trailing punctuation
// goes.
func normalizeQuery(text string) string {
	q := strings.Join(strings.Fields(text), " ")
	lower := strings.ToLower(q)
	for _, lead := range queryLeadIns {
		if strings.HasPrefix(lower, lead) {
			rest := q[len(lead):]
			if rest == "" || rest[0] == ' ' {
				q = strings.TrimSpace(rest)
				lower = strings.ToLower(q)
			}
		}
	}
	q = strings.TrimRight(q, ".!? ")
	q = strings.TrimPrefix(q, "a ")
	q = strings.TrimPrefix(q, "an ")
	return strings.TrimSpace(q)
}
