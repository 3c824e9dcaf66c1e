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
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

// temporalCues is the fixed phrase list; the keyword sets are runtime
// configuration, the cue list is not.
var temporalCues = []string{"today", "now", "latest", "current", "as of"}

var yearPattern = regexp.MustCompile(`\b(20\d\d)\b`)

// Classify runs the deterministic volatility pre-pass over one user
// message. Pure function: same text, settings, and clock give the same
// signal.
//
// Category precedence is volatile over semi_static over static, so a
// message touching both a fresh and a settled topic is treated as
// fresh. A four-digit year counts as a temporal cue only when it names
// the current or the following year; past years anchor a question in
// settled history rather than asking for the present.
func Classify(text string, settings Settings, now time.Time) datatypes.VolatilitySignal {
	lower := strings.ToLower(text)

	signal := datatypes.VolatilitySignal{Volatility: datatypes.VolatilityUnknown}
	for _, category := range []struct {
		volatility datatypes.Volatility
		terms      []string
	}{
		{datatypes.VolatilityVolatile, settings.Volatile},
		{datatypes.VolatilitySemiStatic, settings.SemiStatic},
		{datatypes.VolatilityStatic, settings.Static},
	} {
		if matched := matchTerms(lower, category.terms); len(matched) > 0 {
			signal.Volatility = category.volatility
			signal.MatchedTerms = matched
			break
		}
	}

	cues := matchTerms(lower, temporalCues)
	for _, year := range yearPattern.FindAllString(lower, -1) {
		if y, err := strconv.Atoi(year); err == nil && (y == now.Year() || y == now.Year()+1) {
			cues = append(cues, year)
		}
	}
	if len(cues) > 0 {
		signal.TemporalCue = true
		signal.MatchedTerms = mergeTerms(signal.MatchedTerms, cues)
	}
	return signal
}

// matchTerms returns the terms present in text as whole words, in term
// order. text and terms must already be lowercase.
func matchTerms(text string, terms []string) []string {
	var matched []string
	for _, term := range terms {
		if containsWord(text, term) {
			matched = append(matched, term)
		}
	}
	return matched
}

// containsWord reports whether term occurs in text bounded by
// non-alphanumeric runes, so "now" does not fire inside "snowboard".
func containsWord(text, term string) bool {
	if term == "" {
		return false
	}
	for start := 0; start <= len(text)-len(term); {
		i := strings.Index(text[start:], term)
		if i < 0 {
			return false
		}
		i += start
		if wordBoundary(text, i) && wordBoundary(text, i+len(term)) {
			return true
		}
		start = i + 1
	}
	return false
}

// wordBoundary reports whether position i in text sits between a word
// rune and a non-word rune (or a text edge).
func wordBoundary(text string, i int) bool {
	if i == 0 || i == len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	prev, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r) || !isWordRune(prev)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func mergeTerms(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	merged := make([]string, 0, len(base)+len(extra))
	for _, term := range append(base, extra...) {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		merged = append(merged, term)
	}
	return merged
}
