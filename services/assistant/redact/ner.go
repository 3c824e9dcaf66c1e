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
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// HeuristicRecognizer is the default second detection layer: a
// lexicon-and-shape scanner for PERSON, ORG, GPE and DATE. It exists so
// the redactor works with zero model dependencies; deployments with a
// real NER model swap it via WithRecognizer.
//
// Heuristics, in order:
//   - date regexes (numeric and written-out forms, German and English)
//   - capitalized sequence ending in a company suffix -> ORG
//   - capitalized token(s) preceded by an honorific -> PERSON
//   - capitalized sequence of two or more tokens mid-sentence -> PERSON
//   - single capitalized token in the place lexicon -> GPE
//
// Text inside square brackets is never scanned; that is what keeps
// redaction idempotent when placeholders from a previous pass are
// present.
type HeuristicRecognizer struct {
	honorifics  map[string]struct{}
	orgSuffixes map[string]struct{}
	places      map[string]struct{}
	dateRes     []*regexp.Regexp
}

var (
	monthAlternation = `(?:January|February|March|April|May|June|July|August|September|October|November|December|Januar|Februar|M\x{00e4}rz|Mai|Juni|Juli|Oktober|Dezember)`

	dateNumericDotted = regexp.MustCompile(`\b\d{1,2}\.\d{1,2}\.\d{2,4}\b`)
	dateISO           = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	dateDayFirst      = regexp.MustCompile(`\b\d{1,2}\.?\s` + monthAlternation + `\s\d{4}\b`)
	dateMonthFirst    = regexp.MustCompile(`\b` + monthAlternation + `\s\d{1,2},?\s\d{4}\b`)
)

// NewHeuristicRecognizer builds the default recognizer with its
// built-in lexicons.
func NewHeuristicRecognizer() *HeuristicRecognizer {
	return &HeuristicRecognizer{
		honorifics: toSet(
			"herr", "frau", "dr", "dr.", "prof", "prof.",
			"mr", "mr.", "mrs", "mrs.", "ms", "ms.",
			"monsieur", "madame",
		),
		orgSuffixes: toSet(
			"ag", "gmbh", "sa", "sarl", "sàrl",
			"inc", "inc.", "ltd", "ltd.", "llc", "corp", "corp.", "co.",
		),
		places: toSet(
			"zurich", "zürich", "geneva", "genève", "genf",
			"bern", "basel", "lausanne", "lucerne", "luzern", "lugano",
			"winterthur", "st. gallen", "zug",
			"switzerland", "schweiz", "suisse",
			"germany", "deutschland", "france", "frankreich",
			"italy", "italien", "austria", "österreich",
			"berlin", "munich", "münchen", "hamburg",
			"paris", "lyon", "vienna", "wien", "rome", "milan",
			"london", "amsterdam", "europe", "europa",
		),
		dateRes: []*regexp.Regexp{
			dateDayFirst, dateMonthFirst, dateNumericDotted, dateISO,
		},
	}
}

func toSet(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

// Recognize implements EntityRecognizer. It never returns an error; the
// signature carries one for the interface.
func (h *HeuristicRecognizer) Recognize(_ context.Context, text string) ([]Entity, error) {
	var entities []Entity

	for _, re := range h.dateRes {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if insideBrackets(text, loc[0]) || overlapsAny(entities, loc[0], loc[1]) {
				continue
			}
			entities = append(entities, Entity{
				Type: TypeDate, Start: loc[0], End: loc[1], Confidence: Medium,
			})
		}
	}

	entities = append(entities, h.scanCapitalized(text, entities)...)
	return entities, nil
}

// token is one word with its byte span.
type token struct {
	text       string
	start, end int
	sentStart  bool
	bracketed  bool
}

func tokenize(text string) []token {
	var tokens []token
	depth := 0
	sentStart := true
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case r == '[':
			depth++
			i += size
		case r == ']':
			if depth > 0 {
				depth--
			}
			i += size
		case unicode.IsLetter(r):
			start := i
			for i < len(text) {
				r2, sz := utf8.DecodeRuneInString(text[i:])
				if !unicode.IsLetter(r2) && r2 != '\'' {
					break
				}
				i += sz
			}
			tokens = append(tokens, token{
				text:      text[start:i],
				start:     start,
				end:       i,
				sentStart: sentStart,
				bracketed: depth > 0,
			})
			sentStart = false
		case r == '.' || r == '!' || r == '?' || r == '\n':
			sentStart = true
			i += size
		default:
			i += size
		}
	}
	return tokens
}

func capitalized(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}

// connectors that may sit inside a capitalized name run.
var nameConnectors = toSet("van", "von", "de", "der", "la", "le", "di")

// scanCapitalized walks capitalized token runs and classifies them.
func (h *HeuristicRecognizer) scanCapitalized(text string, taken []Entity) []Entity {
	tokens := tokenize(text)
	var entities []Entity

	add := func(t PIIType, start, end int, conf ConfidenceLevel) {
		if overlapsAny(taken, start, end) || overlapsAny(entities, start, end) {
			return
		}
		entities = append(entities, Entity{Type: t, Start: start, End: end, Confidence: conf})
	}

	i := 0
	for i < len(tokens) {
		t := tokens[i]
		if t.bracketed || !capitalized(t.text) {
			i++
			continue
		}

		// Collect the run of capitalized tokens, tolerating lowercase
		// connectors between capitalized neighbors.
		j := i + 1
		last := i
		for j < len(tokens) && !tokens[j].bracketed {
			if capitalized(tokens[j].text) {
				last = j
				j++
				continue
			}
			if _, ok := nameConnectors[strings.ToLower(tokens[j].text)]; ok &&
				j+1 < len(tokens) && capitalized(tokens[j+1].text) && !tokens[j+1].bracketed {
				j++
				continue
			}
			break
		}
		runStart, runEnd := tokens[i].start, tokens[last].end
		runLen := last - i + 1

		lastWord := strings.ToLower(tokens[last].text)
		joined := strings.ToLower(text[runStart:runEnd])

		_, isOrgSuffix := h.orgSuffixes[lastWord]
		_, isPlace := h.places[joined]
		var prevHonorific bool
		if i > 0 {
			_, prevHonorific = h.honorifics[strings.ToLower(tokens[i-1].text)]
		}

		switch {
		case isOrgSuffix && runLen >= 2:
			add(TypeOrg, runStart, runEnd, Medium)
		case prevHonorific:
			add(TypePerson, runStart, runEnd, High)
		case isPlace:
			add(TypeGPE, runStart, runEnd, Medium)
		case runLen >= 2 && !t.sentStart:
			add(TypePerson, runStart, runEnd, Medium)
		case runLen >= 2:
			// Sentence-initial pairs like "Angela Merkel visited" are
			// still names more often than not.
			add(TypePerson, runStart, runEnd, Low)
		}

		i = last + 1
	}
	return entities
}

func insideBrackets(text string, pos int) bool {
	depth := 0
	for i := 0; i < pos && i < len(text); i++ {
		switch text[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		}
	}
	return depth > 0
}

var _ EntityRecognizer = (*HeuristicRecognizer)(nil)
