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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedactor(t *testing.T, cfg Config, opts ...Option) *Redactor {
	t.Helper()
	r, err := New(cfg, opts...)
	require.NoError(t, err)
	return r
}

// failingRecognizer simulates an NER backend outage.
type failingRecognizer struct{}

func (failingRecognizer) Recognize(context.Context, string) ([]Entity, error) {
	return nil, errors.New("model not loaded")
}

// =============================================================================
// Regex Layer Tests
// =============================================================================

func TestRedact_StructuredTypes(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: false, DefaultMode: ModePlaceholder})

	tests := []struct {
		name     string
		input    string
		wantType PIIType
		wantText string
	}{
		{
			name:     "email",
			input:    "write to jane.doe@example.ch please",
			wantType: TypeEmail,
			wantText: "write to [EMAIL] please",
		},
		{
			name:     "swiss phone international",
			input:    "call +41 79 123 45 67 tomorrow",
			wantType: TypePhone,
			wantText: "call [PHONE] tomorrow",
		},
		{
			name:     "swiss phone national",
			input:    "call 079 123 45 67 tomorrow",
			wantType: TypePhone,
			wantText: "call [PHONE] tomorrow",
		},
		{
			name:     "swiss iban spaced",
			input:    "pay to CH93 0076 2011 6238 5295 7 by friday",
			wantType: TypeIBAN,
			wantText: "pay to [IBAN] by friday",
		},
		{
			name:     "credit card",
			input:    "card 4111 1111 1111 1111 expires soon",
			wantType: TypeCard,
			wantText: "card [CARD] expires soon",
		},
		{
			name:     "ahv number",
			input:    "my AHV is 756.9217.0769.85 ok",
			wantType: TypeAHV,
			wantText: "my AHV is [AHV] ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Redact(context.Background(), tt.input, ModePlaceholder)
			require.Len(t, res.Entities, 1)
			assert.Equal(t, tt.wantType, res.Entities[0].Type)
			assert.Equal(t, tt.wantText, res.Text)
			assert.False(t, res.SafeForVectorStore)
			assert.False(t, res.Degraded)
		})
	}
}

func TestRedact_ChecksumConfidence(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: false, DefaultMode: ModePlaceholder})

	// Valid Luhn.
	res := r.Redact(context.Background(), "4111111111111111", ModePlaceholder)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, High, res.Entities[0].Confidence)

	// Card-shaped but failing Luhn: still redacted, lower confidence.
	res = r.Redact(context.Background(), "4111111111111112", ModePlaceholder)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, TypeCard, res.Entities[0].Type)
	assert.Equal(t, Low, res.Entities[0].Confidence)
}

func TestRedact_EntityOffsetsPointIntoOriginal(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: false, DefaultMode: ModePlaceholder})
	input := "mail jane.doe@example.ch now"

	res := r.Redact(context.Background(), input, ModePlaceholder)
	require.Len(t, res.Entities, 1)
	e := res.Entities[0]
	assert.Equal(t, "jane.doe@example.ch", input[e.Start:e.End])
}

// =============================================================================
// Mode Tests
// =============================================================================

func TestRedact_HashModeStable(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: false, DefaultMode: ModeHash})
	input := "reach me at jane.doe@example.ch"

	first := r.Redact(context.Background(), input, ModeHash)
	second := r.Redact(context.Background(), input, ModeHash)

	assert.Equal(t, first.Text, second.Text, "hash tokens must be stable across calls")
	assert.Regexp(t, `\[EMAIL_[0-9a-f]{8}\]`, first.Text)
}

func TestRedact_DropModeCollapsesWhitespace(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: false, DefaultMode: ModeDrop})

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "mid sentence",
			input: "write to jane.doe@example.ch today",
			want:  "write to today",
		},
		{
			name:  "at start",
			input: "jane.doe@example.ch wrote this",
			want:  "wrote this",
		},
		{
			name:  "at end",
			input: "this was written by jane.doe@example.ch",
			want:  "this was written by",
		},
		{
			name:  "two adjacent spans",
			input: "contacts: a@b.ch c@d.ch done",
			want:  "contacts: done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Redact(context.Background(), tt.input, ModeDrop)
			assert.Equal(t, tt.want, res.Text)
		})
	}
}

// =============================================================================
// Contract Tests
// =============================================================================

// TestRedact_Idempotent pins redact(redact(x)) == redact(x) for every
// mode: replacement tokens match none of the detection rules.
func TestRedact_Idempotent(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: true, DefaultMode: ModePlaceholder})
	input := "Herr Hans Muster, reach me at jane.doe@example.ch or +41 79 123 45 67, " +
		"IBAN CH93 0076 2011 6238 5295 7, AHV 756.9217.0769.85, in Bern on 12.03.2026."

	for _, mode := range []Mode{ModePlaceholder, ModeHash, ModeDrop} {
		t.Run(string(mode), func(t *testing.T) {
			once := r.Redact(context.Background(), input, mode)
			twice := r.Redact(context.Background(), once.Text, mode)

			assert.Equal(t, once.Text, twice.Text)
			assert.Empty(t, twice.Entities, "second pass must find nothing")
			assert.True(t, twice.SafeForVectorStore)
		})
	}
}

func TestRedact_EmptyInput(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: true, DefaultMode: ModePlaceholder})
	res := r.Redact(context.Background(), "", ModePlaceholder)

	assert.Empty(t, res.Text)
	assert.Empty(t, res.Entities)
	assert.True(t, res.SafeForVectorStore)
}

func TestRedact_CleanTextIsSafe(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: true, DefaultMode: ModePlaceholder})
	res := r.Redact(context.Background(), "what is the fastest graphics card under my budget", ModePlaceholder)

	assert.True(t, res.SafeForVectorStore)
	assert.Empty(t, res.Entities)
}

// TestRedact_RecognizerFailureDegrades verifies the no-throw contract:
// a broken NER layer downgrades to regex-only with the flag set.
func TestRedact_RecognizerFailureDegrades(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: true, DefaultMode: ModePlaceholder},
		WithRecognizer(failingRecognizer{}))

	res := r.Redact(context.Background(), "mail jane.doe@example.ch", ModePlaceholder)

	assert.True(t, res.Degraded)
	require.Len(t, res.Entities, 1, "regex layer still ran")
	assert.Equal(t, TypeEmail, res.Entities[0].Type)
	assert.Equal(t, "mail [EMAIL]", res.Text)
}

// =============================================================================
// Recognizer Layer Tests
// =============================================================================

func TestRedact_HeuristicEntities(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: true, DefaultMode: ModePlaceholder})

	tests := []struct {
		name     string
		input    string
		wantType PIIType
	}{
		{"person with honorific", "please greet Frau Keller for me", TypePerson},
		{"two-token name mid-sentence", "I spoke with Hans Muster yesterday", TypePerson},
		{"organization suffix", "I work at Helvetia Versicherungen AG these days", TypeOrg},
		{"place lexicon", "the office moved to Lausanne last year", TypeGPE},
		{"numeric date", "we met on 12.03.2026 for lunch", TypeDate},
		{"written date", "we met on 12 March 2026 for lunch", TypeDate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Redact(context.Background(), tt.input, ModePlaceholder)
			var types []PIIType
			for _, e := range res.Entities {
				types = append(types, e.Type)
			}
			assert.Contains(t, types, tt.wantType, "entities: %v, text: %q", types, res.Text)
		})
	}
}

func TestRedact_NERDisabledByConfig(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: false, DefaultMode: ModePlaceholder})
	res := r.Redact(context.Background(), "I spoke with Hans Muster yesterday", ModePlaceholder)

	assert.Empty(t, res.Entities)
	assert.True(t, res.SafeForVectorStore)
}

// =============================================================================
// Layer Precedence Tests
// =============================================================================

// overlappingRecognizer claims a span the regex layer already owns plus
// one genuinely new span.
type overlappingRecognizer struct{}

func (overlappingRecognizer) Recognize(_ context.Context, text string) ([]Entity, error) {
	var entities []Entity
	if i := strings.Index(text, "jane.doe@example.ch"); i >= 0 {
		entities = append(entities, Entity{Type: TypePerson, Start: i, End: i + 8, Confidence: Medium})
	}
	if i := strings.Index(text, "Basel"); i >= 0 {
		entities = append(entities, Entity{Type: TypeGPE, Start: i, End: i + 5, Confidence: Medium})
	}
	return entities, nil
}

func TestRedact_EarlierLayerWinsOverlap(t *testing.T) {
	r := newTestRedactor(t, Config{UseNER: true, DefaultMode: ModePlaceholder},
		WithRecognizer(overlappingRecognizer{}))

	res := r.Redact(context.Background(), "jane.doe@example.ch lives in Basel", ModePlaceholder)

	require.Len(t, res.Entities, 2)
	assert.Equal(t, TypeEmail, res.Entities[0].Type, "regex hit kept over overlapping ner hit")
	assert.Equal(t, TypeGPE, res.Entities[1].Type)
	assert.Equal(t, "[EMAIL] lives in [GPE]", res.Text)
}

// =============================================================================
// LLM Recognizer Tests
// =============================================================================

type fakeClassifier struct {
	raw string
	err error
}

func (f *fakeClassifier) Classify(_ context.Context, _ string, _ map[string]any, out any) error {
	if f.err != nil {
		return f.err
	}
	reply := out.(*nerReply)
	reply.Entities = append(reply.Entities, struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "PERSON", Text: f.raw})
	return nil
}

func TestLLMRecognizer_LocatesEveryOccurrence(t *testing.T) {
	rec := NewLLMRecognizer(&fakeClassifier{raw: "Ueli Maurer"})
	text := "Ueli Maurer met Ueli Maurer's critics"

	entities, err := rec.Recognize(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, 0, entities[0].Start)
	assert.Equal(t, "Ueli Maurer", text[entities[1].Start:entities[1].End])
}

func TestLLMRecognizer_PropagatesFailure(t *testing.T) {
	rec := NewLLMRecognizer(&fakeClassifier{err: errors.New("deadline exceeded")})
	_, err := rec.Recognize(context.Background(), "anything")
	assert.Error(t, err)
}
