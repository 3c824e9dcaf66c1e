// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package summarize folds the oldest buffered messages of a session into a
// rolling summary. The ordering contract is the whole point of the package:
// the summary is durably appended BEFORE the covered messages are trimmed
// from the buffer, so a crash between the two steps loses nothing.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/memory"
	"github.com/lucerne-ai/concierge/services/assistant/redact"
	"github.com/lucerne-ai/concierge/services/llm"
)

var tracer = otel.Tracer("concierge.summarize")

// TriggerTokenThreshold is the buffer token estimate above which a turn
// schedules a summarization run even without an overflow receipt.
const TriggerTokenThreshold = 3000

// ShouldTrigger reports whether a turn should schedule a run, given the
// append receipt for the latest message and the buffer's token estimate.
func ShouldTrigger(receipt datatypes.AppendReceipt, tokenCount int) bool {
	return receipt.Overflow || tokenCount > TriggerTokenThreshold
}

// Config tunes a Summarizer. Zero values take defaults.
type Config struct {
	// OldestCount is how many of the oldest buffered messages one run
	// covers.
	OldestCount int

	// MinTokens and MaxTokens bound the produced summary. The model is
	// prompted toward the range; overshoot gets one corrective truncation.
	MinTokens int
	MaxTokens int

	// DegradedMaxChars caps the concatenation fallback used when the
	// model is unavailable.
	DegradedMaxChars int

	// ChunkSize and ChunkOverlap configure the map-phase text splitter,
	// in characters.
	ChunkSize    int
	ChunkOverlap int
}

func (c *Config) applyDefaults() {
	if c.OldestCount <= 0 {
		c.OldestCount = 10
	}
	if c.MinTokens <= 0 {
		c.MinTokens = 30
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 150
	}
	if c.DegradedMaxChars <= 0 {
		c.DegradedMaxChars = 200
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 2000
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = 100
	}
}

// Summarizer runs the map-reduce summarization for one session at a time.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Run calls for the same session
// coalesce: the second caller waits for the first run and shares its
// outcome instead of starting another.
type Summarizer struct {
	cfg       Config
	llm       llm.Client
	redactor  *redact.Redactor
	buffer    memory.BufferStore
	summaries memory.SummaryStore
	group     singleflight.Group
	log       *slog.Logger
}

// New wires a Summarizer. All collaborators are required.
func New(client llm.Client, redactor *redact.Redactor, buffer memory.BufferStore,
	summaries memory.SummaryStore, cfg Config) *Summarizer {

	cfg.applyDefaults()
	return &Summarizer{
		cfg:       cfg,
		llm:       client,
		redactor:  redactor,
		buffer:    buffer,
		summaries: summaries,
		log:       slog.Default().With("component", "summarizer"),
	}
}

// Run summarizes the oldest messages of sessionID and trims them from the
// buffer afterwards. It returns the appended summary, or (nil, nil) when
// the buffer holds nothing to cover.
//
// A model failure does not abort the run: the fallback concatenation is
// appended with Degraded set, and the trim still proceeds. Only a failed
// summary append leaves the buffer untouched.
func (s *Summarizer) Run(ctx context.Context, sessionID string) (*datatypes.Summary, error) {
	v, err, _ := s.group.Do(sessionID, func() (any, error) {
		return s.runOnce(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*datatypes.Summary), nil
}

func (s *Summarizer) runOnce(ctx context.Context, sessionID string) (*datatypes.Summary, error) {
	ctx, span := tracer.Start(ctx, "Summarizer.Run")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	msgs, err := s.buffer.Oldest(ctx, sessionID, s.cfg.OldestCount)
	if err != nil {
		return nil, fmt.Errorf("reading oldest messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	transcript, covered := s.redactTranscript(ctx, msgs)

	text, degraded := s.mapReduce(ctx, transcript)
	if degraded {
		text = s.degradedSummary(transcript)
	}
	text = s.enforceBounds(text)

	sum := datatypes.Summary{
		ID:                uuid.NewString(),
		SessionID:         sessionID,
		Text:              text,
		CoveredMessageIDs: covered,
		TokenEstimate:     memory.EstimateTokens(text),
		Degraded:          degraded,
		CreatedAt:         time.Now().UnixMilli(),
	}

	// The append must land before the trim. A crash after append but
	// before trim re-summarizes the same messages later, which is safe;
	// the reverse order would lose them.
	if err := s.summaries.Append(ctx, sum); err != nil {
		return nil, fmt.Errorf("appending summary: %w", err)
	}

	trimmed, err := s.buffer.TrimOldest(ctx, sessionID, len(msgs))
	if err != nil {
		s.log.Warn("summary appended but buffer trim failed, messages will be re-covered",
			"session_id", sessionID, "error", err)
	} else {
		s.log.Info("rolled buffer into summary",
			"session_id", sessionID,
			"covered", len(covered),
			"trimmed", trimmed,
			"degraded", degraded,
			"token_estimate", sum.TokenEstimate)
	}
	span.SetAttributes(attribute.Bool("summary.degraded", degraded))
	return &sum, nil
}

// redactTranscript renders msgs as "role: content" lines with hash-mode
// redaction applied, and collects their buffer sequence numbers.
func (s *Summarizer) redactTranscript(ctx context.Context, msgs []datatypes.Message) (string, []int64) {
	var b strings.Builder
	covered := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		res := s.redactor.Redact(ctx, m.Content, redact.ModeHash)
		fmt.Fprintf(&b, "%s: %s\n", m.Role, res.Text)
		covered = append(covered, m.Seq)
	}
	return b.String(), covered
}

// mapReduce produces the summary text. The degraded return is true when
// any model call failed and the caller should fall back.
func (s *Summarizer) mapReduce(ctx context.Context, transcript string) (string, bool) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(s.cfg.ChunkSize),
		textsplitter.WithChunkOverlap(s.cfg.ChunkOverlap),
	)
	chunks, err := splitter.SplitText(transcript)
	if err != nil || len(chunks) == 0 {
		chunks = []string{transcript}
	}

	partials := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		partial, err := s.complete(ctx, fmt.Sprintf(mapPrompt, s.cfg.MaxTokens, chunk))
		if err != nil {
			s.log.Warn("map-phase completion failed, degrading", "error", err)
			return "", true
		}
		partials = append(partials, strings.TrimSpace(partial))
	}
	if len(partials) == 1 {
		return partials[0], false
	}

	reduced, err := s.complete(ctx, fmt.Sprintf(reducePrompt,
		s.cfg.MinTokens, s.cfg.MaxTokens, strings.Join(partials, "\n---\n")))
	if err != nil {
		s.log.Warn("reduce-phase completion failed, degrading", "error", err)
		return "", true
	}
	return strings.TrimSpace(reduced), false
}

func (s *Summarizer) complete(ctx context.Context, prompt string) (string, error) {
	var temp float32 = 0.2
	maxTokens := s.cfg.MaxTokens * 2
	return s.llm.Complete(ctx, prompt, llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
}

// degradedSummary is the model-free fallback. It works on the redacted
// transcript because the result still lands in the summary store.
func (s *Summarizer) degradedSummary(transcript string) string {
	joined := strings.Join(strings.Fields(transcript), " ")
	if len(joined) > s.cfg.DegradedMaxChars {
		joined = joined[:s.cfg.DegradedMaxChars]
	}
	return joined
}

// enforceBounds applies the single corrective truncation for summaries the
// model made too long. Undershoot is kept as-is; short conversations can
// legitimately summarize in under the target.
func (s *Summarizer) enforceBounds(text string) string {
	if memory.EstimateTokens(text) <= s.cfg.MaxTokens {
		return text
	}
	limit := s.cfg.MaxTokens * 4
	if limit < len(text) {
		text = text[:limit]
	}
	return text
}

const mapPrompt = `Summarize this conversation excerpt in at most %d tokens.
Keep concrete facts: product names, constraints, prices, decisions made.
Drop greetings and filler.

%s`

const reducePrompt = `Merge these partial summaries of one conversation into
a single summary of %d to %d tokens. Keep concrete facts, drop repetition.

%s`
