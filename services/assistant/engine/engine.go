// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs one conversational turn end to end: admission,
// intent resolution, dispatch to the routed handler, and the post-reply
// bookkeeping (buffer append, audit, summarization trigger).
//
// # Description
//
// Turn is the single entry point. It admits the request against the
// global concurrency cap, appends the user message to the buffer,
// resolves the intent (an existing non-terminal session always
// continues its contract; everything else goes through the router), and
// dispatches. Contract turns run the state machine inside the session
// store's per-session lock, following internal hops until a visible
// reply or a terminal state; a loop detector forces the session to
// cancelled when the same transition repeats too often. A turn that
// outlives its deadline returns a degraded partial reply instead of an
// error.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Per-session ordering is the
// session store's job; the engine only enforces the global cap.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/lucerne-ai/concierge/services/assistant/contract"
	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/intent"
	"github.com/lucerne-ai/concierge/services/assistant/memory"
	"github.com/lucerne-ai/concierge/services/assistant/session"
	"github.com/lucerne-ai/concierge/services/assistant/summarize"
	"github.com/lucerne-ai/concierge/services/llm"
	"github.com/lucerne-ai/concierge/services/providers"
)

var tracer = otel.Tracer("concierge.engine")

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the engine. Zero values take defaults.
type Config struct {
	// TurnDeadline bounds one turn end to end.
	TurnDeadline time.Duration

	// MaxTurnDeadline caps the per-request deadline override.
	MaxTurnDeadline time.Duration

	// GlobalConcurrency is the number of turns allowed in flight across
	// all sessions. Excess turns are rejected with a busy fault.
	GlobalConcurrency int

	// ChatTail is how many recent buffer messages the chat prompt sees.
	ChatTail int

	// RAGTopK is how many semantic memories ground a rag reply.
	RAGTopK int

	// WebResults is how many snippets ground a websearch reply.
	WebResults int

	// LoopWindow and LoopThreshold configure the loop breaker: the same
	// (from, to) transition observed LoopThreshold times within
	// LoopWindow forces the session to cancelled.
	LoopWindow    time.Duration
	LoopThreshold int

	// MaxInternalHops bounds handler chaining within one turn.
	MaxInternalHops int

	// DefaultContract continues sessions whose contract is not named by
	// the intent, which is every continuation turn.
	DefaultContract string
}

func (c *Config) applyDefaults() {
	if c.TurnDeadline <= 0 {
		c.TurnDeadline = 30 * time.Second
	}
	if c.MaxTurnDeadline <= 0 {
		c.MaxTurnDeadline = 2 * time.Minute
	}
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 64
	}
	if c.ChatTail <= 0 {
		c.ChatTail = 10
	}
	if c.RAGTopK <= 0 {
		c.RAGTopK = 5
	}
	if c.WebResults <= 0 {
		c.WebResults = 5
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = 5 * time.Minute
	}
	if c.LoopThreshold <= 0 {
		c.LoopThreshold = 3
	}
	if c.MaxInternalHops <= 0 {
		c.MaxInternalHops = 8
	}
	if c.DefaultContract == "" {
		c.DefaultContract = "purchase"
	}
}

// Metrics is the engine's observation seam. The observability package
// provides the Prometheus implementation; nil means no-op.
type Metrics interface {
	TurnStarted()
	TurnCompleted(kind string, d time.Duration)
	TurnRejected(reason string)
	StateTransition(contractID, from, to, trigger string)
}

type nopMetrics struct{}

func (nopMetrics) TurnStarted()                        {}
func (nopMetrics) TurnCompleted(string, time.Duration) {}
func (nopMetrics) TurnRejected(string)                 {}
func (nopMetrics) StateTransition(_, _, _, _ string)   {}

// Deps are the engine's collaborators. Sessions, Buffer, Router,
// Contracts and LLM are required; the rest degrade gracefully when nil.
type Deps struct {
	Sessions  *session.Store
	Buffer    memory.BufferStore
	Summaries memory.SummaryStore
	Semantic  memory.SemanticStore
	Audit     memory.AuditStore

	Router    *intent.Router
	Contracts *contract.Registry
	Tools     *providers.ToolRegistry
	Web       providers.WebSearch
	LLM       llm.Client

	Summarizer *summarize.Summarizer
	Metrics    Metrics
}

// =============================================================================
// Engine
// =============================================================================

// Engine orchestrates turns. Construct with New.
type Engine struct {
	cfg     Config
	deps    Deps
	sem     *semaphore.Weighted
	loops   *loopDetector
	metrics Metrics
	log     *slog.Logger
}

// New validates the dependency set and wires an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.applyDefaults()
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("engine: session store is required")
	case deps.Buffer == nil:
		return nil, errors.New("engine: buffer store is required")
	case deps.Router == nil:
		return nil, errors.New("engine: intent router is required")
	case deps.Contracts == nil:
		return nil, errors.New("engine: contract registry is required")
	case deps.LLM == nil:
		return nil, errors.New("engine: llm client is required")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		sem:     semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		loops:   newLoopDetector(cfg.LoopWindow, cfg.LoopThreshold),
		metrics: metrics,
		log:     slog.Default().With("component", "engine"),
	}, nil
}

// SetClock overrides the loop detector's clock.
func (e *Engine) SetClock(now func() time.Time) { e.loops.now = now }

// Turn runs one user turn and returns the assistant's reply.
//
// Admission failures come back as busy faults with nothing recorded.
// After admission a deadline expiry never fails the turn: the caller
// gets a partial reply and the post-reply bookkeeping still runs.
func (e *Engine) Turn(ctx context.Context, req datatypes.TurnRequest) (datatypes.TurnResponse, error) {
	ctx, span := tracer.Start(ctx, "Engine.Turn")
	defer span.End()

	if err := req.Validate(); err != nil {
		return datatypes.TurnResponse{}, datatypes.NewFault(datatypes.FaultValidation, "engine.turn", err)
	}
	if len(req.UserMessage) > datatypes.MaxMessageContentBytes {
		return datatypes.TurnResponse{}, datatypes.Validationf("engine.turn",
			"user_message exceeds %d bytes", datatypes.MaxMessageContentBytes)
	}

	if !e.sem.TryAcquire(1) {
		e.metrics.TurnRejected("global_cap")
		return datatypes.TurnResponse{}, datatypes.NewFault(datatypes.FaultBusy, "engine.turn",
			errors.New("global concurrency cap reached"))
	}
	defer e.sem.Release(1)
	e.metrics.TurnStarted()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.deadlineFor(req))
	defer cancel()
	span.SetAttributes(attribute.String("session.id", req.SessionID))

	// The user message enters the buffer before anything can fail, so a
	// degraded turn still leaves an accurate transcript.
	receipt, err := e.deps.Buffer.Append(ctx, req.SessionID, datatypes.NewMessage(datatypes.RoleUser, req.UserMessage))
	if err != nil {
		e.log.Warn("buffer append failed for user message",
			"session_id", req.SessionID, "error", err)
	}

	routed := e.resolveIntent(ctx, req)
	span.SetAttributes(attribute.String("intent.kind", string(routed.Kind)))

	resp, err := e.dispatch(ctx, req, routed)
	if err != nil {
		if !datatypes.IsCancelled(err) {
			e.metrics.TurnRejected(string(datatypes.KindOf(err)))
			return datatypes.TurnResponse{}, err
		}
		e.log.Warn("turn deadline expired, returning partial reply",
			"session_id", req.SessionID, "kind", routed.Kind, "error", err)
		resp = datatypes.TurnResponse{
			AssistantMessage: "I ran out of time answering that. Here is what I can say: " +
				"please try again, or simplify the question.",
			Kind:    string(routed.Kind),
			Partial: true,
		}
	}

	e.finishTurn(ctx, req, resp, receipt)

	resp.SessionID = req.SessionID
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	e.metrics.TurnCompleted(resp.Kind, time.Since(start))
	return resp, nil
}

func (e *Engine) deadlineFor(req datatypes.TurnRequest) time.Duration {
	d := e.cfg.TurnDeadline
	if req.DeadlineMs > 0 {
		d = time.Duration(req.DeadlineMs) * time.Millisecond
		if d > e.cfg.MaxTurnDeadline {
			d = e.cfg.MaxTurnDeadline
		}
	}
	return d
}

// resolveIntent decides what handles the turn. A session that exists
// and has not concluded is mid-contract, and its reply belongs to the
// state machine no matter what the text looks like; the router only
// sees fresh conversations.
func (e *Engine) resolveIntent(ctx context.Context, req datatypes.TurnRequest) datatypes.Intent {
	sc, err := e.deps.Sessions.Load(ctx, req.SessionID)
	if err == nil && !sc.State.Terminal() {
		return datatypes.Intent{
			Kind:             datatypes.IntentContract,
			Confidence:       1,
			Reasoning:        "contract continuation",
			SelectedContract: e.cfg.DefaultContract,
		}
	}
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		e.log.Warn("session load failed during intent resolution, routing fresh",
			"session_id", req.SessionID, "error", err)
	}
	return e.deps.Router.Route(ctx, req.UserMessage)
}

func (e *Engine) dispatch(ctx context.Context, req datatypes.TurnRequest, routed datatypes.Intent) (datatypes.TurnResponse, error) {
	switch routed.Kind {
	case datatypes.IntentContract:
		return e.contractTurn(ctx, req, routed)
	case datatypes.IntentRAG:
		return e.ragReply(ctx, req)
	case datatypes.IntentWebSearch:
		return e.webReply(ctx, req)
	case datatypes.IntentTool:
		return e.toolReply(ctx, req, routed)
	default:
		return e.chatReply(ctx, req)
	}
}

// =============================================================================
// Contract turns
// =============================================================================

// contractTurn runs the state machine for one turn inside the session
// store's per-session lock. Internal hops chain within the same turn,
// bounded by MaxInternalHops; the loop detector watches every
// transition and forces cancelled when the conversation stops making
// progress.
func (e *Engine) contractTurn(ctx context.Context, req datatypes.TurnRequest, routed datatypes.Intent) (datatypes.TurnResponse, error) {
	contractID := routed.SelectedContract
	if contractID == "" {
		contractID = e.cfg.DefaultContract
	}
	c, ok := e.deps.Contracts.Get(contractID)
	if !ok {
		return datatypes.TurnResponse{}, datatypes.Validationf("engine.contract",
			"unknown contract %q", contractID)
	}

	var (
		hops  []datatypes.StateTransition
		final datatypes.State
	)
	err := e.deps.Sessions.WithSessionOrNew(ctx, req.SessionID, req.UserID, func(sc *datatypes.SessionContext) error {
		msg := req.UserMessage
		for range e.cfg.MaxInternalHops {
			tr := c.Machine.Step(ctx, sc, msg)
			if e.loops.observe(req.SessionID, tr) {
				tr = forcedCancellation(sc.State)
			}
			tr.ContextPatch.Apply(sc)
			sc.State = tr.ToState
			hops = append(hops, tr)
			msg = ""
			if !tr.Internal() {
				break
			}
		}
		final = sc.State
		return nil
	})
	if err != nil {
		switch datatypes.KindOf(err) {
		case datatypes.FaultValidation, datatypes.FaultConflict:
			// The store refused the write, so nothing advanced. The user
			// can simply resend.
			e.log.Error("session save rejected, turn not applied",
				"session_id", req.SessionID, "error", err)
			return datatypes.TurnResponse{
				AssistantMessage: "I could not record that step. Nothing changed; please send your reply again.",
				Kind:             string(datatypes.IntentContract),
			}, nil
		default:
			return datatypes.TurnResponse{}, err
		}
	}

	if final.Terminal() {
		e.loops.forget(req.SessionID)
	}
	e.auditTransitions(ctx, req, contractID, hops)

	last := hops[len(hops)-1]
	return datatypes.TurnResponse{
		AssistantMessage: last.AssistantMessage,
		Kind:             string(datatypes.IntentContract),
		State:            string(final),
	}, nil
}

// forcedCancellation is the loop breaker's verdict: the turn's
// transition is discarded and the session concludes with an apology the
// user can act on.
func forcedCancellation(from datatypes.State) datatypes.StateTransition {
	tr := datatypes.NewTransition(from, datatypes.StateCancelled, "loop_breaker")
	tr.AssistantMessage = "We seem to be going in circles, so I have stopped this purchase " +
		"to be safe. Nothing was ordered. Start over whenever you like. (diagnostic: loop_detected)"
	return tr
}

func (e *Engine) auditTransitions(ctx context.Context, req datatypes.TurnRequest, contractID string, hops []datatypes.StateTransition) {
	if e.deps.Audit == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, tr := range hops {
		art := datatypes.NewAuditArtifact(req.SessionID, req.UserID, datatypes.AuditKindFSM, map[string]any{
			"contract_id": contractID,
			"from":        string(tr.FromState),
			"to":          string(tr.ToState),
			"trigger":     tr.Trigger,
			"emitted_at":  tr.EmittedAt,
		})
		if err := e.deps.Audit.Record(base, art); err != nil {
			e.log.Warn("fsm audit record failed", "session_id", req.SessionID, "error", err)
		}
		e.metrics.StateTransition(contractID, string(tr.FromState), string(tr.ToState), tr.Trigger)
	}
}

// =============================================================================
// Post-reply bookkeeping
// =============================================================================

// finishTurn records the assistant's side of the exchange and decides
// whether to summarize. It runs detached from the turn deadline: a turn
// that timed out still leaves a complete transcript.
func (e *Engine) finishTurn(ctx context.Context, req datatypes.TurnRequest, resp datatypes.TurnResponse, userReceipt datatypes.AppendReceipt) {
	base := context.WithoutCancel(ctx)

	receipt, err := e.deps.Buffer.Append(base, req.SessionID,
		datatypes.NewMessage(datatypes.RoleAssistant, resp.AssistantMessage))
	if err != nil {
		e.log.Warn("buffer append failed for assistant message",
			"session_id", req.SessionID, "error", err)
		receipt = userReceipt
	}

	if e.deps.Audit != nil {
		art := datatypes.NewAuditArtifact(req.SessionID, req.UserID, datatypes.AuditKindChat, map[string]any{
			"user_message":      req.UserMessage,
			"assistant_message": resp.AssistantMessage,
			"kind":              resp.Kind,
			"partial":           resp.Partial,
		})
		if aerr := e.deps.Audit.Record(base, art); aerr != nil {
			e.log.Warn("chat audit record failed", "session_id", req.SessionID, "error", aerr)
		}
	}

	if e.deps.Summarizer == nil {
		return
	}
	tokens, terr := e.deps.Buffer.TokenCount(base, req.SessionID)
	if terr != nil {
		tokens = 0
	}
	if summarize.ShouldTrigger(receipt, tokens) {
		go func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.TurnDeadline)
			defer cancel()
			if _, serr := e.deps.Summarizer.Run(sctx, req.SessionID); serr != nil {
				e.log.Warn("background summarization failed",
					"session_id", req.SessionID, "error", serr)
			}
		}()
	}
}

// renderMessages flattens buffer messages into prompt lines.
func renderMessages(msgs []datatypes.Message) string {
	out := ""
	for _, m := range msgs {
		out += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}
	return out
}
