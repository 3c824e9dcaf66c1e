// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assistant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucerne-ai/concierge/pkg/extensions"
	"github.com/lucerne-ai/concierge/pkg/validation"
	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/engine"
	"github.com/lucerne-ai/concierge/services/assistant/intent"
	"github.com/lucerne-ai/concierge/services/assistant/memory"
	"github.com/lucerne-ai/concierge/services/assistant/redact"
	"github.com/lucerne-ai/concierge/services/assistant/session"
)

// ServiceVersion is the concierge service version.
const ServiceVersion = "1.0.0"

// ErrorResponse is the uniform error body for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthProbe checks one dependency for the health endpoint.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HandlerDeps are the collaborators the HTTP surface needs.
type HandlerDeps struct {
	Engine    *engine.Engine
	Sessions  *session.Store
	Buffer    memory.BufferStore
	Summaries memory.SummaryStore
	Semantic  memory.SemanticStore
	Audit     memory.AuditStore
	Settings  *intent.SettingsStore
	Redactor  *redact.Redactor
	Probes    []HealthProbe
}

// Handlers contains the HTTP handlers for the assistant.
type Handlers struct {
	deps HandlerDeps
	opts extensions.ServiceOptions
	log  *slog.Logger
}

// NewHandlers wires handlers. Zero-value opts fields take the no-op
// defaults.
func NewHandlers(deps HandlerDeps, opts extensions.ServiceOptions) *Handlers {
	defaults := extensions.DefaultOptions()
	if opts.Auth == nil {
		opts.Auth = defaults.Auth
	}
	if opts.Audit == nil {
		opts.Audit = defaults.Audit
	}
	if opts.Filter == nil {
		opts.Filter = defaults.Filter
	}
	return &Handlers{
		deps: deps,
		opts: opts,
		log:  slog.Default().With("component", "http"),
	}
}

// auditRequest records one operational audit event. Failures are logged
// and swallowed: audit never fails a request.
func (h *Handlers) auditRequest(c *gin.Context, action, resource, outcome string) {
	userID := ""
	if info := GetAuthInfo(c); info != nil {
		userID = info.UserID
	}
	err := h.opts.Audit.Log(c.Request.Context(), extensions.AuditEvent{
		Timestamp: time.Now(),
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		Outcome:   outcome,
	})
	if err != nil {
		h.log.Warn("request audit failed", "action", action, "error", err)
	}
}

// HandleTurn handles POST /v1/turn.
//
// Response:
//
//	200 OK: TurnResponse (Partial set on a degraded reply)
//	400 Bad Request: validation failure
//	422 Unprocessable Entity: message blocked by filter
//	429 Too Many Requests: concurrency cap reached, retry after delay
func (h *Handlers) HandleTurn(c *gin.Context) {
	logger := h.log.With("request_id", RequestID(c), "handler", "HandleTurn")

	var req datatypes.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if info := GetAuthInfo(c); info != nil {
		req.UserID = info.UserID
	}

	filtered, err := h.opts.Filter.FilterInput(c.Request.Context(), req.UserMessage)
	if err != nil {
		logger.Error("input filter failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "input filter unavailable", Code: "INTERNAL",
		})
		return
	}
	if !filtered.Allowed {
		h.auditRequest(c, "turn", req.SessionID, "denied")
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: "message rejected: " + filtered.Reason,
			Code:  "MESSAGE_BLOCKED",
		})
		return
	}
	req.UserMessage = filtered.Message

	resp, err := h.deps.Engine.Turn(c.Request.Context(), req)
	if err != nil {
		logger.Warn("turn failed", "session_id", req.SessionID, "error", err)
		h.auditRequest(c, "turn", req.SessionID, "error")
		writeFault(c, err)
		return
	}

	out, err := h.opts.Filter.FilterOutput(c.Request.Context(), resp.AssistantMessage)
	if err == nil && out.Allowed {
		resp.AssistantMessage = out.Message
	} else if err == nil {
		resp.AssistantMessage = "I had to withhold that reply."
	}

	h.auditRequest(c, "turn", req.SessionID, "ok")
	c.JSON(http.StatusOK, resp)
}

// HandleListMemories handles GET /v1/memories?user_id=&q=&limit=.
// Without q the results are the user's memories in similarity order to
// the empty query, which is effectively arbitrary but stable.
func (h *Handlers) HandleListMemories(c *gin.Context) {
	userID, ok := h.targetUser(c)
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	memories, err := h.deps.Semantic.Search(c.Request.Context(), userID, c.Query("q"), limit)
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "memories": memories})
}

// HandleDeleteMemories handles DELETE /v1/memories?user_id=. It
// cascades: semantic memories, then every session owned by the user
// with its buffer and summaries. Audit artifacts are kept; their
// retention belongs to backend lifecycle rules.
func (h *Handlers) HandleDeleteMemories(c *gin.Context) {
	logger := h.log.With("request_id", RequestID(c), "handler", "HandleDeleteMemories")
	userID, ok := h.targetUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if err := h.deps.Semantic.DeleteAll(ctx, userID); err != nil {
		writeFault(c, err)
		return
	}

	sessions, err := h.deps.Sessions.List(ctx)
	if err != nil {
		writeFault(c, err)
		return
	}
	deleted := 0
	for _, info := range sessions {
		if info.UserID != userID {
			continue
		}
		if err := h.deps.Buffer.Clear(ctx, info.SessionID); err != nil {
			logger.Warn("buffer clear failed during cascade",
				"session_id", info.SessionID, "error", err)
		}
		if err := h.deps.Summaries.DeleteSession(ctx, info.SessionID); err != nil {
			logger.Warn("summary delete failed during cascade",
				"session_id", info.SessionID, "error", err)
		}
		if err := h.deps.Sessions.Delete(ctx, info.SessionID); err != nil {
			logger.Warn("session delete failed during cascade",
				"session_id", info.SessionID, "error", err)
			continue
		}
		deleted++
	}

	if h.deps.Audit != nil {
		art := datatypes.NewAuditArtifact("", userID, datatypes.AuditKindContract, map[string]any{
			"action":           "user_data_cascade",
			"sessions_deleted": deleted,
		})
		if err := h.deps.Audit.Record(ctx, art); err != nil {
			logger.Warn("cascade audit record failed", "error", err)
		}
	}
	h.auditRequest(c, "memories.delete", userID, "ok")
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "sessions_deleted": deleted})
}

// exportBundle is the data-portability payload.
type exportBundle struct {
	UserID     string                     `json:"user_id"`
	ExportedAt int64                      `json:"exported_at"`
	Memories   []datatypes.SemanticMemory `json:"memories"`
	Summaries  []datatypes.Summary        `json:"summaries"`
	Sessions   []map[string]any           `json:"sessions"`
}

// HandleExport handles GET /v1/export?user_id=. Free-text fields pass
// through the redactor before leaving the service.
func (h *Handlers) HandleExport(c *gin.Context) {
	userID, ok := h.targetUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	memories, err := h.deps.Semantic.Search(ctx, userID, "", 1000)
	if err != nil {
		writeFault(c, err)
		return
	}

	bundle := exportBundle{
		UserID:     userID,
		ExportedAt: time.Now().UnixMilli(),
		Memories:   memories,
		Summaries:  []datatypes.Summary{},
		Sessions:   []map[string]any{},
	}

	infos, err := h.deps.Sessions.List(ctx)
	if err != nil {
		writeFault(c, err)
		return
	}
	for _, info := range infos {
		if info.UserID != userID {
			continue
		}
		sums, serr := h.deps.Summaries.All(ctx, info.SessionID)
		if serr == nil {
			for _, s := range sums {
				s.Text = h.redactText(ctx, s.Text)
				bundle.Summaries = append(bundle.Summaries, s)
			}
		}
		sc, lerr := h.deps.Sessions.Load(ctx, info.SessionID)
		if lerr != nil {
			continue
		}
		bundle.Sessions = append(bundle.Sessions, h.redactedContext(ctx, sc))
	}

	h.auditRequest(c, "export", userID, "ok")
	c.JSON(http.StatusOK, bundle)
}

// HandleGetSessionContract handles GET /v1/sessions/:sessionId/contract.
func (h *Handlers) HandleGetSessionContract(c *gin.Context) {
	sessionID, ok := h.sessionParam(c)
	if !ok {
		return
	}
	sc, err := h.deps.Sessions.Load(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "session not found", Code: "NOT_FOUND",
			})
			return
		}
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, h.redactedContext(c.Request.Context(), sc))
}

// HandleListSessions handles GET /v1/sessions.
func (h *Handlers) HandleListSessions(c *gin.Context) {
	infos, err := h.deps.Sessions.List(c.Request.Context())
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos})
}

// HandleEvictSession handles DELETE /v1/sessions/:sessionId. The
// context is archived to the audit store before eviction; a session in
// the middle of a turn reports busy.
func (h *Handlers) HandleEvictSession(c *gin.Context) {
	logger := h.log.With("request_id", RequestID(c), "handler", "HandleEvictSession")
	sessionID, ok := h.sessionParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	sc, err := h.deps.Sessions.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "session not found", Code: "NOT_FOUND",
			})
			return
		}
		writeFault(c, err)
		return
	}

	if h.deps.Audit != nil {
		art := datatypes.NewAuditArtifact(sessionID, sc.UserID, datatypes.AuditKindContract, map[string]any{
			"action":  "operator_eviction",
			"context": h.redactedContext(ctx, sc),
		})
		if aerr := h.deps.Audit.Record(ctx, art); aerr != nil {
			logger.Warn("eviction archive failed", "session_id", sessionID, "error", aerr)
		}
	}

	if err := h.deps.Sessions.Evict(ctx, sessionID); err != nil {
		writeFault(c, err)
		return
	}
	if err := h.deps.Buffer.Clear(ctx, sessionID); err != nil {
		logger.Warn("buffer clear failed after eviction",
			"session_id", sessionID, "error", err)
	}

	h.auditRequest(c, "session.evict", sessionID, "ok")
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "evicted": true})
}

// HandleGetVolatility handles GET /v1/settings/volatility.
func (h *Handlers) HandleGetVolatility(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Settings.Snapshot())
}

// HandlePutVolatility handles PUT /v1/settings/volatility. The body
// replaces all three keyword sets atomically.
func (h *Handlers) HandlePutVolatility(c *gin.Context) {
	var next intent.Settings
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body", Code: "INVALID_REQUEST",
		})
		return
	}
	applied, err := h.deps.Settings.Set(next)
	if err != nil {
		writeFault(c, err)
		return
	}
	h.auditRequest(c, "settings.volatility", "", "ok")
	c.JSON(http.StatusOK, applied)
}

// HandleHealth handles GET /health: every probe runs with a short
// deadline, and any failure degrades the overall status.
func (h *Handlers) HandleHealth(c *gin.Context) {
	type probeResult struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	results := make(map[string]probeResult, len(h.deps.Probes))
	healthy := true

	for _, probe := range h.deps.Probes {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := probe.Check(ctx)
		cancel()
		if err != nil {
			healthy = false
			results[probe.Name] = probeResult{Status: "down", Error: err.Error()}
			continue
		}
		results[probe.Name] = probeResult{Status: "ok"}
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":  overall,
		"version": ServiceVersion,
		"deps":    results,
	})
}

// targetUser resolves and validates the target user: the query
// parameter wins, then the authenticated identity. On failure it writes
// the 400 and reports false.
func (h *Handlers) targetUser(c *gin.Context) (string, bool) {
	userID := c.Query("user_id")
	if userID == "" {
		if info := GetAuthInfo(c); info != nil {
			userID = info.UserID
		}
	}
	if userID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "user_id is required", Code: "INVALID_REQUEST",
		})
		return "", false
	}
	if err := validation.UserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: "INVALID_REQUEST",
		})
		return "", false
	}
	return userID, true
}

// sessionParam validates the :sessionId path parameter, writing the 400
// itself on failure.
func (h *Handlers) sessionParam(c *gin.Context) (string, bool) {
	sessionID := c.Param("sessionId")
	if err := validation.SessionID(sessionID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(), Code: "INVALID_REQUEST",
		})
		return "", false
	}
	return sessionID, true
}

func (h *Handlers) redactText(ctx context.Context, text string) string {
	if h.deps.Redactor == nil || text == "" {
		return text
	}
	return h.deps.Redactor.Redact(ctx, text, redact.ModePlaceholder).Text
}

// redactedContext serializes a session context with its free-text
// fields redacted. Structured fields (constraints, product lists) carry
// no raw user prose and pass through.
func (h *Handlers) redactedContext(ctx context.Context, sc *datatypes.SessionContext) map[string]any {
	clone := sc.Clone()
	clone.ProductQuery = h.redactText(ctx, clone.ProductQuery)
	for k, v := range clone.SoftPreferences {
		clone.SoftPreferences[k] = h.redactText(ctx, v)
	}
	m, err := clone.ToMap()
	if err != nil {
		h.log.Warn("context serialization failed", "session_id", sc.SessionID, "error", err)
		return map[string]any{"session_id": sc.SessionID, "state": string(sc.State)}
	}
	return m
}
