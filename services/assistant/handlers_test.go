// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucerne-ai/concierge/pkg/extensions"
	"github.com/lucerne-ai/concierge/services/assistant/contract"
	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
	"github.com/lucerne-ai/concierge/services/assistant/engine"
	"github.com/lucerne-ai/concierge/services/assistant/intent"
	"github.com/lucerne-ai/concierge/services/assistant/memory"
	"github.com/lucerne-ai/concierge/services/assistant/pipeline"
	"github.com/lucerne-ai/concierge/services/assistant/pipelines"
	"github.com/lucerne-ai/concierge/services/assistant/redact"
	"github.com/lucerne-ai/concierge/services/assistant/session"
	"github.com/lucerne-ai/concierge/services/llm"
	"github.com/lucerne-ai/concierge/services/providers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedLLM answers every classifier call site a turn can reach so the
// handlers run against the real engine without a live model.
func scriptedLLM(route map[string]any) *llm.Fake {
	return &llm.Fake{
		Reply: "canned chat answer",
		ClassifyFunc: func(_ context.Context, prompt string, _ map[string]any, out any) error {
			var payload any
			switch {
			case strings.HasPrefix(prompt, "Route the user message"):
				payload = route
			case strings.HasPrefix(prompt, "Extract purchase criteria"):
				payload = map[string]any{
					"hard_constraints": []string{},
					"soft_preferences": map[string]string{},
				}
			case strings.HasPrefix(prompt, "Score how well"):
				payload = map[string]any{"scores": map[string]float64{"gpu-1": 0.9}}
			default:
				payload = map[string]any{
					"price_min": 300.0, "price_max": 1100.0, "currency": "CHF",
					"brands":    []string{"NVIDIA"},
					"spec_keys": []string{"brand"},
				}
			}
			raw, _ := json.Marshal(payload)
			return json.Unmarshal(raw, out)
		},
	}
}

type recordingAudit struct {
	mu   sync.Mutex
	arts []datatypes.AuditArtifact
}

func (r *recordingAudit) Record(_ context.Context, art datatypes.AuditArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arts = append(r.arts, art)
	return nil
}

func (r *recordingAudit) Flush(context.Context) error { return nil }
func (r *recordingAudit) Close(context.Context) error { return nil }

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.arts {
		if action, ok := a.Payload["action"].(string); ok {
			out = append(out, action)
		}
	}
	return out
}

type httpFixture struct {
	router   *gin.Engine
	handlers *Handlers
	sessions *session.Store
	buffer   *memory.MemoryBuffer
	sums     *memory.MemorySummaryStore
	semantic memory.SemanticStore
	audit    *recordingAudit
}

func newHTTPFixture(t *testing.T, route map[string]any, opts extensions.ServiceOptions) *httpFixture {
	t.Helper()

	client := scriptedLLM(route)
	rt := pipeline.NewRuntime(pipeline.NewCache(64), nil)

	registry := contract.NewRegistry()
	require.NoError(t, registry.Register(contract.NewPurchaseContract(contract.PurchaseDeps{
		Search: pipelines.NewProductSearch(rt, &providers.FakeProductSearch{Items: []datatypes.Product{
			{ID: "gpu-1", Title: "NVIDIA RTX 4070", PriceAmount: 649, PriceCurrency: "CHF",
				Specs: map[string]string{"brand": "NVIDIA"}},
		}}, client),
		Match:    pipelines.NewPreferenceMatch(rt, &providers.FakeSpecProvider{}, client),
		Checkout: &providers.FakeCheckout{},
		LLM:      client,
	})))

	tools := providers.NewToolRegistry()
	require.NoError(t, tools.Register(&providers.ClockTool{}))

	redactor, err := redact.New(redact.Config{UseNER: false, DefaultMode: redact.ModeHash})
	require.NoError(t, err)
	semantic, err := memory.NewMemorySemanticStore(memory.NewFakeEmbedder(8), redactor)
	require.NoError(t, err)

	buf := memory.NewMemoryBuffer(memory.DefaultBufferConfig())
	sums := memory.NewMemorySummaryStore()
	audit := &recordingAudit{}
	sessions := session.NewStore(session.NewMemoryBackend(), session.Config{})

	settings, err := intent.NewSettingsStore()
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{}, engine.Deps{
		Sessions:  sessions,
		Buffer:    buf,
		Summaries: sums,
		Semantic:  semantic,
		Audit:     audit,
		Router:    intent.NewRouter(client, settings, registry, tools, intent.Config{}),
		Contracts: registry,
		Tools:     tools,
		Web:       &providers.FakeWebSearch{},
		LLM:       client,
	})
	require.NoError(t, err)

	h := NewHandlers(HandlerDeps{
		Engine:    eng,
		Sessions:  sessions,
		Buffer:    buf,
		Summaries: sums,
		Semantic:  semantic,
		Audit:     audit,
		Settings:  settings,
		Redactor:  redactor,
	}, opts)

	router := gin.New()
	router.Use(RequestIDMiddleware(), AuthMiddleware(h.opts.Auth))
	RegisterRoutes(router.Group("/v1"), h)
	RegisterRoot(router, h)

	return &httpFixture{
		router:   router,
		handlers: h,
		sessions: sessions,
		buffer:   buf,
		sums:     sums,
		semantic: semantic,
		audit:    audit,
	}
}

func (f *httpFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// =============================================================================
// Turn endpoint
// =============================================================================

func TestHandleTurn_ChatRoundTrip(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat", "confidence": 0.9, "reasoning": "scripted"},
		extensions.ServiceOptions{})

	rec := f.do(t, http.MethodPost, "/v1/turn", datatypes.TurnRequest{
		SessionID: "sess-chat", UserID: "user-1", UserMessage: "hello there",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[datatypes.TurnResponse](t, rec)
	assert.Equal(t, "sess-chat", resp.SessionID)
	assert.Equal(t, "canned chat answer", resp.AssistantMessage)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHandleTurn_RejectsMalformedBody(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"}, extensions.ServiceOptions{})

	req := httptest.NewRequest(http.MethodPost, "/v1/turn", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, "INVALID_REQUEST", errResp.Code)
}

func TestHandleTurn_MissingSessionIDMapsToValidationFault(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"}, extensions.ServiceOptions{})

	rec := f.do(t, http.MethodPost, "/v1/turn", datatypes.TurnRequest{
		UserMessage: "hello",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeJSON[ErrorResponse](t, rec).Code)
}

type blockingFilter struct{}

func (blockingFilter) FilterInput(_ context.Context, msg string) (*extensions.FilterResult, error) {
	if strings.Contains(msg, "forbidden") {
		return &extensions.FilterResult{Allowed: false, Reason: "policy"}, nil
	}
	return &extensions.FilterResult{Allowed: true, Message: msg}, nil
}

func (blockingFilter) FilterOutput(_ context.Context, msg string) (*extensions.FilterResult, error) {
	return &extensions.FilterResult{Allowed: true, Message: strings.ToUpper(msg)}, nil
}

func TestHandleTurn_FilterBlocksInputAndRewritesOutput(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"},
		extensions.ServiceOptions{Filter: blockingFilter{}})

	rec := f.do(t, http.MethodPost, "/v1/turn", datatypes.TurnRequest{
		SessionID: "s1", UserMessage: "something forbidden",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "MESSAGE_BLOCKED", decodeJSON[ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/v1/turn", datatypes.TurnRequest{
		SessionID: "s1", UserMessage: "something fine",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANNED CHAT ANSWER", decodeJSON[datatypes.TurnResponse](t, rec).AssistantMessage)
}

// =============================================================================
// Memories and export
// =============================================================================

func TestMemories_ListRequiresUser(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"}, extensions.ServiceOptions{})

	rec := f.do(t, http.MethodGet, "/v1/memories", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type staticAuth struct{ userID string }

func (a staticAuth) Validate(context.Context, string) (*extensions.AuthInfo, error) {
	return &extensions.AuthInfo{UserID: a.userID}, nil
}

func TestMemories_ListUsesAuthenticatedUser(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"},
		extensions.ServiceOptions{Auth: staticAuth{userID: "token-user"}})

	req := httptest.NewRequest(http.MethodGet, "/v1/memories", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, "token-user", body["user_id"])
}

func TestMemories_DeleteCascadesUserSessions(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{
		"kind": "contract", "confidence": 0.9, "reasoning": "scripted",
		"selected_contract": "purchase",
	}, extensions.ServiceOptions{})
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/v1/turn", datatypes.TurnRequest{
		SessionID: "sess-del", UserID: "user-1",
		UserMessage: "I want to buy a graphics card under 700 CHF",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err := f.semantic.Upsert(ctx, "user-1", "prefers quiet hardware", nil)
	require.NoError(t, err)

	rec = f.do(t, http.MethodDelete, "/v1/memories?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, float64(1), body["sessions_deleted"])

	_, err = f.sessions.Load(ctx, "sess-del")
	assert.ErrorIs(t, err, session.ErrNotFound)

	memories, err := f.semantic.Search(ctx, "user-1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, memories)

	assert.Contains(t, f.audit.actions(), "user_data_cascade")
}

func TestExport_BundlesRedactedUserData(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{
		"kind": "contract", "confidence": 0.9, "reasoning": "scripted",
		"selected_contract": "purchase",
	}, extensions.ServiceOptions{})
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/v1/turn", datatypes.TurnRequest{
		SessionID: "sess-exp", UserID: "user-1",
		UserMessage: "I want to buy a graphics card under 700 CHF",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err := f.semantic.Upsert(ctx, "user-1", "prefers quiet hardware", nil)
	require.NoError(t, err)
	require.NoError(t, f.sums.Append(ctx, datatypes.Summary{
		ID: "sum-1", SessionID: "sess-exp", Text: "shopping for a GPU",
	}))

	rec = f.do(t, http.MethodGet, "/v1/export?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bundle := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, "user-1", bundle["user_id"])
	assert.Len(t, bundle["memories"], 1)
	assert.Len(t, bundle["summaries"], 1)
	assert.Len(t, bundle["sessions"], 1)
}

// =============================================================================
// Session administration
// =============================================================================

func TestSessions_ContractInspectionAndEviction(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{
		"kind": "contract", "confidence": 0.9, "reasoning": "scripted",
		"selected_contract": "purchase",
	}, extensions.ServiceOptions{})

	rec := f.do(t, http.MethodPost, "/v1/turn", datatypes.TurnRequest{
		SessionID: "sess-adm", UserID: "user-1",
		UserMessage: "I want to buy a graphics card under 700 CHF",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decodeJSON[map[string][]session.Info](t, rec)
	require.Len(t, listing["sessions"], 1)
	assert.Equal(t, "sess-adm", listing["sessions"][0].SessionID)

	rec = f.do(t, http.MethodGet, "/v1/sessions/sess-adm/contract", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sc := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, "sess-adm", sc["session_id"])
	assert.NotEmpty(t, sc["state"])

	rec = f.do(t, http.MethodDelete, "/v1/sessions/sess-adm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, f.audit.actions(), "operator_eviction")

	rec = f.do(t, http.MethodGet, "/v1/sessions/sess-adm/contract", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeJSON[ErrorResponse](t, rec).Code)
}

func TestSessions_UnknownSessionIs404(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"}, extensions.ServiceOptions{})

	rec := f.do(t, http.MethodGet, "/v1/sessions/ghost/contract", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_RejectMalformedIdentifiers(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"}, extensions.ServiceOptions{})

	rec := f.do(t, http.MethodGet, "/v1/sessions/bad%20id/contract", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/sessions/bad%20id", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/memories?user_id=drop+table", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, "INVALID_REQUEST", body.Code)
}

// =============================================================================
// Settings, health, fault mapping
// =============================================================================

func TestSettings_VolatilityRoundTrip(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"}, extensions.ServiceOptions{})

	rec := f.do(t, http.MethodPut, "/v1/settings/volatility", intent.Settings{
		Volatile:   []string{"Today", "weather"},
		SemiStatic: []string{"roadmap"},
		Static:     []string{"birthday"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	applied := decodeJSON[intent.Settings](t, rec)
	assert.Contains(t, applied.Volatile, "today")

	rec = f.do(t, http.MethodGet, "/v1/settings/volatility", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decodeJSON[intent.Settings](t, rec)
	assert.Equal(t, applied, current)
}

func TestSettings_CrossSetConflictRejected(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"}, extensions.ServiceOptions{})

	rec := f.do(t, http.MethodPut, "/v1/settings/volatility", intent.Settings{
		Volatile: []string{"weather"},
		Static:   []string{"weather"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeJSON[ErrorResponse](t, rec).Code)
}

func TestHealth_DegradesWhenAProbeFails(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"}, extensions.ServiceOptions{})
	f.handlers.deps.Probes = []HealthProbe{
		{Name: "sessions", Check: func(context.Context) error { return nil }},
	}

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.handlers.deps.Probes = append(f.handlers.deps.Probes, HealthProbe{
		Name:  "weaviate",
		Check: func(context.Context) error { return errors.New("connection refused") },
	})
	rec = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
}

func TestWriteFault_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", datatypes.Validationf("op", "bad input"), http.StatusBadRequest, "INVALID_REQUEST"},
		{"busy", datatypes.NewFault(datatypes.FaultBusy, "op", errors.New("saturated")), http.StatusTooManyRequests, "BUSY"},
		{"conflict", datatypes.NewFault(datatypes.FaultConflict, "op", errors.New("stale")), http.StatusConflict, "CONFLICT"},
		{"unsafe", datatypes.NewFault(datatypes.FaultUnsafeContent, "op", errors.New("pii")), http.StatusUnprocessableEntity, "UNSAFE_CONTENT"},
		{"cancelled", datatypes.NewFault(datatypes.FaultIO, "op", context.DeadlineExceeded), http.StatusGatewayTimeout, "DEADLINE_EXCEEDED"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			writeFault(c, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeJSON[ErrorResponse](t, rec).Code)
		})
	}
}
