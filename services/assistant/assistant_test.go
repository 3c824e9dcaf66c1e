// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package assistant

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucerne-ai/concierge/services/assistant/observability"
	"github.com/lucerne-ai/concierge/services/llm"
)

func devConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		GinMode:  "test",
		LLM:      llm.Config{Backend: "openai", BaseURL: "http://localhost:1/v1", Model: "test-model"},
		AuditDir: filepath.Join(dir, "audit"),
		SpoolDir: filepath.Join(dir, "spool"),
		Observability: observability.Config{
			ServiceName:    "concierge-test",
			TraceExporter:  "none",
			MetricExporter: "none",
		},
	}
}

func TestNew_DevProfileBoots(t *testing.T) {
	svc, err := New(devConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(svc.close)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestNew_RejectsUnknownSessionBackend(t *testing.T) {
	cfg := devConfig(t)
	cfg.SessionBackend = "etcd"

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session backend")
}

func TestNew_RejectsBrokenLLMConfig(t *testing.T) {
	cfg := devConfig(t)
	cfg.LLM = llm.Config{Backend: "carrier-pigeon"}

	_, err := New(cfg, nil)
	require.Error(t, err)
}
