// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package assistant

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucerne-ai/concierge/pkg/extensions"
)

func dialWS(t *testing.T, f *httpFixture) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/turn/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func TestTurnWS_RoundTripKeepsSession(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat", "confidence": 0.9, "reasoning": "scripted"},
		extensions.ServiceOptions{})
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(wsFrame{Type: "user_turn", UserMessage: "hello"}))

	var reply wsFrame
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "assistant", reply.Type)
	require.NotNil(t, reply.Payload)
	assert.Equal(t, "canned chat answer", reply.Payload.AssistantMessage)
	assert.NotEmpty(t, reply.SessionID, "server assigns a session id when the client sends none")

	// Second frame without a session id stays on the same session.
	require.NoError(t, conn.WriteJSON(wsFrame{Type: "user_turn", UserMessage: "still there?"}))
	var second wsFrame
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, reply.SessionID, second.SessionID)
}

func TestTurnWS_RejectsUnknownFrameType(t *testing.T) {
	f := newHTTPFixture(t, map[string]any{"kind": "chat"}, extensions.ServiceOptions{})
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(wsFrame{Type: "ping"}))

	var reply wsFrame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "INVALID_REQUEST", reply.Code)
}
