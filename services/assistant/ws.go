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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks are delegated to the deployment's reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is the single frame shape for both directions of the
// conversation socket. Clients send type "user_turn"; the server
// answers with "assistant" or "error".
type wsFrame struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	UserMessage string `json:"user_message,omitempty"`
	DeadlineMs  int64  `json:"deadline_ms,omitempty"`

	Payload *datatypes.TurnResponse `json:"payload,omitempty"`
	Error   string                  `json:"error,omitempty"`
	Code    string                  `json:"code,omitempty"`
}

// HandleTurnWS handles GET /v1/turn/ws: a persistent conversation
// socket. Each user_turn frame runs one full engine turn; frames on one
// socket are processed sequentially, so a slow turn backpressures the
// client instead of interleaving replies.
func (h *Handlers) HandleTurnWS(c *gin.Context) {
	logger := h.log.With("request_id", RequestID(c), "handler", "HandleTurnWS")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	userID := ""
	if info := GetAuthInfo(c); info != nil {
		userID = info.UserID
	}
	sessionID := ""

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if frame.Type != "user_turn" {
			h.sendFrame(conn, wsFrame{
				Type: "error", Error: "unsupported frame type: " + frame.Type,
				Code: "INVALID_REQUEST",
			})
			continue
		}

		if frame.SessionID != "" {
			sessionID = frame.SessionID
		}
		if sessionID == "" {
			sessionID = uuid.New().String()
		}

		filtered, ferr := h.opts.Filter.FilterInput(c.Request.Context(), frame.UserMessage)
		if ferr != nil || !filtered.Allowed {
			reason := "input filter unavailable"
			if ferr == nil {
				reason = "message rejected: " + filtered.Reason
			}
			h.sendFrame(conn, wsFrame{
				Type: "error", SessionID: sessionID,
				Error: reason, Code: "MESSAGE_BLOCKED",
			})
			continue
		}

		resp, terr := h.deps.Engine.Turn(c.Request.Context(), datatypes.TurnRequest{
			SessionID:   sessionID,
			UserID:      userID,
			UserMessage: filtered.Message,
			DeadlineMs:  frame.DeadlineMs,
		})
		if terr != nil {
			h.sendFrame(conn, wsFrame{
				Type: "error", SessionID: sessionID,
				Error: terr.Error(), Code: string(datatypes.KindOf(terr)),
			})
			continue
		}

		if out, oerr := h.opts.Filter.FilterOutput(c.Request.Context(), resp.AssistantMessage); oerr == nil {
			if out.Allowed {
				resp.AssistantMessage = out.Message
			} else {
				resp.AssistantMessage = "I had to withhold that reply."
			}
		}

		h.sendFrame(conn, wsFrame{Type: "assistant", SessionID: resp.SessionID, Payload: &resp})
	}
}

func (h *Handlers) sendFrame(conn *websocket.Conn, frame wsFrame) {
	if err := conn.WriteJSON(frame); err != nil {
		h.log.Warn("websocket write failed", "error", err)
	}
}
