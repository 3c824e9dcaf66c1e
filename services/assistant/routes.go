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
	"github.com/gin-gonic/gin"

	"github.com/lucerne-ai/concierge/services/assistant/observability"
)

// RegisterRoutes mounts the versioned API on the given group.
//
// Endpoints:
//
//	POST   /turn                            - run one conversation turn
//	GET    /turn/ws                         - persistent conversation socket
//	GET    /memories                        - list a user's semantic memories
//	DELETE /memories                        - erase a user's data (cascading)
//	GET    /export                          - data-portability bundle
//	GET    /sessions                        - list active sessions
//	GET    /sessions/:sessionId/contract    - inspect a session's contract context
//	DELETE /sessions/:sessionId             - archive and evict a session
//	GET    /settings/volatility             - read volatility keyword sets
//	PUT    /settings/volatility             - replace volatility keyword sets
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.POST("/turn", h.HandleTurn)
	rg.GET("/turn/ws", h.HandleTurnWS)

	rg.GET("/memories", h.HandleListMemories)
	rg.DELETE("/memories", h.HandleDeleteMemories)
	rg.GET("/export", h.HandleExport)

	rg.GET("/sessions", h.HandleListSessions)
	rg.GET("/sessions/:sessionId/contract", h.HandleGetSessionContract)
	rg.DELETE("/sessions/:sessionId", h.HandleEvictSession)

	rg.GET("/settings/volatility", h.HandleGetVolatility)
	rg.PUT("/settings/volatility", h.HandlePutVolatility)
}

// RegisterRoot mounts the unversioned operational endpoints: liveness
// and the Prometheus scrape target.
func RegisterRoot(r *gin.Engine, h *Handlers) {
	r.GET("/health", h.HandleHealth)
	if mh := observability.MetricsHandler(); mh != nil {
		r.GET("/metrics", gin.WrapH(mh))
	}
}
