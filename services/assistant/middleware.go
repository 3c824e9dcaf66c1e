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
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lucerne-ai/concierge/pkg/extensions"
	"github.com/lucerne-ai/concierge/services/assistant/datatypes"
)

const (
	authInfoKey  = "concierge_auth_info"
	requestIDKey = "concierge_request_id"
)

// RequestIDMiddleware attaches a request id to the context and the
// response, reusing the caller's X-Request-ID when present.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// RequestID returns the request id set by RequestIDMiddleware.
func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// AuthMiddleware validates the bearer token and stores the identity for
// handlers. Requests without an Authorization header pass through as
// anonymous; a present but invalid token is rejected.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "malformed Authorization header",
				Code:  "UNAUTHORIZED",
			})
			return
		}

		info, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			slog.Warn("token validation failed",
				"request_id", RequestID(c), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "invalid token",
				Code:  "UNAUTHORIZED",
			})
			return
		}
		c.Set(authInfoKey, info)
		c.Next()
	}
}

// GetAuthInfo returns the authenticated identity, or nil for anonymous
// requests.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	v, ok := c.Get(authInfoKey)
	if !ok {
		return nil
	}
	info, _ := v.(*extensions.AuthInfo)
	return info
}

// writeFault maps an error from the assistant core to an HTTP status
// using the fault taxonomy and writes the error body.
func writeFault(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"

	switch datatypes.KindOf(err) {
	case datatypes.FaultValidation:
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case datatypes.FaultUnauthorized:
		status, code = http.StatusUnauthorized, "UNAUTHORIZED"
	case datatypes.FaultConflict:
		status, code = http.StatusConflict, "CONFLICT"
	case datatypes.FaultBusy:
		status, code = http.StatusTooManyRequests, "BUSY"
		c.Header("Retry-After", "1")
	case datatypes.FaultUnsafeContent:
		status, code = http.StatusUnprocessableEntity, "UNSAFE_CONTENT"
	case datatypes.FaultLoopDetected:
		status, code = http.StatusConflict, "LOOP_DETECTED"
	default:
		if datatypes.IsCancelled(err) {
			status, code = http.StatusGatewayTimeout, "DEADLINE_EXCEEDED"
		}
	}

	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}
