// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the collaboration service.
//
// # Authentication Flow
//
// The auth middleware extracts a token, validates it with the configured
// AuthProvider, and stores the resulting AuthInfo in the Gin context for
// downstream handlers.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Token from "Authorization: Bearer <token>"
//	   │   or, for websocket upgrades, the "token" query parameter
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// Browsers cannot set headers on a websocket handshake, which is why the
// query parameter is accepted.
//
// # Open Source Behavior
//
// With NopAuthProvider (no secret configured) every request is
// authenticated as "local-user".
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/canvassync/pkg/extensions"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the context key for storing AuthInfo.
const authInfoKey = "canvassync_auth_info"

// TokenQueryParam is the query parameter websocket clients put their token in.
const TokenQueryParam = "token"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
//
// # Description
//
// Called by AuthMiddleware after successful authentication. Overwrites any
// previously stored info.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Outputs
//
//   - *extensions.AuthInfo: User info, or nil if not authenticated
//
// # Examples
//
//	func handle(c *gin.Context) {
//	    info := middleware.GetAuthInfo(c)
//	    if info == nil {
//	        c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
//	        return
//	    }
//	    // Use info.UserID ...
//	}
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the token (see ExtractToken), validates it with provider, and
// stores the resulting AuthInfo for downstream handlers. Failures abort
// with 401 and are recorded on audit as "auth.failed".
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//   - audit: Receives failed attempts. Nil disables auditing.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(opts.AuthProvider, opts.AuditLogger))
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider, audit extensions.AuditLogger) gin.HandlerFunc {
	if audit == nil {
		audit = extensions.NopAuditLogger{}
	}
	return func(c *gin.Context) {
		token := ExtractToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err == nil && (authInfo == nil || authInfo.UserID == "") {
			err = extensions.ErrUnauthorized
		}
		if err != nil {
			_ = audit.Log(c.Request.Context(), extensions.AuditEvent{
				EventType:    "auth.failed",
				ResourceType: "endpoint",
				ResourceID:   c.FullPath(),
				Outcome:      "denied",
				Metadata:     map[string]any{"remote_addr": c.ClientIP()},
			})
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			// Provider failures (network, key fetch) are not the caller's fault
			// but still deny the request.
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// ExtractToken returns the bearer token of the request.
//
// # Description
//
// The Authorization header wins. Without it, the "token" query parameter
// is used. Returns "" when neither is present or the header is malformed.
// The "Bearer" prefix is case-insensitive per RFC 7235.
//
// # Examples
//
//	// Header: "Authorization: Bearer abc123"
//	token := ExtractToken(c) // "abc123"
//
//	// GET /collaborate/ws-1?token=xyz
//	token := ExtractToken(c) // "xyz"
func ExtractToken(c *gin.Context) string {
	if token := extractBearerToken(c); token != "" {
		return token
	}
	if c.GetHeader("Authorization") != "" {
		return ""
	}
	return strings.TrimSpace(c.Query(TokenQueryParam))
}

// extractBearerToken parses "Authorization: Bearer <token>".
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
