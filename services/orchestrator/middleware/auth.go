// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// resolves it to a user identity via the configured AuthProvider, and stores
// the user id in the Gin context for downstream handlers. Every durable read
// and write downstream is scoped to that user id; cross-tenant access is
// rejected before any streaming begins.
//
// # Local Behavior
//
// With NopAuthProvider (the default), all requests resolve to "local-user".
// This keeps single-user deployments and the CLI working without any
// identity infrastructure.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Provider Contract
// =============================================================================

// ErrUnauthorized is returned by providers for tokens that fail validation.
var ErrUnauthorized = errors.New("unauthorized")

// AuthProvider resolves a bearer token to a user id.
//
// Implementations must be safe for concurrent use. An empty token is passed
// through as-is; providers decide whether anonymous access is allowed.
type AuthProvider interface {
	Resolve(ctx context.Context, token string) (userID string, err error)
}

// NopAuthProvider authenticates every request as a fixed local user.
type NopAuthProvider struct{}

// Resolve always succeeds with the local user id.
func (NopAuthProvider) Resolve(_ context.Context, _ string) (string, error) {
	return "local-user", nil
}

// HeaderAuthProvider trusts a reverse proxy to have authenticated the
// request and treats the token itself as the user id. Suitable only behind
// an authenticating gateway.
type HeaderAuthProvider struct{}

// Resolve returns the token as the user id, rejecting empty tokens.
func (HeaderAuthProvider) Resolve(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}

// =============================================================================
// Context Helpers
// =============================================================================

// userIDKey is the context key for the resolved user id. A typed key string
// prevents collisions with other context values.
const userIDKey = "tidewater_user_id"

// SetUserID stores the authenticated user id in the Gin context.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

// GetUserID retrieves the authenticated user id, or "" if the request was
// not authenticated.
func GetUserID(c *gin.Context) string {
	if v, exists := c.Get(userIDKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// Extracts the bearer token from the Authorization header, resolves it with
// the provider, and stores the user id in the context. Resolution failures
// abort with 401 before any handler runs.
func AuthMiddleware(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		userID, err := provider.Resolve(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetUserID(c, userID)
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". Returns ""
// if the header is missing or malformed. The scheme is case-insensitive
// per RFC 7235.
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
