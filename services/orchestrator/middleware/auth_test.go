// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newAuthRouter(provider AuthProvider) (*gin.Engine, *string) {
	gin.SetMode(gin.TestMode)
	var seenUser string
	r := gin.New()
	r.Use(AuthMiddleware(provider))
	r.GET("/probe", func(c *gin.Context) {
		seenUser = GetUserID(c)
		c.Status(http.StatusOK)
	})
	return r, &seenUser
}

func TestAuthMiddleware_NopProviderResolvesLocalUser(t *testing.T) {
	r, seenUser := newAuthRouter(NopAuthProvider{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if *seenUser != "local-user" {
		t.Errorf("expected local-user, got %q", *seenUser)
	}
}

func TestAuthMiddleware_HeaderProviderRejectsMissingToken(t *testing.T) {
	r, _ := newAuthRouter(HeaderAuthProvider{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", w.Code)
	}
}

func TestAuthMiddleware_HeaderProviderResolvesToken(t *testing.T) {
	r, seenUser := newAuthRouter(HeaderAuthProvider{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer user-42")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if *seenUser != "user-42" {
		t.Errorf("expected user-42, got %q", *seenUser)
	}
}

func TestExtractBearerToken_CaseInsensitiveScheme(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("Authorization", "bearer abc123")

	if got := extractBearerToken(c); got != "abc123" {
		t.Errorf("expected abc123, got %q", got)
	}
}

func TestExtractBearerToken_MalformedHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("Authorization", "Basic abc123")

	if got := extractBearerToken(c); got != "" {
		t.Errorf("expected empty token for non-bearer scheme, got %q", got)
	}
}
