// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/middleware"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// newRouter registers routes with no vector store and open auth. The
// diagnosis service is nil; registration only captures it in closures, so
// these tests never invoke the /v1 handlers themselves.
func newRouter() *gin.Engine {
	router := gin.New()
	SetupRoutes(router, nil, nil, nil, middleware.NewKeyAuth(""))
	return router
}

func hasRoute(router *gin.Engine, method, path string) bool {
	for _, r := range router.Routes() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

// ============================================================================
// Route Registration Tests
// ============================================================================

func TestSetupRoutes_CoreRoutes(t *testing.T) {
	router := newRouter()

	coreRoutes := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/diagnose"},
		{"GET", "/v1/stats"},
		{"GET", "/v1/sessions/stats"},
		{"POST", "/v1/sessions/reset"},
		{"POST", "/v1/sessions/:sessionId/reset"},
		{"GET", "/v1/security/events"},
	}

	for _, expected := range coreRoutes {
		if !hasRoute(router, expected.method, expected.path) {
			t.Errorf("Expected route %s %s not found", expected.method, expected.path)
		}
	}
}

func TestSetupRoutes_CaseRoutesNotRegisteredWithoutClient(t *testing.T) {
	router := newRouter()

	// These routes should NOT be registered when the weaviate client is nil
	caseRoutes := []struct {
		method string
		path   string
	}{
		{"POST", "/v1/cases"},
		{"GET", "/v1/cases/sources"},
	}

	for _, notExpected := range caseRoutes {
		if hasRoute(router, notExpected.method, notExpected.path) {
			t.Errorf("Route %s %s should NOT be registered without a Weaviate client", notExpected.method, notExpected.path)
		}
	}
}

// ============================================================================
// Route Handler Tests
// ============================================================================

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := newRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Health endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := newRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	// Prometheus metrics endpoint should return 200
	if w.Code != http.StatusOK {
		t.Errorf("Metrics endpoint returned %d, want %d", w.Code, http.StatusOK)
	}

	// Should return prometheus format
	contentType := w.Header().Get("Content-Type")
	if contentType == "" {
		t.Error("Metrics endpoint should return Content-Type header")
	}
}

// ============================================================================
// Auth Gating Tests
// ============================================================================

func TestSetupRoutes_V1RequiresKeyWhenConfigured(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, nil, nil, nil, middleware.NewKeyAuth("test-key"))

	// Missing token on a /v1 route is rejected by the middleware before
	// any handler runs.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/security/events", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Unauthenticated /v1 request returned %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestSetupRoutes_HealthStaysOpenWhenKeyConfigured(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, nil, nil, nil, middleware.NewKeyAuth("test-key"))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Health endpoint returned %d with auth configured, want %d", w.Code, http.StatusOK)
	}
}

// ============================================================================
// API Version Group Tests
// ============================================================================

func TestSetupRoutes_V1GroupExists(t *testing.T) {
	router := newRouter()

	v1Routes := 0
	for _, r := range router.Routes() {
		if len(r.Path) > 3 && r.Path[:3] == "/v1" {
			v1Routes++
		}
	}

	if v1Routes == 0 {
		t.Error("Expected at least one /v1 route")
	}
}
