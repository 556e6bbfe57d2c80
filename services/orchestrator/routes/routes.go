// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/MeridianFOSS/services/llm"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/handlers"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/middleware"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/services"
)

// SetupRoutes registers the service's HTTP surface.
//
// /health and /metrics are unauthenticated; everything under /v1 goes
// through the key auth middleware. Case ingestion routes are only
// registered when a Weaviate client is available, so a deployment running
// on bundled case data alone still serves the diagnostic endpoints.
func SetupRoutes(router *gin.Engine, service *services.DiagnosisService,
	client *weaviate.Client, embedder llm.EmbeddingClient, keyAuth *middleware.KeyAuth) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(keyAuth))
	{
		v1.POST("/diagnose", handlers.HandleDiagnose(service))
		v1.GET("/stats", handlers.HandleSessionStats(service))

		// Session administration routes
		sessions := v1.Group("/sessions")
		{
			sessions.GET("/stats", handlers.HandleSessionStats(service))
			sessions.POST("/reset", handlers.HandleResetAllSessions(service))
			sessions.POST("/:sessionId/reset", handlers.HandleResetSession(service))
		}

		// Security audit routes
		security := v1.Group("/security")
		{
			security.GET("/events", handlers.HandleSecurityEvents(service))
		}

		// Case corpus routes require the vector store.
		if client != nil {
			cases := v1.Group("/cases")
			{
				cases.POST("", handlers.HandleIngestCases(client, embedder))
				cases.GET("/sources", handlers.HandleListCaseSources(client))
			}
		}
	}
}
