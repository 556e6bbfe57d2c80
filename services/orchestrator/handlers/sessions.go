// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Session administration endpoints. Dialog state lives in the in-memory
// session manager, so these operate through the diagnosis service rather
// than the vector store.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/services"
)

// HandleResetSession discards one session's dialog history.
//
// POST /v1/sessions/:sessionId/reset
//
// Resetting also clears the violation counters, which is the operator
// escape hatch for a session suspended by the security chain.
func HandleResetSession(service *services.DiagnosisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing session id"})
			return
		}

		if !service.ResetSession(sessionID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		slog.Info("Session reset", "session_id", sessionID)
		c.JSON(http.StatusOK, gin.H{
			"status":     "success",
			"session_id": sessionID,
		})
	}
}

// HandleResetAllSessions discards every active session.
//
// POST /v1/sessions/reset
func HandleResetAllSessions(service *services.DiagnosisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cleared := service.ResetAllSessions()

		slog.Info("All sessions reset", "cleared", cleared)
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"cleared": cleared,
		})
	}
}

// HandleSessionStats reports aggregate dialog and limiter statistics.
//
// GET /v1/stats
func HandleSessionStats(service *services.DiagnosisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, service.Stats())
	}
}
