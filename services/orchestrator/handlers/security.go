// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Security event endpoints. Events come from the append-only audit store,
// newest first; the offending input is never stored, so nothing here can
// leak it.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/services"
)

// defaultEventLimit bounds an unqualified events query.
const defaultEventLimit = 100

// maxEventLimit is the hard ceiling regardless of what the client asks for.
const maxEventLimit = 1000

// HandleSecurityEvents lists recent security events.
//
// GET /v1/security/events?limit=N
func HandleSecurityEvents(service *services.DiagnosisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultEventLimit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}
		if limit > maxEventLimit {
			limit = maxEventLimit
		}

		events, err := service.SecurityEvents(limit)
		if err != nil {
			slog.Error("Failed to list security events", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit store"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"count":  len(events),
			"events": events,
		})
	}
}
