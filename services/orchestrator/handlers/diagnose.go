// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the orchestrator service.
//
// This file exposes the diagnostic pipeline: POST /v1/diagnose runs one round
// of the gated strategy → retrieval → synthesis → review flow and returns
// either a rendered diagnosis or a uniform rejection body.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/middleware"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/services"
)

var diagnoseTracer = otel.Tracer("meridian.orchestrator.handlers")

// HandleDiagnose runs one diagnostic round.
//
// # Description
//
// Binds the request body, derives the caller identity from the auth
// context, and hands off to the diagnosis service. Rejections map to
// stable HTTP statuses with a generic body; upstream faults map to 502/503.
//
// # Status Mapping
//
//	invalid_request    → 400
//	session_suspended  → 403
//	input_blocked      → 422
//	strategy_rejected  → 422
//	review_rejected    → 422
//	rate_limited       → 429 (Retry-After when known)
//	upstream retryable → 503
//	upstream permanent → 502
//	anything else      → 500
func HandleDiagnose(service *services.DiagnosisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := diagnoseTracer.Start(c.Request.Context(), "HandleDiagnose")
		defer span.End()

		var req datatypes.DiagnoseRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the diagnose request", "error", err)
			c.JSON(http.StatusBadRequest, datatypes.RejectionResponse{
				Code:    datatypes.CodeInvalidRequest,
				Message: "invalid request body",
				TraceID: traceIDFrom(span),
			})
			return
		}

		callerID := middleware.CallerID(c)

		resp, err := service.Process(ctx, callerID, &req)
		if err != nil {
			writeDiagnoseError(c, span, err)
			return
		}

		resp.TraceID = traceIDFrom(span)
		c.JSON(http.StatusOK, resp)
	}
}

// writeDiagnoseError translates service errors into HTTP responses.
// Rejection messages are already client-safe; everything else gets a
// generic body so internals never leak.
func writeDiagnoseError(c *gin.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if rej, ok := services.IsRejection(err); ok {
		status := rejectionStatus(rej.Code)
		if rej.Code == datatypes.CodeRateLimited && rej.RetryAfter > 0 {
			c.Header("Retry-After", rej.RetryAfterSeconds())
		}
		c.JSON(status, datatypes.RejectionResponse{
			Code:    rej.Code,
			Message: rej.Message,
			TraceID: traceIDFrom(span),
		})
		return
	}

	if up, ok := services.IsUpstream(err); ok {
		status := http.StatusBadGateway
		if up.Retryable {
			status = http.StatusServiceUnavailable
		}
		slog.Error("Diagnosis round failed upstream", "stage", up.Stage, "error", up.Err)
		c.JSON(status, datatypes.RejectionResponse{
			Code:    datatypes.CodeUpstreamFailure,
			Message: "the diagnostic service is temporarily unavailable",
			TraceID: traceIDFrom(span),
		})
		return
	}

	slog.Error("Diagnosis round failed", "error", err)
	c.JSON(http.StatusInternalServerError, datatypes.RejectionResponse{
		Code:    datatypes.CodeUpstreamFailure,
		Message: "internal error",
		TraceID: traceIDFrom(span),
	})
}

// rejectionStatus maps service rejection codes to HTTP statuses.
func rejectionStatus(code string) int {
	switch code {
	case datatypes.CodeInvalidRequest:
		return http.StatusBadRequest
	case datatypes.CodeSessionSuspended:
		return http.StatusForbidden
	case datatypes.CodeInputBlocked, datatypes.CodeStrategyRejected, datatypes.CodeReviewRejected:
		return http.StatusUnprocessableEntity
	case datatypes.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// traceIDFrom returns the hex trace id when the span is recording, empty
// otherwise so local test contexts don't emit zero ids.
func traceIDFrom(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
