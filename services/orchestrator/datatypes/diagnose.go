// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains request and response types for the diagnostic endpoints.
// Per-round stage outputs live in round.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxQuestionBytes is the maximum size of a raw complaint accepted at the
	// HTTP boundary. Larger payloads are rejected outright; the sanitizer
	// applies the tighter rune-based cap after normalization.
	MaxQuestionBytes = 32 * 1024 // 32KB

	// MaxSessionIDBytes is the maximum accepted length of a client-supplied
	// session identifier.
	MaxSessionIDBytes = 128
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// diagnoseValidate is the validator instance for diagnostic datatypes.
// Initialized in init() with custom validators.
var diagnoseValidate *validator.Validate

func init() {
	diagnoseValidate = validator.New()
	_ = diagnoseValidate.RegisterValidation("questionbytes", validateQuestionBytes)
}

// validateQuestionBytes enforces the byte-size ceiling on the complaint field.
// Byte length (not rune count) is checked to bound memory before any
// normalization work happens.
func validateQuestionBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQuestionBytes
}

// =============================================================================
// Diagnostic Request Types
// =============================================================================

// DiagnoseRequest represents one diagnostic round submitted by a client.
//
// # Description
//
// DiagnoseRequest carries the patient complaint for POST /v1/diagnose.
// A request either opens a new session (no SessionID) or continues an
// existing multi-round dialog (SessionID set, Continue true). Every request
// includes a unique ID and timestamp for audit trails.
//
// # Fields
//
//   - RequestID: Optional on input; generated server-side when absent (UUID v4).
//   - Timestamp: Optional on input; Unix milliseconds, generated when absent.
//   - Question: Required. The patient complaint in free text. Limited to 32KB
//     at the boundary; the input sanitizer applies the rune-level cap.
//   - SessionID: Optional. Continues the named session when set.
//   - Continue: When true together with SessionID, the round is treated as a
//     follow-up and the complaint is accumulated onto the session history.
//
// # Validation
//
// Uses go-playground/validator:
//   - Question: required, max 32768 bytes via the questionbytes validator
//   - SessionID: max 128 bytes
//
// # Limitations
//
//   - Validation is structural only. Threat screening (injection patterns,
//     PII masking, rate limits) happens in the security chain, not here.
type DiagnoseRequest struct {
	RequestID string `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp int64  `json:"timestamp" validate:"gte=0"`
	Question  string `json:"question" validate:"required,questionbytes"`
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
	Continue  bool   `json:"continue"`
}

// Validate validates the DiagnoseRequest fields after JSON binding.
func (r *DiagnoseRequest) Validate() error {
	return diagnoseValidate.Struct(r)
}

// EnsureDefaults populates RequestID and Timestamp when the client omitted
// them, so every request is traceable.
func (r *DiagnoseRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// =============================================================================
// Diagnostic Response Types
// =============================================================================

// SessionInfo summarizes the session state a response belongs to.
type SessionInfo struct {
	Round      int    `json:"round"`
	CreatedAt  int64  `json:"created_at"`
	LastActive int64  `json:"last_active"`
	Suspicious bool   `json:"suspicious"`
	SessionID  string `json:"session_id"`
}

// DiagnoseResponse is the full payload returned for an accepted round.
//
// # Description
//
// Dialog holds the rendered clinician-facing text; the structured stage
// outputs (Strategy, Retrieval, Diagnosis) are included so clients can show
// provenance without re-parsing the prose. ContinueAvailable tells the
// client whether a follow-up round is worth submitting.
//
// # Fields
//
//   - ResponseID / RequestID: Correlation identifiers (UUID v4).
//   - Dialog: Rendered, reviewed, truncated presentation text.
//   - Converged: True once accumulated coverage reached the convergence bar.
//   - ContinueAvailable: False after convergence or when the session is
//     suspended.
//   - Strategy / Retrieval / Diagnosis: Structured stage outputs, post-review.
type DiagnoseResponse struct {
	ResponseID        string             `json:"response_id"`
	RequestID         string             `json:"request_id"`
	Timestamp         int64              `json:"timestamp"`
	SessionID         string             `json:"session_id"`
	Round             int                `json:"round"`
	Dialog            string             `json:"dialog"`
	Converged         bool               `json:"converged"`
	ContinueAvailable bool               `json:"continue_available"`
	Strategy          *Stage1Decision    `json:"strategy,omitempty"`
	Retrieval         *RetrievalMetadata `json:"retrieval,omitempty"`
	Diagnosis         *SynthesisResult   `json:"diagnosis,omitempty"`
	ProcessingTimeMs  int64              `json:"processing_time_ms"`
	TraceID           string             `json:"trace_id,omitempty"`
	SessionInfo       SessionInfo        `json:"session_info"`
}

// EnsureDefaults fills the response identifiers when the caller left them
// empty.
func (r *DiagnoseResponse) EnsureDefaults() {
	if r.ResponseID == "" {
		r.ResponseID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// =============================================================================
// Rejection Types
// =============================================================================

// Machine-readable rejection codes. These are the only codes the service
// emits; clients may switch on them.
const (
	CodeRateLimited      = "rate_limited"
	CodeInputBlocked     = "input_blocked"
	CodeSessionSuspended = "session_suspended"
	CodeStrategyRejected = "strategy_rejected"
	CodeReviewRejected   = "review_rejected"
	CodeUpstreamFailure  = "upstream_failure"
	CodeInvalidRequest   = "invalid_request"
)

// RejectionResponse is the uniform error body for refused requests.
// Message is generic by design; internals never leak through it.
type RejectionResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
