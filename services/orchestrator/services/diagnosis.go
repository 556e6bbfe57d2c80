// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides business logic services for the orchestrator.
//
// This package contains service structs that encapsulate business logic,
// separating it from HTTP handlers. Services are responsible for:
//   - Sequencing the security chain and the diagnostic pipeline stages
//   - Applying business rules and validation
//   - Managing session state and error handling
//
// Services are designed to be:
//   - Testable: Dependencies are injected via constructors
//   - Composable: Services can call other services
//   - Traceable: All methods accept context for distributed tracing
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/observability"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/pipeline"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/retrieval"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/security"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/session"
	"github.com/AleutianAI/MeridianFOSS/services/policy_engine"
)

// diagnosisTracer is the OpenTelemetry tracer for DiagnosisService operations.
var diagnosisTracer = otel.Tracer("meridian.orchestrator.services.diagnosis")

// =============================================================================
// Interfaces
// =============================================================================

// StrategyGate decides whether the accumulated complaint is worth a
// retrieval round. historySummary condenses earlier rounds of the dialog.
type StrategyGate interface {
	Decide(ctx context.Context, accumulated, historySummary string) (*datatypes.Stage1Decision, error)
}

// Retriever runs the adaptive retrieval loop for one query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, strategy datatypes.RetrievalStrategy) ([]datatypes.Candidate, datatypes.RetrievalMetadata, error)
}

// Synthesizer derives a structured differentiation from candidates.
type Synthesizer interface {
	Synthesize(ctx context.Context, complaint, priorContext string, candidates []datatypes.Candidate) (*datatypes.SynthesisResult, error)
}

// SafetyReviewer screens a synthesis before rendering.
type SafetyReviewer interface {
	Review(ctx context.Context, result *datatypes.SynthesisResult, forcedConvergence bool) *datatypes.ReviewResult
}

// Compile-time interface implementation checks.
var (
	_ StrategyGate   = (*pipeline.Gate)(nil)
	_ Retriever      = (*retrieval.Engine)(nil)
	_ Synthesizer    = (*pipeline.Synthesizer)(nil)
	_ SafetyReviewer = (*pipeline.Reviewer)(nil)
)

// =============================================================================
// Configuration
// =============================================================================

// DiagnosisConfig holds the dialog-level thresholds.
type DiagnosisConfig struct {
	// MaxRounds is the dialog ceiling. Reaching it forces convergence
	// with the stronger disclaimer.
	MaxRounds int

	// ConvergenceCoverage is the coverage at which a round converges on
	// its own merits.
	ConvergenceCoverage float64

	// MatchScoreFloor is the composite match score (0-10 scale) that,
	// together with MatchScoreMinCases accumulated candidates, also
	// counts as convergence.
	MatchScoreFloor    float64
	MatchScoreMinCases int

	// LLMRetries bounds extra attempts for transient model failures.
	// Delays double from LLMRetryDelay.
	LLMRetries    int
	LLMRetryDelay time.Duration
}

// DefaultDiagnosisConfig returns the production dialog settings.
func DefaultDiagnosisConfig() DiagnosisConfig {
	return DiagnosisConfig{
		MaxRounds:           10,
		ConvergenceCoverage: 0.8,
		MatchScoreFloor:     8.0,
		MatchScoreMinCases:  3,
		LLMRetries:          2,
		LLMRetryDelay:       500 * time.Millisecond,
	}
}

// =============================================================================
// Error Types
// =============================================================================

// PipelineRejection is a policy outcome, not a fault: the request was
// understood and refused. Handlers map Code to a 4xx status. The message is
// client-safe and never echoes the offending input.
type PipelineRejection struct {
	Code          string
	Message       string
	CorrelationID string
	RetryAfter    time.Duration
}

// Error implements the error interface for PipelineRejection.
func (e *PipelineRejection) Error() string {
	return fmt.Sprintf("pipeline rejection (%s): %s", e.Code, e.Message)
}

// RetryAfterSeconds renders RetryAfter for the Retry-After header, rounding
// up so clients never retry early. Zero means no hint was available.
func (e *PipelineRejection) RetryAfterSeconds() string {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// IsRejection extracts a PipelineRejection from an error chain.
func IsRejection(err error) (*PipelineRejection, bool) {
	var pr *PipelineRejection
	ok := errors.As(err, &pr)
	return pr, ok
}

// UpstreamError marks a transient external fault (model backend, vector
// store) that survived retries. Handlers map it to a 5xx status.
type UpstreamError struct {
	Stage     string
	Retryable bool
	Err       error
}

// Error implements the error interface for UpstreamError.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream failure in %s: %v", e.Stage, e.Err)
}

// Unwrap exposes the underlying fault.
func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstream extracts an UpstreamError from an error chain.
func IsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	ok := errors.As(err, &ue)
	return ue, ok
}

// =============================================================================
// DiagnosisService
// =============================================================================

// DiagnosisService runs one diagnostic round end-to-end. It sequences:
//   - Rate limiter: per-caller and per-session admission
//   - Input sanitizer: normalization, threat scan, PII masking
//   - Session manager: dialog state across rounds
//   - Strategy gate, adaptive retrieval, synthesis, safety review
//   - Output validator: final screen on the rendered dialog
//
// The service holds no per-request state of its own; everything lives on
// the session manager or travels in the request. Rejections are typed
// (*PipelineRejection) and distinct from faults (*UpstreamError).
//
// Usage:
//
//	service := NewDiagnosisService(deps, DefaultDiagnosisConfig())
//	resp, err := service.Process(ctx, callerID, &req)
type DiagnosisService struct {
	limiter   *security.RateLimiter
	sanitizer *security.Sanitizer
	validator *security.OutputValidator
	audit     *security.AuditStore
	sessions  *session.Manager

	gate        StrategyGate
	retriever   Retriever
	synthesizer Synthesizer
	reviewer    SafetyReviewer

	cfg DiagnosisConfig
}

// Deps bundles the service's injected collaborators.
type Deps struct {
	Limiter   *security.RateLimiter
	Sanitizer *security.Sanitizer
	Validator *security.OutputValidator
	Audit     *security.AuditStore
	Sessions  *session.Manager

	Gate        StrategyGate
	Retriever   Retriever
	Synthesizer Synthesizer
	Reviewer    SafetyReviewer
}

// NewDiagnosisService wires the service. All dependencies are required;
// zero-valued config fields fall back to the defaults.
func NewDiagnosisService(deps Deps, cfg DiagnosisConfig) *DiagnosisService {
	def := DefaultDiagnosisConfig()
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.ConvergenceCoverage <= 0 {
		cfg.ConvergenceCoverage = def.ConvergenceCoverage
	}
	if cfg.MatchScoreFloor <= 0 {
		cfg.MatchScoreFloor = def.MatchScoreFloor
	}
	if cfg.MatchScoreMinCases <= 0 {
		cfg.MatchScoreMinCases = def.MatchScoreMinCases
	}
	if cfg.LLMRetries <= 0 {
		cfg.LLMRetries = def.LLMRetries
	}
	if cfg.LLMRetryDelay <= 0 {
		cfg.LLMRetryDelay = def.LLMRetryDelay
	}
	return &DiagnosisService{
		limiter:     deps.Limiter,
		sanitizer:   deps.Sanitizer,
		validator:   deps.Validator,
		audit:       deps.Audit,
		sessions:    deps.Sessions,
		gate:        deps.Gate,
		retriever:   deps.Retriever,
		synthesizer: deps.Synthesizer,
		reviewer:    deps.Reviewer,
		cfg:         cfg,
	}
}

// =============================================================================
// Core Processing
// =============================================================================

// Process handles one diagnostic round.
//
// The flow is:
//  1. Ensure request defaults and validate
//  2. Admit through the rate limiter (released on return)
//  3. Sanitize the complaint; blocked input ends the round
//  4. Refuse suspicious sessions
//  5. Look up or create the session, accumulate the complaint
//  6. Stage 1 gate, adaptive retrieval, stage 3 synthesis
//  7. Convergence decision, stage 4 review, rendering, output validation
//  8. Record the round on the session
//
// Rejections return *PipelineRejection; transient external faults return
// *UpstreamError after bounded retries. The method is safe for concurrent
// use across sessions; rounds within one session are expected to arrive
// sequentially.
func (s *DiagnosisService) Process(ctx context.Context, callerID string, req *datatypes.DiagnoseRequest) (*datatypes.DiagnoseResponse, error) {
	ctx, span := diagnosisTracer.Start(ctx, "DiagnosisService.Process")
	defer span.End()
	started := time.Now()
	traceID := span.SpanContext().TraceID().String()
	if m := observability.DefaultMetrics; m != nil {
		m.RoundStarted()
		defer m.RoundEnded()
	}

	// Step 1: Defaults and validation.
	req.EnsureDefaults()
	span.SetAttributes(attribute.String("request.id", req.RequestID))
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		metricRejection(datatypes.CodeInvalidRequest)
		return nil, &PipelineRejection{
			Code:          datatypes.CodeInvalidRequest,
			Message:       "請求格式不正確。",
			CorrelationID: traceID,
		}
	}

	// Step 2: Admission.
	decision := s.limiter.Admit(callerID, req.SessionID)
	if !decision.Allowed {
		s.recordEvent(security.Event{
			Kind: security.EventRateLimited, CallerID: callerID,
			SessionID: req.SessionID, Detail: decision.Reason,
			Category: policy_engine.RiskUnboundedConsumption,
		})
		span.SetStatus(codes.Error, "rate limited")
		metricRejection(datatypes.CodeRateLimited)
		return nil, &PipelineRejection{
			Code:          datatypes.CodeRateLimited,
			Message:       "請求過於頻繁，請稍後再試。",
			CorrelationID: traceID,
			RetryAfter:    decision.RetryAfter,
		}
	}
	defer s.limiter.Release()

	// Step 3: Input sanitization. Rejected input counts as a violation
	// on the named session; the offending text never leaves this scope.
	clean := s.sanitizer.Sanitize(req.Question)
	if clean.Level.Rejected() {
		s.noteViolation(callerID, req.SessionID, security.EventInputBlocked,
			findingPatterns(clean.Findings), findingCategory(clean.Findings))
		span.SetStatus(codes.Error, "input blocked")
		metricRejection(datatypes.CodeInputBlocked)
		return nil, &PipelineRejection{
			Code:          datatypes.CodeInputBlocked,
			Message:       "輸入內容未通過安全檢查。",
			CorrelationID: traceID,
		}
	}
	if clean.Level.Violation() {
		s.noteViolation(callerID, req.SessionID, security.EventInputSuspicious,
			findingPatterns(clean.Findings), findingCategory(clean.Findings))
	}

	// Step 4: Suspicious sessions are refused before any model work.
	if req.SessionID != "" && s.sessions.Suspicious(req.SessionID) {
		s.recordEvent(security.Event{
			Kind: security.EventSessionSuspended, CallerID: callerID,
			SessionID: req.SessionID,
			Category:  policy_engine.RiskPromptInjection,
		})
		span.SetStatus(codes.Error, "session suspended")
		metricRejection(datatypes.CodeSessionSuspended)
		return nil, &PipelineRejection{
			Code:          datatypes.CodeSessionSuspended,
			Message:       "此對話已因安全因素停用，請開啟新的對話。",
			CorrelationID: traceID,
		}
	}

	// Step 5: Session lookup. Continuation rounds fold the new complaint
	// into the accumulated input so retrieval sees the whole picture.
	sess, created := s.sessions.GetOrCreate(req.SessionID, clean.Text)
	sessionID := sess.SessionID
	round := sess.RoundCount + 1
	accumulated := clean.Text
	if !created {
		if acc, ok := s.sessions.Accumulate(sessionID, clean.Text); ok {
			accumulated = acc
		}
	}
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("session.round", round),
	)
	slog.Info("Processing diagnostic round",
		"requestId", req.RequestID,
		"sessionId", sessionID,
		"round", round,
		"continue", req.Continue,
	)

	// Step 6: Strategy gate over the accumulated complaint plus a short
	// summary of the dialog so far.
	stageStart := time.Now()
	var gateDecision *datatypes.Stage1Decision
	err := s.withRetry(ctx, span, "gate", func() error {
		var gerr error
		gateDecision, gerr = s.gate.Decide(ctx, accumulated, historySummary(sess, created))
		return gerr
	})
	if err != nil {
		metricRound(observability.OutcomeFailed)
		return nil, &UpstreamError{Stage: "gate", Retryable: true, Err: err}
	}
	metricStage("gate", stageStart)
	if gateDecision.Status == datatypes.GateReject {
		span.SetStatus(codes.Error, "strategy rejected")
		span.SetAttributes(attribute.String("gate.reason", gateDecision.Reason))
		metricRejection(datatypes.CodeStrategyRejected)
		return nil, &PipelineRejection{
			Code:          datatypes.CodeStrategyRejected,
			Message:       "此問題不在本服務的診斷範圍內。",
			CorrelationID: traceID,
		}
	}

	// Step 7: Adaptive retrieval over the accumulated complaint. The
	// enriched restatement, when present, is the better query.
	query := accumulated
	if gateDecision.EnrichedQuery != "" && round == 1 {
		query = gateDecision.EnrichedQuery
	}
	stageStart = time.Now()
	candidates, retrievalMeta, err := s.retriever.Retrieve(ctx, query, gateDecision.Strategy)
	if err != nil {
		metricRound(observability.OutcomeFailed)
		var nre *retrieval.NoResultsError
		if errors.As(err, &nre) {
			return nil, &UpstreamError{Stage: "retrieval", Retryable: false, Err: err}
		}
		return nil, &UpstreamError{Stage: "retrieval", Retryable: true, Err: err}
	}
	metricStage("retrieval", stageStart)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRetrieval(retrievalMeta.QualityScore, retrievalMeta.FallbackReason)
	}

	// Step 8: Synthesis. Prior rounds travel as context, not as query.
	prior := ""
	if !created {
		prior = sess.AccumulatedInput
	}
	stageStart = time.Now()
	var synthesis *datatypes.SynthesisResult
	err = s.withRetry(ctx, span, "synthesis", func() error {
		var serr error
		synthesis, serr = s.synthesizer.Synthesize(ctx, clean.Text, prior, candidates)
		return serr
	})
	if err != nil {
		metricRound(observability.OutcomeFailed)
		return nil, &UpstreamError{Stage: "synthesis", Retryable: true, Err: err}
	}
	metricStage("synthesis", stageStart)

	// Step 9: Convergence.
	converged := s.isConverged(synthesis, retrievalMeta)
	forced := false
	if !converged && round >= s.cfg.MaxRounds {
		converged = true
		forced = true
	}

	// Step 10: Safety review.
	stageStart = time.Now()
	review := s.reviewer.Review(ctx, synthesis, forced)
	metricStage("review", stageStart)
	if review.Status == datatypes.ReviewRejected {
		s.noteViolation(callerID, sessionID, security.EventReviewRejected,
			review.Violations, policy_engine.RiskDangerousAdvice)
		span.SetStatus(codes.Error, "review rejected")
		metricRejection(datatypes.CodeReviewRejected)
		return nil, &PipelineRejection{
			Code:          datatypes.CodeReviewRejected,
			Message:       "產生的內容未通過安全審核，請換個方式描述。",
			CorrelationID: traceID,
		}
	}

	// Step 11: Rendering and the final output screen.
	stageStart = time.Now()
	dialog := pipeline.RenderDialog(review.Safe, review.Disclaimer)
	validated := s.validator.Validate(dialog)
	metricStage("presentation", stageStart)
	if validated.Replaced {
		s.recordEvent(security.Event{
			Kind: security.EventOutputReplaced, CallerID: callerID,
			SessionID: sessionID, Patterns: findingPatterns(validated.Findings),
			Category: findingCategory(validated.Findings),
		})
	}

	// Step 12: Record the round. Only successful rounds advance the
	// dialog; everything above returned before touching history.
	s.sessions.RecordRound(sessionID, datatypes.RoundSummary{
		Question:  clean.Text,
		Pattern:   review.Safe.Pattern,
		Coverage:  synthesis.Coverage,
		Converged: converged,
	})
	if review.Safe.AnchorCaseID != "" {
		s.sessions.SetAnchor(sessionID, review.Safe.AnchorCaseID)
	}
	current, _ := s.sessions.Get(sessionID)

	resp := &datatypes.DiagnoseResponse{
		RequestID:         req.RequestID,
		Timestamp:         time.Now().UnixMilli(),
		SessionID:         sessionID,
		Round:             current.RoundCount,
		Dialog:            validated.Text,
		Converged:         converged,
		ContinueAvailable: !converged && current.RoundCount < s.cfg.MaxRounds,
		Strategy:          gateDecision,
		Retrieval:         &retrievalMeta,
		Diagnosis:         review.Safe,
		ProcessingTimeMs:  time.Since(started).Milliseconds(),
		TraceID:           traceID,
		SessionInfo:       current.Info(),
	}
	resp.EnsureDefaults()

	switch {
	case forced:
		metricRound(observability.OutcomeForced)
	case converged:
		metricRound(observability.OutcomeConverged)
	default:
		metricRound(observability.OutcomeContinued)
	}
	if converged {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordConvergence(current.RoundCount)
		}
	}

	span.SetAttributes(
		attribute.Bool("round.converged", converged),
		attribute.Bool("round.forced", forced),
		attribute.String("round.pattern", review.Safe.Pattern),
		attribute.Int64("round.duration_ms", resp.ProcessingTimeMs),
	)
	return resp, nil
}

// isConverged applies the two convergence rules: high symptom coverage on
// its own, or a strong composite match backed by enough evidence.
func (s *DiagnosisService) isConverged(synthesis *datatypes.SynthesisResult, meta datatypes.RetrievalMetadata) bool {
	if synthesis.Pattern == pipeline.UndeterminedPattern {
		return false
	}
	if synthesis.Coverage >= s.cfg.ConvergenceCoverage {
		return true
	}
	// Composite match on a 0-10 scale: coverage carries half the weight,
	// model confidence and retrieval quality split the rest.
	score := (synthesis.Coverage*0.5 + synthesis.Confidence*0.3 + meta.QualityScore*0.2) * 10
	return score >= s.cfg.MatchScoreFloor && meta.CandidateCount >= s.cfg.MatchScoreMinCases
}

// withRetry runs fn with bounded exponential backoff for transient model
// faults. Context cancellation stops the retries immediately.
func (s *DiagnosisService) withRetry(ctx context.Context, span trace.Span, stage string, fn func() error) error {
	delay := s.cfg.LLMRetryDelay
	var lastErr error
	for attempt := 0; attempt <= s.cfg.LLMRetries; attempt++ {
		if attempt > 0 {
			span.AddEvent("retry_attempt", trace.WithAttributes(
				attribute.String("stage", stage),
				attribute.Int("attempt", attempt),
			))
			slog.Info("Retrying pipeline stage",
				"stage", stage, "attempt", attempt, "delay", delay, "lastError", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err := fn(); err != nil {
			lastErr = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%s failed after %d attempts: %w", stage, s.cfg.LLMRetries+1, lastErr)
}

// historySummary condenses the dialog so far for the gate's prompt. Empty
// on round one.
func historySummary(sess datatypes.Session, created bool) string {
	if created || sess.RoundCount == 0 {
		return ""
	}
	summary := fmt.Sprintf("已進行%d輪", sess.RoundCount)
	if sess.LastPattern != "" {
		summary += "，最近證型：" + sess.LastPattern
	}
	if n := len(sess.CoverageHistory); n > 0 {
		summary += fmt.Sprintf("，覆蓋率：%.2f", sess.CoverageHistory[n-1])
	}
	return summary
}

// noteViolation bumps the session's violation count and writes the audit
// event. A session that crosses the threshold is suspended from the next
// round on; the offending input itself is never stored.
func (s *DiagnosisService) noteViolation(callerID, sessionID, kind string, patterns []string, category policy_engine.RiskCategory) {
	detail := ""
	if sessionID != "" {
		if flags, ok := s.sessions.RecordViolation(sessionID); ok && flags.Suspicious {
			detail = "session crossed the violation threshold"
			s.recordEvent(security.Event{
				Kind: security.EventSessionSuspended, CallerID: callerID,
				SessionID: sessionID, Category: category,
			})
		}
	}
	s.recordEvent(security.Event{
		Kind: kind, CallerID: callerID, SessionID: sessionID,
		Patterns: patterns, Detail: detail, Category: category,
	})
}

// findingPatterns reduces scan findings to their pattern ids; matched
// content stays out of the audit trail.
func findingPatterns(findings []policy_engine.ScanFinding) []string {
	seen := make(map[string]bool, len(findings))
	var out []string
	for _, f := range findings {
		if !seen[f.PatternId] {
			seen[f.PatternId] = true
			out = append(out, f.PatternId)
		}
	}
	return out
}

// findingCategory picks the risk category of the highest-priority finding;
// scans return findings in priority order, so the first one decides.
func findingCategory(findings []policy_engine.ScanFinding) policy_engine.RiskCategory {
	if len(findings) == 0 {
		return ""
	}
	return findings[0].Category
}

// recordEvent writes to the audit store, logging rather than failing when
// the store is unavailable. Auditing never blocks a round.
func (s *DiagnosisService) recordEvent(ev security.Event) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordSecurityEvent(ev.Kind)
	}
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ev); err != nil {
		slog.Error("Failed to record security event", "kind", ev.Kind, "error", err)
	}
}

// Prometheus wiring is nil-safe: tests and tools run without InitMetrics.

func metricRejection(code string) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRejection(code)
	}
}

func metricRound(outcome observability.Outcome) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRound(outcome)
	}
}

func metricStage(stage string, start time.Time) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordStageDuration(stage, time.Since(start).Seconds())
	}
}

// =============================================================================
// Admin Surface
// =============================================================================

// ResetSession clears one session. Returns false for unknown ids.
func (s *DiagnosisService) ResetSession(id string) bool {
	return s.sessions.Reset(id)
}

// ResetAllSessions clears the whole session table and returns the count.
func (s *DiagnosisService) ResetAllSessions() int {
	return s.sessions.ResetAll()
}

// Stats reports the security and session counters for the stats endpoint.
func (s *DiagnosisService) Stats() map[string]interface{} {
	limiter := s.limiter.Stats()
	sessions := s.sessions.Statistics()
	return map[string]interface{}{
		"limiter":  limiter,
		"sessions": sessions,
	}
}

// SecurityEvents lists recent audit events, newest first.
func (s *DiagnosisService) SecurityEvents(limit int) ([]security.Event, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.List(limit)
}
