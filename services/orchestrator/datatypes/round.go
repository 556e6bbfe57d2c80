// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Per-round stage outputs for the diagnostic pipeline. These types cross
// every stage boundary, so they stay plain data: no behavior beyond small
// constructors and accessors.
package datatypes

import "time"

// =============================================================================
// Stage 1: Strategy Gate
// =============================================================================

// GateStatus is the strategy gate's verdict on a sanitized complaint.
type GateStatus string

const (
	// GateProceed admits the complaint into retrieval.
	GateProceed GateStatus = "proceed"
	// GateReject refuses the round before any retrieval happens.
	GateReject GateStatus = "reject"
)

// RetrievalStrategy is the gate's plan for the retrieval stage.
//
// Alpha is the hybrid-search balance: 0 is pure keyword, 1 is pure vector.
// The gate proposes it; the retrieval engine may move it during fallback.
type RetrievalStrategy struct {
	Alpha   float64  `json:"alpha"`
	TopK    int      `json:"top_k"`
	Indexes []string `json:"indexes,omitempty"`
}

// Stage1Decision is the full output of the strategy gate.
//
// Confidence is always clamped to [0,1] before the decision leaves the gate,
// regardless of what the model produced. TerminologyDensity is the fraction
// of recognized clinical vocabulary in the complaint; EnrichedQuery is set
// only when density was low enough to trigger query enrichment.
type Stage1Decision struct {
	Status             GateStatus        `json:"status"`
	Confidence         float64           `json:"confidence"`
	Reason             string            `json:"reason,omitempty"`
	Strategy           RetrievalStrategy `json:"strategy"`
	TerminologyDensity float64           `json:"terminology_density"`
	EnrichedQuery      string            `json:"enriched_query,omitempty"`
}

// =============================================================================
// Stage 2: Adaptive Retrieval
// =============================================================================

// Candidate is one retrieved case, normalized across indexes.
type Candidate struct {
	ID         string                 `json:"id"`
	Index      string                 `json:"index"`
	Score      float64                `json:"score"`
	Summary    string                 `json:"summary,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// RetrievalMetadata records how the adaptive retrieval loop behaved, for
// response provenance and for the quality metrics.
//
// Attempts counts executed passes including the initial one; a round that
// succeeded first try reports 1. FallbackReason names the last strategy the
// loop switched to ("keyword_focus", "vector_focus", "expand", "rescue").
type RetrievalMetadata struct {
	InitialAlpha      float64 `json:"initial_alpha"`
	FinalAlpha        float64 `json:"final_alpha"`
	Attempts          int     `json:"attempts"`
	QualityScore      float64 `json:"quality_score"`
	FallbackTriggered bool    `json:"fallback_triggered"`
	FallbackReason    string  `json:"fallback_reason,omitempty"`
	CandidateCount    int     `json:"candidate_count"`
}

// =============================================================================
// Stage 3: Diagnosis Synthesis
// =============================================================================

// ToolInvocation records one auxiliary tool call made during synthesis.
type ToolInvocation struct {
	Tool       string `json:"tool"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Note       string `json:"note,omitempty"`
}

// SynthesisResult is the structured diagnosis produced by stage 3.
//
// # Fields
//
//   - Pattern: the syndrome differentiation (證型). Never empty: the
//     synthesizer substitutes "undetermined" when the model returned none.
//   - Analysis: the pathomechanism analysis (病機).
//   - Treatment: the treatment principle (治則).
//   - Coverage: fraction of the accumulated complaint the diagnosis accounts
//     for, in [0,1]. Drives convergence.
//   - AnchorCaseID: the retrieved case the reasoning was anchored on.
//   - ConflictNote: set when the anchor cases disagreed on the pattern.
type SynthesisResult struct {
	Pattern      string           `json:"pattern"`
	Analysis     string           `json:"analysis"`
	Treatment    string           `json:"treatment"`
	Reasoning    string           `json:"reasoning,omitempty"`
	Confidence   float64          `json:"confidence"`
	Coverage     float64          `json:"coverage"`
	AnchorCaseID string           `json:"anchor_case_id,omitempty"`
	ConflictNote string           `json:"conflict_note,omitempty"`
	Tools        []ToolInvocation `json:"tools,omitempty"`
}

// =============================================================================
// Stage 4: Safety Review
// =============================================================================

// ReviewStatus is the safety reviewer's verdict on a synthesized diagnosis.
type ReviewStatus string

const (
	ReviewApproved ReviewStatus = "approved"
	ReviewModified ReviewStatus = "modified"
	ReviewRejected ReviewStatus = "rejected"
)

// ReviewResult carries the reviewed diagnosis out of stage 4.
//
// Safe is the payload downstream stages are allowed to see. It is a
// modified copy when the reviewer rewrote anything; it is nil when the
// review rejected the round. Violations names each check that fired.
type ReviewResult struct {
	Status     ReviewStatus     `json:"status"`
	Violations []string         `json:"violations,omitempty"`
	Disclaimer string           `json:"disclaimer"`
	Safe       *SynthesisResult `json:"safe,omitempty"`
}

// =============================================================================
// Round Aggregate
// =============================================================================

// RoundResult aggregates everything one pipeline round produced. The
// diagnosis service records it on the session and shapes the HTTP response
// from it.
type RoundResult struct {
	Round      int                `json:"round"`
	Gate       *Stage1Decision    `json:"gate,omitempty"`
	Retrieval  *RetrievalMetadata `json:"retrieval,omitempty"`
	Candidates []Candidate        `json:"candidates,omitempty"`
	Synthesis  *SynthesisResult   `json:"synthesis,omitempty"`
	Review     *ReviewResult      `json:"review,omitempty"`
	Dialog     string             `json:"dialog"`
	Converged  bool               `json:"converged"`
	StartedAt  time.Time          `json:"started_at"`
	DurationMs int64              `json:"duration_ms"`
}
