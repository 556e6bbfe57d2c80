// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
	"github.com/AleutianAI/MeridianFOSS/services/policy_engine"
)

// =============================================================================
// Configuration
// =============================================================================

// DefaultDisclaimer closes every approved or modified response.
const DefaultDisclaimer = "以上內容僅供參考，不構成醫療診斷或處方。如有不適，請諮詢合格中醫師或就醫。"

// StrongDisclaimer replaces the default when the dialog ends by round
// ceiling rather than by confident convergence.
const StrongDisclaimer = "本次分析在資訊仍不完整的情況下結束，結論僅屬初步推測，參考價值有限。請務必諮詢合格中醫師進行面診，切勿依此自行用藥。"

// reviewRedaction replaces unsafe spans in modified output.
const reviewRedaction = "〔已依安全規範移除〕"

// ReviewConfig holds the reviewer thresholds and disclaimer texts.
type ReviewConfig struct {
	// RejectDistinctHigh is the number of distinct high-confidence unsafe
	// claim kinds at which the result is unsalvageable by redaction.
	RejectDistinctHigh int

	// MaxFieldRunes bounds each text field of the safe result. Overlong
	// fields are cut down, which downgrades the result to modified.
	MaxFieldRunes int

	Disclaimer       string
	StrongDisclaimer string
}

// DefaultReviewConfig returns the production reviewer settings.
func DefaultReviewConfig() ReviewConfig {
	return ReviewConfig{
		RejectDistinctHigh: 2,
		MaxFieldRunes:      2000,
		Disclaimer:         DefaultDisclaimer,
		StrongDisclaimer:   StrongDisclaimer,
	}
}

// Synthetic violation ids for structural review failures.
const (
	violationPolarityConflict = "POLARITY_CONFLICT"
	violationMissingField     = "MISSING_FIELD"
	violationLengthBound      = "OUTPUT_LENGTH_BOUND"
)

// Polarity markers for the self-consistency check. A pattern label naming
// both a cold and a heat nature must carry a mixed qualifier to be coherent.
var (
	coldMarkers     = []string{"寒", "陽虛"}
	heatMarkers     = []string{"熱", "火"}
	mixedQualifiers = []string{"錯雜", "夾雜", "兼", "真寒假熱", "真熱假寒"}
)

// =============================================================================
// Safety Reviewer
// =============================================================================

// Reviewer is the fourth pipeline stage.
//
// # Description
//
// The reviewer screens a synthesis result for unsafe clinical claims and
// personal data before anything is rendered. Checks run in a fixed order:
// logical self-consistency of the pattern label, mandatory-field presence,
// unsafe-advice classification (each of those can reject), then PII and
// disclosure redaction, then the length bound and disclaimer. The reviewer
// never mutates its input; the safe copy lives in the returned result.
//
// Review is deterministic and local. It never errors: a result is
// approved, modified, or rejected.
type Reviewer struct {
	engine *policy_engine.PolicyEngine
	cfg    ReviewConfig
}

// NewReviewer builds the review stage. Zero-valued config fields fall back
// to the defaults.
func NewReviewer(engine *policy_engine.PolicyEngine, cfg ReviewConfig) *Reviewer {
	def := DefaultReviewConfig()
	if cfg.RejectDistinctHigh <= 0 {
		cfg.RejectDistinctHigh = def.RejectDistinctHigh
	}
	if cfg.MaxFieldRunes <= 0 {
		cfg.MaxFieldRunes = def.MaxFieldRunes
	}
	if cfg.Disclaimer == "" {
		cfg.Disclaimer = def.Disclaimer
	}
	if cfg.StrongDisclaimer == "" {
		cfg.StrongDisclaimer = def.StrongDisclaimer
	}
	return &Reviewer{engine: engine, cfg: cfg}
}

// Review runs stage 4. forcedConvergence marks a dialog ended by the round
// ceiling, which earns the stronger disclaimer.
func (r *Reviewer) Review(ctx context.Context, result *datatypes.SynthesisResult, forcedConvergence bool) *datatypes.ReviewResult {
	_, span := tracer.Start(ctx, "Reviewer.Review")
	defer span.End()

	out := &datatypes.ReviewResult{
		Status:     datatypes.ReviewApproved,
		Disclaimer: r.cfg.Disclaimer,
	}
	if forcedConvergence {
		out.Disclaimer = r.cfg.StrongDisclaimer
	}

	// 1. A pattern label asserting both a cold and a heat nature without a
	// mixed qualifier is internally contradictory and cannot be repaired
	// by redaction.
	if polarityConflict(result.Pattern) {
		out.Status = datatypes.ReviewRejected
		out.Violations = []string{violationPolarityConflict}
		slog.Warn("Synthesis rejected by safety review",
			"reason", "cold/heat polarity conflict", "pattern", result.Pattern)
		return out
	}

	// 2. A diagnosis without a pattern, analysis, or treatment principle is
	// not a diagnosis.
	if missing := missingMandatoryFields(result); len(missing) > 0 {
		out.Status = datatypes.ReviewRejected
		out.Violations = missing
		slog.Warn("Synthesis rejected by safety review", "missing_fields", missing)
		return out
	}

	combined := strings.Join([]string{
		result.Pattern, result.Analysis, result.Treatment, result.Reasoning,
	}, "\n")

	// 3. Unsafe clinical claims. Too many distinct high-confidence kinds
	// means redaction would gut the result; reject instead.
	findings := r.engine.ScanCategories(combined, policy_engine.RiskDangerousAdvice)
	highKinds := make(map[string]bool)
	for _, f := range findings {
		if f.Confidence == policy_engine.High {
			highKinds[f.PatternId] = true
		}
	}
	out.Violations = collectPatternIDs(findings)
	if len(highKinds) >= r.cfg.RejectDistinctHigh {
		out.Status = datatypes.ReviewRejected
		slog.Warn("Synthesis rejected by safety review",
			"violations", out.Violations, "high_kinds", len(highKinds))
		return out
	}

	safe := *result
	modified := false

	if len(findings) > 0 {
		modified = true
		r.redactAll(&safe, policy_engine.RiskDangerousAdvice, reviewRedaction)
	}

	// 4. Personal data and internal disclosure never leave the reviewer.
	for _, category := range []policy_engine.RiskCategory{
		policy_engine.RiskPIIExposure,
		policy_engine.RiskSensitiveDisclosure,
		policy_engine.RiskSystemPromptLeak,
	} {
		if hits := r.redactAll(&safe, category, reviewRedaction); len(hits) > 0 {
			modified = true
			out.Violations = append(out.Violations, hits...)
		}
	}

	// 5. Length bound on every outgoing text field.
	if r.truncateFields(&safe) {
		modified = true
		out.Violations = append(out.Violations, violationLengthBound)
	}

	if modified {
		out.Status = datatypes.ReviewModified
		sort.Strings(out.Violations)
		out.Violations = dedupeStrings(out.Violations)
	}
	out.Safe = &safe
	return out
}

// redactAll masks one category across every text field of the result,
// returning the union of fired pattern ids.
func (r *Reviewer) redactAll(result *datatypes.SynthesisResult, category policy_engine.RiskCategory, replacement string) []string {
	fired := make(map[string]bool)
	for _, field := range []*string{
		&result.Pattern, &result.Analysis, &result.Treatment, &result.Reasoning, &result.ConflictNote,
	} {
		masked, ids := r.engine.Mask(*field, category, replacement)
		*field = masked
		for _, id := range ids {
			fired[id] = true
		}
	}
	out := make([]string, 0, len(fired))
	for id := range fired {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// truncateFields cuts every text field down to the configured rune bound.
// Returns whether anything was cut.
func (r *Reviewer) truncateFields(result *datatypes.SynthesisResult) bool {
	cut := false
	for _, field := range []*string{
		&result.Pattern, &result.Analysis, &result.Treatment, &result.Reasoning, &result.ConflictNote,
	} {
		if runes := []rune(*field); len(runes) > r.cfg.MaxFieldRunes {
			*field = string(runes[:r.cfg.MaxFieldRunes])
			cut = true
		}
	}
	return cut
}

// polarityConflict reports whether a pattern label names both a cold and a
// heat nature without any mixed qualifier.
func polarityConflict(pattern string) bool {
	cold := containsAnyMarker(pattern, coldMarkers)
	heat := containsAnyMarker(pattern, heatMarkers)
	if !cold || !heat {
		return false
	}
	return !containsAnyMarker(pattern, mixedQualifiers)
}

// missingMandatoryFields lists the required result fields that are blank.
func missingMandatoryFields(result *datatypes.SynthesisResult) []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"證型判斷", result.Pattern},
		{"病機分析", result.Analysis},
		{"治則建議", result.Treatment},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, violationMissingField+":"+f.name)
		}
	}
	return missing
}

func containsAnyMarker(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func collectPatternIDs(findings []policy_engine.ScanFinding) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range findings {
		if !seen[f.PatternId] {
			seen[f.PatternId] = true
			out = append(out, f.PatternId)
		}
	}
	sort.Strings(out)
	return out
}

func dedupeStrings(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
