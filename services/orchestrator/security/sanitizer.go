// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package security

import (
	"strings"
	"unicode"

	"github.com/AleutianAI/MeridianFOSS/services/policy_engine"
)

// =============================================================================
// Threat Levels
// =============================================================================

// ThreatLevel grades a screened input. Levels short-circuit in severity
// order: a blocked input is never additionally graded.
type ThreatLevel string

const (
	// ThreatSafe inputs proceed unmodified beyond masking.
	ThreatSafe ThreatLevel = "safe"
	// ThreatSuspicious inputs proceed but count as a session violation.
	ThreatSuspicious ThreatLevel = "suspicious"
	// ThreatDangerous inputs are refused and count as a violation.
	ThreatDangerous ThreatLevel = "dangerous"
	// ThreatBlocked inputs are refused outright; the text is discarded.
	ThreatBlocked ThreatLevel = "blocked"
)

// Rejected reports whether the level refuses the round.
func (l ThreatLevel) Rejected() bool {
	return l == ThreatDangerous || l == ThreatBlocked
}

// Violation reports whether the level counts against the session.
func (l ThreatLevel) Violation() bool {
	return l != ThreatSafe
}

// =============================================================================
// Sanitizer
// =============================================================================

// MaxComplaintRunes is the post-normalization cap on complaint length.
// Longer inputs are refused outright.
const MaxComplaintRunes = 1000

// observationSnippetRunes bounds the short-observation carve-out: a follow-up
// this short that names a clinical sign is answering a practitioner question,
// not opening a new topic, so the domain screen does not apply to it.
const observationSnippetRunes = 10

// piiMask is the literal substituted for masked personal data. It must not
// match any screening pattern so a second pass leaves it alone.
const piiMask = "[MASKED]"

// SanitizeResult is the sanitizer's full verdict on one input.
//
// Text is the cleaned complaint the pipeline may use; it is empty when the
// level refuses the round. MaskedFields lists the id of every personal-data
// pattern that was masked, one entry per pattern class.
type SanitizeResult struct {
	Text         string                      `json:"text"`
	Level        ThreatLevel                 `json:"level"`
	MaskedFields []string                    `json:"masked_fields,omitempty"`
	Findings     []policy_engine.ScanFinding `json:"findings,omitempty"`
}

// Sanitizer normalizes, screens, and masks patient complaints.
//
// # Description
//
// Sanitize runs a fixed sequence: control-character stripping and whitespace
// normalization, the length bound, threat screening against the policy
// engine, domain and plausibility checks, then personal-data masking. The
// sequence is deterministic and idempotent: feeding a result's Text back
// through Sanitize returns it unchanged.
//
// The sanitizer is pure with respect to its inputs. It holds no per-request
// state and is safe for concurrent use.
type Sanitizer struct {
	engine *policy_engine.PolicyEngine
	cap    int
}

// NewSanitizer builds a sanitizer over the given policy engine. maxRunes
// falls back to MaxComplaintRunes when non-positive.
func NewSanitizer(engine *policy_engine.PolicyEngine, maxRunes int) *Sanitizer {
	if maxRunes <= 0 {
		maxRunes = MaxComplaintRunes
	}
	return &Sanitizer{engine: engine, cap: maxRunes}
}

// Sanitize screens one raw complaint.
func (s *Sanitizer) Sanitize(input string) SanitizeResult {
	text := normalize(input)

	// Screening order matters: the length bound comes first so oversized
	// inputs never reach the pattern scans, and injection and extraction
	// attempts block the round before anything else is considered.
	runeCount := len([]rune(text))
	if runeCount > s.cap {
		return SanitizeResult{Level: ThreatBlocked, Findings: []policy_engine.ScanFinding{{
			ClassificationName: "resource_flood",
			Category:           policy_engine.RiskUnboundedConsumption,
			PatternId:          "INPUT_LENGTH_CAP",
			PatternDescription: "complaint exceeds the rune cap",
			Confidence:         policy_engine.High,
		}}}
	}

	injection := s.engine.ScanCategories(text,
		policy_engine.RiskPromptInjection, policy_engine.RiskSystemPromptLeak)
	if len(injection) > 0 {
		return SanitizeResult{Level: ThreatBlocked, Findings: injection}
	}

	offTopic := s.engine.ScanCategories(text,
		policy_engine.RiskOutOfDomain, policy_engine.RiskUnboundedConsumption)
	if len(offTopic) > 0 && !isObservationSnippet(text, runeCount) {
		return SanitizeResult{Level: ThreatBlocked, Findings: offTopic}
	}

	if conflict := anatomyGenderConflict(text); conflict != "" {
		return SanitizeResult{Level: ThreatBlocked, Findings: []policy_engine.ScanFinding{{
			MatchedContent:     conflict,
			ClassificationName: "implausible_complaint",
			Category:           policy_engine.RiskOutOfDomain,
			PatternId:          "ANATOMY_GENDER_CONFLICT",
			PatternDescription: "stated gender contradicts the anatomy described",
			Confidence:         policy_engine.High,
		}}}
	}

	payloads := s.engine.ScanCategories(text, policy_engine.RiskInsecureOutput)
	if len(payloads) > 0 {
		return SanitizeResult{Level: ThreatDangerous, Findings: payloads}
	}

	level := ThreatSafe
	probes := s.engine.ScanCategories(text, policy_engine.RiskSensitiveDisclosure)
	if len(probes) > 0 {
		level = ThreatSuspicious
	}

	text, masked := s.engine.Mask(text, policy_engine.RiskPIIExposure, piiMask)

	return SanitizeResult{
		Text:         text,
		Level:        level,
		MaskedFields: masked,
		Findings:     probes,
	}
}

// observationMarkers are clinical signs a practitioner asks about between
// rounds. A very short answer naming one of these is kept even when the
// domain screen would otherwise object.
var observationMarkers = []string{
	"舌", "苔", "脈", "大便", "小便", "便祕", "便溏",
	"盜汗", "自汗", "畏寒", "唇色",
}

func isObservationSnippet(text string, runeCount int) bool {
	if runeCount > observationSnippetRunes {
		return false
	}
	for _, marker := range observationMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// Gendered terms and sex-specific anatomy for the plausibility check. The
// anatomy lists hold only organs and processes exclusive to one sex.
var (
	maleMarkers       = []string{"我是男", "男性", "男生", "先生", "男朋友"}
	femaleMarkers     = []string{"我是女", "女性", "女生", "小姐", "太太", "女朋友"}
	maleOnlyAnatomy   = []string{"陰莖", "睪丸", "前列腺", "攝護腺", "包皮", "射精"}
	femaleOnlyAnatomy = []string{"子宮", "陰道", "卵巢", "月經", "生理期", "經痛", "懷孕"}
)

// anatomyGenderConflict reports the first anatomy term that contradicts the
// gender the complaint states, or "" when the complaint is plausible. Terms
// describing another person (家母, 太太 as a relation) are rare in a
// first-person intake and accepted as a false-negative trade-off.
func anatomyGenderConflict(text string) string {
	if containsAny(text, maleMarkers) {
		for _, organ := range femaleOnlyAnatomy {
			if strings.Contains(text, organ) {
				return organ
			}
		}
	}
	if containsAny(text, femaleMarkers) {
		for _, organ := range maleOnlyAnatomy {
			if strings.Contains(text, organ) {
				return organ
			}
		}
	}
	return ""
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// normalize strips control characters and collapses runs of whitespace into
// single spaces. Newlines survive as spaces; the pipeline never needs the
// original line structure of a complaint.
func normalize(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	space := false
	for _, r := range input {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsControl(r), r == unicode.ReplacementChar:
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
