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
	"github.com/AleutianAI/MeridianFOSS/services/policy_engine"
)

// MaxDialogRunes caps the rendered dialog returned to clients.
const MaxDialogRunes = 3000

// cannedLeakResponse replaces any output that would disclose internals.
// Deliberately generic: the replacement must not hint at what was caught.
const cannedLeakResponse = "很抱歉，本次回覆無法提供。請重新描述您的症狀，我們會再次進行辨證分析。"

// ValidationResult is the output validator's verdict on rendered text.
type ValidationResult struct {
	Text      string                      `json:"text"`
	Replaced  bool                        `json:"replaced"`
	Truncated bool                        `json:"truncated"`
	Findings  []policy_engine.ScanFinding `json:"findings,omitempty"`
}

// OutputValidator is the last gate before a dialog leaves the service.
//
// # Description
//
// The synthesizer and reviewer already shape the clinical content; this
// layer only defends the boundary. Output that matches disclosure,
// prompt-leak, or executable-payload patterns is replaced wholesale with a
// canned response rather than edited, so partial leaks cannot survive a
// clever encoding. Clean output is truncated to MaxDialogRunes.
//
// Personal data that slipped into the output (echoed from retrieval, for
// instance) is masked the same way the input sanitizer masks it.
type OutputValidator struct {
	engine *policy_engine.PolicyEngine
	cap    int
}

// NewOutputValidator builds a validator over the given policy engine.
// maxRunes falls back to MaxDialogRunes when non-positive.
func NewOutputValidator(engine *policy_engine.PolicyEngine, maxRunes int) *OutputValidator {
	if maxRunes <= 0 {
		maxRunes = MaxDialogRunes
	}
	return &OutputValidator{engine: engine, cap: maxRunes}
}

// Validate screens one rendered dialog.
func (v *OutputValidator) Validate(text string) ValidationResult {
	leaks := v.engine.ScanCategories(text,
		policy_engine.RiskSensitiveDisclosure,
		policy_engine.RiskSystemPromptLeak,
		policy_engine.RiskInsecureOutput)
	if len(leaks) > 0 {
		return ValidationResult{
			Text:     cannedLeakResponse,
			Replaced: true,
			Findings: leaks,
		}
	}

	text, _ = v.engine.Mask(text, policy_engine.RiskPIIExposure, piiMask)

	truncated := false
	if runes := []rune(text); len(runes) > v.cap {
		text = string(runes[:v.cap])
		truncated = true
	}

	return ValidationResult{Text: text, Truncated: truncated}
}
