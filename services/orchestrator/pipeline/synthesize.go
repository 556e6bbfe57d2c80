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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/MeridianFOSS/services/llm"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/jsonrepair"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/terminology"
)

// UndeterminedPattern is the label used when no pattern can be named.
// The field is never left empty: downstream formatting and convergence
// checks key off it.
const UndeterminedPattern = "undetermined"

const synthesisPrompt = `你是中醫辨證助手。根據主訴與檢索到的參考資料，完成辨證分析。

主訴：%s
%s
參考資料（依相關度排序）：
%s

規則：
- 以參考資料為依據，首要參考錨定案例（第一筆）。
- 資料不足以判定時，證型輸出 "undetermined"。
- coverage 表示主訴症狀被分析覆蓋的比例。

僅輸出 JSON：
{"pattern": "證型", "analysis": "病機分析", "treatment": "治則建議", "reasoning": "辨證推理", "confidence": 0到1, "coverage": 0到1}`

// maxEvidenceBlocks bounds how many candidates reach the prompt. The
// retrieval limit is usually higher; the tail adds tokens, not signal.
const maxEvidenceBlocks = 6

// placeholderAnchorID marks a round that ran without a single retrieved
// case. The synthesis proceeds on the complaint and general principles.
const placeholderAnchorID = "no-case"

const (
	// toolBudget bounds all evidence tools of one round together.
	toolBudget = 10 * time.Second

	// completenessFloor is the field-completeness score below which the
	// pulse evidence tool runs.
	completenessFloor = 0.6

	// validationConfidence is the confidence below which the syndrome
	// cross-check tool runs.
	validationConfidence = 0.5

	// minPatternRunes is the shortest pattern label considered specific
	// enough to skip the standardization tool.
	minPatternRunes = 3
)

// Synthesizer is the third pipeline stage.
//
// # Description
//
// Given the sanitized complaint and the retrieval candidates, the
// synthesizer anchors on the top case, renders an evidence block, and asks
// the model for a structured differentiation. Model output goes through
// repair-parse; anything unrecoverable degrades field by field rather than
// failing the round. The pattern field is never empty.
//
// # Limitations
//
// Conflict detection compares the pattern property of case-bearing
// candidates only; it cannot see disagreement expressed in free text.
type Synthesizer struct {
	llm   llm.LLMClient
	terms *terminology.Store
}

// NewSynthesizer builds the synthesis stage.
func NewSynthesizer(client llm.LLMClient, terms *terminology.Store) *Synthesizer {
	return &Synthesizer{llm: client, terms: terms}
}

// Synthesize runs stage 3. priorContext carries the accumulated input from
// earlier rounds of the session and may be empty on round one.
func (s *Synthesizer) Synthesize(ctx context.Context, complaint, priorContext string, candidates []datatypes.Candidate) (*datatypes.SynthesisResult, error) {
	ctx, span := tracer.Start(ctx, "Synthesizer.Synthesize")
	defer span.End()

	if len(candidates) == 0 {
		// A round without a single retrieved case still produces an
		// answer: anchor on a placeholder and reason from the complaint.
		candidates = []datatypes.Candidate{{
			ID:      placeholderAnchorID,
			Index:   "Case",
			Summary: "無相符案例，僅依主訴與一般辨證原則分析。",
		}}
	}

	anchor := candidates[0]
	result := &datatypes.SynthesisResult{
		Pattern:      UndeterminedPattern,
		AnchorCaseID: anchor.ID,
		ConflictNote: detectConflict(candidates),
	}

	prior := ""
	if priorContext != "" {
		prior = "前幾輪補充：" + priorContext + "\n"
	}

	start := time.Now()
	raw, err := s.llm.Generate(ctx,
		fmt.Sprintf(synthesisPrompt, complaint, prior, renderEvidence(candidates)),
		llm.GenerationParams{
			Temperature: llm.Float32Ptr(0.3),
			MaxTokens:   llm.IntPtr(1024),
		})
	if err != nil {
		return nil, fmt.Errorf("synthesis generation failed: %w", err)
	}
	span.SetAttributes(
		attribute.Int64("synthesis.generation_ms", time.Since(start).Milliseconds()),
		attribute.Int("synthesis.candidates", len(candidates)),
	)

	s.applyModelOutput(result, raw)
	if result.Pattern == UndeterminedPattern {
		// A refusal or empty label inherits the anchor's own pattern
		// before falling back to the sentinel.
		if p, ok := anchor.Properties["pattern"].(string); ok && strings.TrimSpace(p) != "" {
			result.Pattern = strings.TrimSpace(p)
		}
	}
	if result.Coverage == 0 {
		result.Coverage = s.heuristicCoverage(complaint, result)
	}
	result.Tools = s.invokeTools(ctx, complaint, result, candidates)
	return result, nil
}

// applyModelOutput fills the result from repaired model JSON, degrading to
// regex field extraction when the object cannot be recovered.
func (s *Synthesizer) applyModelOutput(result *datatypes.SynthesisResult, raw string) {
	obj, err := jsonrepair.ParseObject(raw)
	if err != nil {
		slog.Warn("Synthesis output resisted parsing, extracting fields", "error", err)
		fields := jsonrepair.ExtractStringFields(raw,
			"pattern", "analysis", "treatment", "reasoning")
		if v := strings.TrimSpace(fields["pattern"]); v != "" {
			result.Pattern = v
		}
		result.Analysis = fields["analysis"]
		result.Treatment = fields["treatment"]
		result.Reasoning = fields["reasoning"]
		result.Confidence = 0.3 // parse failure is itself low confidence
		return
	}

	if !hasKnownField(obj) {
		// Valid JSON in some shape of the model's own choosing. Flatten it
		// into the analysis text instead of dropping the round.
		result.Analysis = FlattenPayload(obj)
		result.Confidence = 0.3
		return
	}

	if v, ok := obj["pattern"].(string); ok && strings.TrimSpace(v) != "" {
		result.Pattern = strings.TrimSpace(v)
	}
	if v, ok := obj["analysis"].(string); ok {
		result.Analysis = v
	}
	if v, ok := obj["treatment"].(string); ok {
		result.Treatment = v
	}
	if v, ok := obj["reasoning"].(string); ok {
		result.Reasoning = v
	}
	if v, ok := obj["confidence"].(float64); ok {
		result.Confidence = clamp01(v)
	}
	if v, ok := obj["coverage"].(float64); ok {
		result.Coverage = clamp01(v)
	}
}

// hasKnownField reports whether the decoded object carries at least one of
// the structured answer fields.
func hasKnownField(obj map[string]interface{}) bool {
	for _, key := range []string{"pattern", "analysis", "treatment", "reasoning", "confidence", "coverage"} {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

// heuristicCoverage estimates how much of the complaint the analysis
// addresses when the model did not report coverage: the fraction of
// recognized complaint terms that reappear in the analysis text.
func (s *Synthesizer) heuristicCoverage(complaint string, result *datatypes.SynthesisResult) float64 {
	terms := s.terms.Recognize(complaint)
	if len(terms) == 0 {
		return 0.5 // nothing measurable either way
	}
	body := result.Analysis + result.Reasoning + result.Pattern
	covered := 0
	for _, term := range terms {
		if strings.Contains(body, term) {
			covered++
		}
	}
	return float64(covered) / float64(len(terms))
}

// invokeTools runs the evidence tools whose triggers fired on this round.
// The triggers are independent: a weakly filled answer pulls in pulse
// evidence, a low-confidence one is cross-checked against the syndrome
// labels of the retrieved cases, and a short or sentinel label goes through
// vocabulary standardization. All tools share one deadline; a failing tool
// is recorded and skipped, never fatal.
func (s *Synthesizer) invokeTools(ctx context.Context, complaint string, result *datatypes.SynthesisResult, candidates []datatypes.Candidate) []datatypes.ToolInvocation {
	ctx, cancel := context.WithTimeout(ctx, toolBudget)
	defer cancel()

	type trigger struct {
		name string
		fn   func() (string, error)
	}
	var triggered []trigger

	if fieldCompleteness(result, candidates[0].Score) < completenessFloor {
		triggered = append(triggered, trigger{"pulse_lookup", func() (string, error) {
			return s.pulseLookup(complaint, candidates)
		}})
	}
	if result.Confidence < validationConfidence {
		triggered = append(triggered, trigger{"syndrome_lookup", func() (string, error) {
			return s.syndromeLookup(result, candidates)
		}})
	}
	if len([]rune(result.Pattern)) < minPatternRunes || result.Pattern == UndeterminedPattern {
		triggered = append(triggered, trigger{"term_standardization", func() (string, error) {
			return s.standardizeLabel(result)
		}})
	}
	if len(triggered) == 0 {
		return nil
	}

	out := make([]datatypes.ToolInvocation, 0, len(triggered))
	for _, tr := range triggered {
		if err := ctx.Err(); err != nil {
			out = append(out, datatypes.ToolInvocation{
				Tool: tr.name, Status: "timeout", Note: err.Error(),
			})
			continue
		}
		out = append(out, runTool(tr.name, tr.fn))
	}
	return out
}

// runTool isolates one tool call: its error becomes a recorded failure.
func runTool(name string, fn func() (string, error)) datatypes.ToolInvocation {
	start := time.Now()
	inv := datatypes.ToolInvocation{Tool: name}
	note, err := fn()
	inv.DurationMs = time.Since(start).Milliseconds()
	switch {
	case err != nil:
		inv.Status = "failed"
		inv.Note = err.Error()
		slog.Warn("Synthesis tool failed", "tool", name, "error", err)
	case note == "":
		inv.Status = "no_match"
	default:
		inv.Status = "completed"
		inv.Note = note
	}
	return inv
}

// fieldCompleteness scores presence and substance of the required answer
// fields, discounted when the anchor itself scored poorly.
func fieldCompleteness(result *datatypes.SynthesisResult, anchorScore float64) float64 {
	score := 0.0
	if result.Pattern != UndeterminedPattern && len([]rune(result.Pattern)) >= minPatternRunes {
		score += 0.4
	}
	if len([]rune(result.Analysis)) >= 8 {
		score += 0.3
	}
	if len([]rune(result.Treatment)) >= 4 {
		score += 0.3
	}
	if anchorScore < 0.3 {
		score *= 0.8
	}
	return score
}

// pulseLookup matches pulse qualities named in the complaint against the
// pulse-reference candidates; it annotates rather than gates.
func (s *Synthesizer) pulseLookup(complaint string, candidates []datatypes.Candidate) (string, error) {
	var pulseTerms []string
	for _, term := range s.terms.Recognize(complaint) {
		if strings.HasSuffix(term, "脈") {
			pulseTerms = append(pulseTerms, term)
		}
	}
	if len(pulseTerms) == 0 {
		return "", nil
	}

	matched := 0
	for _, c := range candidates {
		if c.Index != "PulsePJ" {
			continue
		}
		for _, term := range pulseTerms {
			if strings.Contains(c.Summary, term) {
				matched++
				break
			}
		}
	}
	if matched == 0 {
		return "", nil
	}
	return fmt.Sprintf("%d pulse reference(s) matched %s", matched, strings.Join(pulseTerms, "、")), nil
}

// syndromeLookup cross-checks the answer's label against the labels the
// retrieved cases carry. A clear majority that disagrees with the answer
// earns an explicit conflict note.
func (s *Synthesizer) syndromeLookup(result *datatypes.SynthesisResult, candidates []datatypes.Candidate) (string, error) {
	counts := make(map[string]int)
	best, bestCount := "", 0
	for _, c := range candidates {
		p, ok := c.Properties["pattern"].(string)
		if !ok || strings.TrimSpace(p) == "" {
			continue
		}
		p = strings.TrimSpace(p)
		counts[p]++
		if counts[p] > bestCount {
			best, bestCount = p, counts[p]
		}
	}
	if best == "" {
		return "", nil
	}
	if result.Pattern == UndeterminedPattern || result.Pattern == best ||
		strings.Contains(best, result.Pattern) || strings.Contains(result.Pattern, best) {
		return fmt.Sprintf("案例證型支持 %s", best), nil
	}
	note := fmt.Sprintf("案例多數證型為 %s，與判斷 %s 不一致。", best, result.Pattern)
	if result.ConflictNote == "" {
		result.ConflictNote = note
	} else {
		result.ConflictNote += " " + note
	}
	return note, nil
}

// standardizeLabel rewrites the pattern label through the controlled
// vocabulary so colloquial labels converge on canonical terms.
func (s *Synthesizer) standardizeLabel(result *datatypes.SynthesisResult) (string, error) {
	if result.Pattern == UndeterminedPattern {
		return "", nil
	}
	canonical := s.terms.Normalize(result.Pattern)
	if canonical == "" || canonical == result.Pattern {
		return "", nil
	}
	note := fmt.Sprintf("%s → %s", result.Pattern, canonical)
	result.Pattern = canonical
	return note, nil
}

// renderEvidence formats candidates into the prompt's evidence block. The
// first entry is the anchor.
func renderEvidence(candidates []datatypes.Candidate) string {
	n := len(candidates)
	if n > maxEvidenceBlocks {
		n = maxEvidenceBlocks
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		c := candidates[i]
		label := "參考"
		if i == 0 {
			label = "錨定案例"
		}
		fmt.Fprintf(&b, "%d. [%s|%s] %s\n", i+1, label, c.Index, strings.TrimSpace(c.Summary))
		if p, ok := c.Properties["pattern"].(string); ok && p != "" {
			fmt.Fprintf(&b, "   證型：%s\n", p)
		}
		if t, ok := c.Properties["treatment"].(string); ok && t != "" {
			fmt.Fprintf(&b, "   治法：%s\n", t)
		}
	}
	return b.String()
}

// detectConflict reports when high-ranked cases disagree on the pattern.
// Only candidates that carry a pattern property participate.
func detectConflict(candidates []datatypes.Candidate) string {
	n := len(candidates)
	if n > maxEvidenceBlocks {
		n = maxEvidenceBlocks
	}
	seen := make(map[string]bool)
	var distinct []string
	for _, c := range candidates[:n] {
		p, ok := c.Properties["pattern"].(string)
		if !ok || strings.TrimSpace(p) == "" {
			continue
		}
		p = strings.TrimSpace(p)
		if !seen[p] {
			seen[p] = true
			distinct = append(distinct, p)
		}
	}
	if len(distinct) <= 1 {
		return ""
	}
	return fmt.Sprintf("參考案例證型不一致（%s），判斷以錨定案例為主。", strings.Join(distinct, "、"))
}
