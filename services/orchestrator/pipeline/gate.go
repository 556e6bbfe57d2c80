// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements the four diagnostic stages: strategy gate,
// synthesis, safety review, and presentation. Adaptive retrieval between
// the gate and synthesis lives in the retrieval package.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/MeridianFOSS/services/llm"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/jsonrepair"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/terminology"
)

var tracer = otel.Tracer("meridian.pipeline")

// =============================================================================
// Configuration
// =============================================================================

// GateConfig holds the strategy gate thresholds.
type GateConfig struct {
	// EnrichmentConfidence is the gate confidence below which the
	// complaint is restated in clinical terms and judged once more.
	EnrichmentConfidence float64

	// LexicalDensity is the vocabulary density at which the strategy is
	// forced to the lexical end regardless of what the model proposed.
	LexicalDensity float64

	// MinAlpha and MaxAlpha bound the hybrid balance of every decision
	// that leaves the gate.
	MinAlpha float64
	MaxAlpha float64

	// DefaultAlpha and DefaultTopK seed the retrieval strategy when the
	// model's answer lacks usable values.
	DefaultAlpha float64
	DefaultTopK  int
}

// DefaultGateConfig returns the production thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		EnrichmentConfidence: 0.5,
		LexicalDensity:       0.5,
		MinAlpha:             0.1,
		MaxAlpha:             0.9,
		DefaultAlpha:         0.5,
		DefaultTopK:          10,
	}
}

// =============================================================================
// Strategy Gate
// =============================================================================

const gatePrompt = `你是中醫分診助理。判斷以下主訴是否屬於中醫診斷範圍，並規劃檢索策略。

主訴：%s
%s術語密度：%.2f

僅輸出 JSON，格式：
{"decision": "proceed" 或 "reject", "confidence": 0到1, "alpha": 0到1, "reason": "簡短理由"}
alpha 偏向 0 表示關鍵詞檢索（術語明確時），偏向 1 表示語義檢索（描述口語化時）。
與醫療無關的請求必須 reject。`

const enrichPrompt = `將以下口語化的身體不適描述改寫為精簡的中醫臨床術語描述，保留所有症狀，不要添加新症狀，直接輸出改寫結果：

%s`

// Gate is the first pipeline stage.
//
// # Description
//
// The gate decides whether the accumulated complaint is worth a retrieval
// round and, if so, with what hybrid-search strategy. The model proposes
// the decision; the gate owns the policy around it: alpha is clamped into
// [MinAlpha, MaxAlpha], a complaint written mostly in controlled vocabulary
// is forced to the lexical end no matter what the model said, and a
// low-confidence judgement earns one restatement pass whose verdict is kept
// only when it is more confident than the first.
//
// The gate rejects; it never errors on model misbehavior. Only transport
// failures surface as errors.
type Gate struct {
	llm   llm.LLMClient
	terms *terminology.Store
	cfg   GateConfig
}

// NewGate builds the strategy gate. Zero-valued config fields fall back to
// the defaults.
func NewGate(client llm.LLMClient, terms *terminology.Store, cfg GateConfig) *Gate {
	def := DefaultGateConfig()
	if cfg.EnrichmentConfidence <= 0 {
		cfg.EnrichmentConfidence = def.EnrichmentConfidence
	}
	if cfg.LexicalDensity <= 0 {
		cfg.LexicalDensity = def.LexicalDensity
	}
	if cfg.MinAlpha <= 0 {
		cfg.MinAlpha = def.MinAlpha
	}
	if cfg.MaxAlpha <= 0 || cfg.MaxAlpha <= cfg.MinAlpha {
		cfg.MaxAlpha = def.MaxAlpha
	}
	if cfg.DefaultAlpha <= 0 {
		cfg.DefaultAlpha = def.DefaultAlpha
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = def.DefaultTopK
	}
	return &Gate{llm: client, terms: terms, cfg: cfg}
}

// Decide runs stage 1. accumulated is the session's full complaint so far;
// historySummary condenses earlier rounds and may be empty on round one.
func (g *Gate) Decide(ctx context.Context, accumulated, historySummary string) (*datatypes.Stage1Decision, error) {
	ctx, span := tracer.Start(ctx, "Gate.Decide")
	defer span.End()

	normalized := g.terms.Normalize(accumulated)
	density := g.terms.Density(normalized)

	decision, err := g.judge(ctx, normalized, historySummary, density)
	if err != nil {
		return nil, err
	}

	enriched := ""
	if decision.Status == datatypes.GateProceed && decision.Confidence < g.cfg.EnrichmentConfidence {
		restated, eerr := g.enrich(ctx, normalized)
		switch {
		case eerr != nil:
			slog.Warn("Query enrichment failed, keeping the first judgement", "error", eerr)
		case restated != "" && restated != normalized:
			redensity := g.terms.Density(restated)
			second, serr := g.judge(ctx, restated, historySummary, redensity)
			if serr == nil && second.Confidence > decision.Confidence {
				decision = second
				density = redensity
				enriched = restated
			} else if serr != nil {
				slog.Warn("Enriched judgement failed, keeping the first", "error", serr)
			}
		}
	}

	// The density pass overrides the model: a complaint already written
	// mostly in controlled vocabulary retrieves best lexically.
	if density >= g.cfg.LexicalDensity {
		decision.Strategy.Alpha = g.cfg.MinAlpha
	}
	decision.Strategy.Alpha = clampRange(decision.Strategy.Alpha, g.cfg.MinAlpha, g.cfg.MaxAlpha)
	decision.TerminologyDensity = density
	decision.EnrichedQuery = enriched
	return decision, nil
}

// judge asks the model for one strategy verdict on the given query.
func (g *Gate) judge(ctx context.Context, query, historySummary string, density float64) (*datatypes.Stage1Decision, error) {
	history := ""
	if historySummary != "" {
		history = "前幾輪摘要：" + historySummary + "\n"
	}
	raw, err := g.llm.Generate(ctx, fmt.Sprintf(gatePrompt, query, history, density), llm.GenerationParams{
		Temperature: llm.Float32Ptr(0.1),
		MaxTokens:   llm.IntPtr(256),
	})
	if err != nil {
		return nil, fmt.Errorf("strategy gate generation failed: %w", err)
	}
	return g.parseDecision(raw, density), nil
}

// enrich restates a colloquial complaint in clinical vocabulary.
func (g *Gate) enrich(ctx context.Context, complaint string) (string, error) {
	out, err := g.llm.Generate(ctx, fmt.Sprintf(enrichPrompt, complaint), llm.GenerationParams{
		Temperature: llm.Float32Ptr(0.2),
		MaxTokens:   llm.IntPtr(256),
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	// A restatement longer than the original plus slack is the model
	// rambling; drop it.
	if out == "" || len([]rune(out)) > 2*len([]rune(complaint))+50 {
		return "", nil
	}
	return g.terms.Normalize(out), nil
}

// parseDecision recovers a decision from model output, degrading to a
// permissive default rather than failing the round.
func (g *Gate) parseDecision(raw string, density float64) *datatypes.Stage1Decision {
	decision := &datatypes.Stage1Decision{
		Status:     datatypes.GateProceed,
		Confidence: 0.5,
		Strategy: datatypes.RetrievalStrategy{
			Alpha: g.densityAlpha(density),
			TopK:  g.cfg.DefaultTopK,
		},
	}

	obj, err := jsonrepair.ParseObject(raw)
	if err != nil {
		fields := jsonrepair.ExtractStringFields(raw, "decision", "reason")
		if fields["decision"] == "reject" {
			decision.Status = datatypes.GateReject
			decision.Reason = fields["reason"]
		}
		slog.Warn("Gate output resisted parsing, using defaults", "error", err)
		return decision
	}

	if v, ok := obj["decision"].(string); ok && strings.EqualFold(v, "reject") {
		decision.Status = datatypes.GateReject
	}
	if v, ok := obj["reason"].(string); ok {
		decision.Reason = v
	}
	if v, ok := obj["confidence"].(float64); ok {
		decision.Confidence = clamp01(v)
	}
	if v, ok := obj["alpha"].(float64); ok {
		decision.Strategy.Alpha = clamp01(v)
	}
	return decision
}

// densityAlpha maps vocabulary density to a hybrid balance: terminology-
// rich complaints favor keywords, colloquial ones favor vectors.
func (g *Gate) densityAlpha(density float64) float64 {
	switch {
	case density >= 0.5:
		return 0.3
	case density >= 0.2:
		return g.cfg.DefaultAlpha
	default:
		return 0.7
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func clampRange(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
