// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MeridianFOSS/services/llm"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/terminology"
)

// fakeLLM replays scripted responses in order and records every prompt.
type fakeLLM struct {
	responses []string
	err       error
	prompts   []string
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	out := f.responses[0]
	f.responses = f.responses[1:]
	return out, nil
}

func newTestStore(t *testing.T) *terminology.Store {
	t.Helper()
	store, err := terminology.NewStore()
	require.NoError(t, err)
	return store
}

func TestGateDecide_ProceedWithModelStrategy(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"decision": "proceed", "confidence": 0.9, "alpha": 0.4, "reason": "臨床主訴明確"}`,
	}}
	gate := NewGate(model, newTestStore(t), GateConfig{})

	decision, err := gate.Decide(context.Background(), "我也不知道怎麼說就是整個人提不起勁做什麼都沒力氣", "")
	require.NoError(t, err)

	assert.Equal(t, datatypes.GateProceed, decision.Status)
	assert.Equal(t, 0.9, decision.Confidence)
	assert.Equal(t, 0.4, decision.Strategy.Alpha, "model alpha stands on a colloquial complaint")
	assert.Equal(t, 10, decision.Strategy.TopK)
	assert.Less(t, decision.TerminologyDensity, 0.5)
	assert.Empty(t, decision.EnrichedQuery, "a confident judgement needs no enrichment")
	require.Len(t, model.prompts, 1)
}

func TestGateDecide_DensityOverridesModelAlpha(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"decision": "proceed", "confidence": 0.9, "alpha": 0.8, "reason": "描述偏口語"}`,
	}}
	gate := NewGate(model, newTestStore(t), GateConfig{})

	decision, err := gate.Decide(context.Background(), "疲倦失眠食慾不振", "")
	require.NoError(t, err)

	assert.Equal(t, 1.0, decision.TerminologyDensity, "fully clinical complaint")
	assert.Equal(t, 0.1, decision.Strategy.Alpha,
		"a complaint written in controlled vocabulary is retrieved lexically no matter what the model proposed")
}

func TestGateDecide_HistorySummaryReachesPrompt(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"decision": "proceed", "confidence": 0.8, "alpha": 0.5}`,
	}}
	gate := NewGate(model, newTestStore(t), GateConfig{})

	_, err := gate.Decide(context.Background(), "疲倦失眠", "已進行2輪，最近證型：脾氣虛")
	require.NoError(t, err)

	require.Len(t, model.prompts, 1)
	assert.Contains(t, model.prompts[0], "脾氣虛")
}

func TestGateDecide_Reject(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"decision": "reject", "confidence": 0.95, "reason": "與醫療無關"}`,
	}}
	gate := NewGate(model, newTestStore(t), GateConfig{})

	decision, err := gate.Decide(context.Background(), "頭痛失眠", "")
	require.NoError(t, err)
	assert.Equal(t, datatypes.GateReject, decision.Status)
	assert.Equal(t, "與醫療無關", decision.Reason)
}

func TestGateDecide_GarbageOutputDefaultsToProceed(t *testing.T) {
	model := &fakeLLM{responses: []string{"我覺得這個主訴還不錯，應該可以處理。"}}
	gate := NewGate(model, newTestStore(t), GateConfig{})

	decision, err := gate.Decide(context.Background(), "疲倦失眠食慾不振", "")
	require.NoError(t, err)

	assert.Equal(t, datatypes.GateProceed, decision.Status)
	assert.Equal(t, 0.5, decision.Confidence)
	assert.Equal(t, 0.1, decision.Strategy.Alpha, "dense complaint lands on the lexical floor")
}

func TestGateDecide_AlphaClampedIntoConfiguredRange(t *testing.T) {
	colloquial := "我也不知道怎麼說就是整個人提不起勁做什麼都沒力氣"

	model := &fakeLLM{responses: []string{
		`{"decision": "proceed", "confidence": 1.7, "alpha": 1.5}`,
	}}
	gate := NewGate(model, newTestStore(t), GateConfig{})

	decision, err := gate.Decide(context.Background(), colloquial, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, decision.Confidence)
	assert.Equal(t, 0.9, decision.Strategy.Alpha, "ceiling of the configured range")

	model = &fakeLLM{responses: []string{
		`{"decision": "proceed", "confidence": 0.9, "alpha": -0.3}`,
	}}
	gate = NewGate(model, newTestStore(t), GateConfig{MinAlpha: 0.2, MaxAlpha: 0.8})

	decision, err = gate.Decide(context.Background(), colloquial, "")
	require.NoError(t, err)
	assert.Equal(t, 0.2, decision.Strategy.Alpha, "floor of the configured range")
}

func TestGateDecide_LowConfidenceTriggersEnrichment(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"decision": "proceed", "confidence": 0.3, "alpha": 0.6}`,
		"疲倦 氣短", // enrichment restatement
		`{"decision": "proceed", "confidence": 0.7, "alpha": 0.5}`,
	}}
	gate := NewGate(model, newTestStore(t), GateConfig{})

	decision, err := gate.Decide(context.Background(), "我也不知道怎麼說就是整個人提不起勁做什麼都沒力氣", "")
	require.NoError(t, err)

	assert.Equal(t, "疲倦 氣短", decision.EnrichedQuery)
	assert.Equal(t, 0.7, decision.Confidence, "the more confident judgement wins")
	assert.Equal(t, 1.0, decision.TerminologyDensity, "density re-measured on the restatement")
	require.Len(t, model.prompts, 3)
	assert.Contains(t, model.prompts[2], "疲倦 氣短", "second judgement uses the enriched query")
}

func TestGateDecide_WorseEnrichedJudgementDiscarded(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"decision": "proceed", "confidence": 0.4, "alpha": 0.6}`,
		"疲倦 氣短",
		`{"decision": "proceed", "confidence": 0.2, "alpha": 0.5}`,
	}}
	gate := NewGate(model, newTestStore(t), GateConfig{})

	decision, err := gate.Decide(context.Background(), "我也不知道怎麼說就是整個人提不起勁做什麼都沒力氣", "")
	require.NoError(t, err)

	assert.Equal(t, 0.4, decision.Confidence)
	assert.Empty(t, decision.EnrichedQuery, "a less confident restated judgement is discarded")
}

func TestGateDecide_EnrichmentFailureFallsBack(t *testing.T) {
	// The restatement returns nothing usable; the gate keeps the first
	// judgement instead of failing.
	model := &fakeLLM{responses: []string{
		`{"decision": "proceed", "confidence": 0.3}`,
		"",
	}}
	gate := NewGate(model, newTestStore(t), GateConfig{})

	decision, err := gate.Decide(context.Background(), "整個人怪怪的說不上來哪裡不對勁就是不舒服", "")
	require.NoError(t, err)
	assert.Equal(t, datatypes.GateProceed, decision.Status)
	assert.Empty(t, decision.EnrichedQuery)
}

func TestGateDecide_TransportErrorSurfaces(t *testing.T) {
	model := &fakeLLM{err: errors.New("backend unreachable")}
	gate := NewGate(model, newTestStore(t), GateConfig{})

	_, err := gate.Decide(context.Background(), "疲倦失眠", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy gate")
}
