// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
)

// fakeEmbedder returns a fixed vector, or an error when broken.
type fakeEmbedder struct {
	broken bool
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.broken {
		return nil, errors.New("embedding backend down")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// scriptedSearcher returns pre-seeded results per (index, alpha) and
// records every pass it serves.
type scriptedSearcher struct {
	results map[string][]datatypes.Candidate // key: fmt.Sprintf("%s@%.1f", index, alpha)
	calls   []string
}

func (s *scriptedSearcher) Hybrid(_ context.Context, index, _ string, _ []float32, alpha float64, limit int) ([]datatypes.Candidate, error) {
	key := fmt.Sprintf("%s@%.1f", index, alpha)
	s.calls = append(s.calls, fmt.Sprintf("%s/limit=%d", key, limit))
	hits := s.results[key]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cand(id, index string, score float64, summary string) datatypes.Candidate {
	return datatypes.Candidate{ID: id, Index: index, Score: score, Summary: summary}
}

func richResults(index string, alpha float64, n int) (string, []datatypes.Candidate) {
	key := fmt.Sprintf("%s@%.1f", index, alpha)
	out := make([]datatypes.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, cand(
			fmt.Sprintf("%s_%d", index, i), index,
			1.0-float64(i)*0.05,
			fmt.Sprintf("案例%s%d：疲倦失眠食慾不振", index, i)))
	}
	return key, out
}

func TestRetrieve_FirstPassSucceeds(t *testing.T) {
	searcher := &scriptedSearcher{results: map[string][]datatypes.Candidate{}}
	for _, idx := range []string{"Case", "PulsePJ", "RPCase"} {
		k, v := richResults(idx, 0.5, 5)
		searcher.results[k] = v
	}
	engine := NewEngine(searcher, &fakeEmbedder{}, Config{})

	candidates, meta, err := engine.Retrieve(context.Background(), "疲倦失眠",
		datatypes.RetrievalStrategy{Alpha: 0.5, TopK: 10})
	require.NoError(t, err)

	require.NotEmpty(t, candidates)
	assert.Equal(t, 1, meta.Attempts)
	assert.False(t, meta.FallbackTriggered)
	assert.Empty(t, meta.FallbackReason)
	assert.Equal(t, 0.5, meta.InitialAlpha)
	assert.Equal(t, 0.5, meta.FinalAlpha)
	assert.GreaterOrEqual(t, meta.QualityScore, 0.65)
	assert.Equal(t, len(candidates), meta.CandidateCount)
}

func TestRetrieve_CandidatesDedupedAndDescending(t *testing.T) {
	searcher := &scriptedSearcher{results: map[string][]datatypes.Candidate{
		"Case@0.5": {
			cand("dup", "Case", 0.9, "案例甲：疲倦失眠"),
			cand("a", "Case", 0.8, "案例乙：頭痛目眩"),
			cand("b", "Case", 0.7, "案例丙：腹脹納差"),
		},
		"PulsePJ@0.5": {
			cand("dup", "PulsePJ", 0.95, "案例甲：疲倦失眠"),
			cand("p1", "PulsePJ", 0.6, "脈象：細弱無力"),
		},
	}}
	engine := NewEngine(searcher, &fakeEmbedder{}, Config{})

	candidates, _, err := engine.Retrieve(context.Background(), "疲倦",
		datatypes.RetrievalStrategy{Alpha: 0.5, TopK: 10})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, c := range candidates {
		assert.False(t, seen[c.ID], "candidate %s appears twice", c.ID)
		seen[c.ID] = true
	}
	assert.True(t, seen["dup"])

	for i := 1; i < len(candidates); i++ {
		assert.GreaterOrEqual(t, candidates[i-1].Score, candidates[i].Score,
			"candidates must be in descending score order")
	}
	// The cross-index duplicate accumulates fusion weight and ranks first.
	assert.Equal(t, "dup", candidates[0].ID)
	assert.InDelta(t, 1.0, candidates[0].Score, 1e-9, "scores are normalized to the top hit")
}

func TestRetrieve_FallbackChainOrder(t *testing.T) {
	// Sparse results everywhere: quality never reaches the bar, so the
	// engine walks the whole chain and keeps the best pass.
	searcher := &scriptedSearcher{results: map[string][]datatypes.Candidate{
		"Case@0.5": {cand("w1", "Case", 0.2, "甲")},
		"Case@0.2": {cand("k1", "Case", 0.3, "乙")},
		"Case@0.8": {
			cand("v1", "Case", 0.5, "案例丙：疲倦失眠納差"),
			cand("v2", "Case", 0.4, "案例丁：頭暈心悸"),
		},
	}}
	engine := NewEngine(searcher, &fakeEmbedder{}, Config{Indexes: []string{"Case"}})

	candidates, meta, err := engine.Retrieve(context.Background(), "疲倦",
		datatypes.RetrievalStrategy{Alpha: 0.5, TopK: 10})
	require.NoError(t, err)

	assert.Equal(t, 4, meta.Attempts, "initial pass plus three fallbacks")
	assert.True(t, meta.FallbackTriggered)
	assert.Equal(t, "vector_focus", meta.FallbackReason, "best pass wins")
	assert.Equal(t, 0.8, meta.FinalAlpha)
	assert.Len(t, candidates, 2)

	require.Len(t, searcher.calls, 4)
	assert.Contains(t, searcher.calls[0], "Case@0.5/limit=10")
	assert.Contains(t, searcher.calls[1], "Case@0.2/limit=10")
	assert.Contains(t, searcher.calls[2], "Case@0.8/limit=10")
	assert.Contains(t, searcher.calls[3], "Case@0.5/limit=15", "expand widens the net at the gate's alpha")
}

func TestRetrieve_RescuePassOnEmptyResults(t *testing.T) {
	// Nothing at the strategy's alpha; the pure-keyword rescue pass with a
	// doubled limit finds one case.
	searcher := &scriptedSearcher{results: map[string][]datatypes.Candidate{
		"Case@0.0": {cand("r1", "Case", 0.4, "案例：氣血兩虛")},
	}}
	engine := NewEngine(searcher, &fakeEmbedder{}, Config{Indexes: []string{"Case"}})

	candidates, meta, err := engine.Retrieve(context.Background(), "罕見主訴",
		datatypes.RetrievalStrategy{Alpha: 0.9, TopK: 10})
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, 2, meta.Attempts, "empty first pass goes straight to rescue")
	assert.True(t, meta.FallbackTriggered)
	assert.Equal(t, "rescue", meta.FallbackReason)
	assert.Equal(t, 0.0, meta.FinalAlpha, "rescue searches at the lexical extreme")
	assert.Contains(t, searcher.calls[1], "Case@0.0/limit=20", "rescue doubles the limit")
}

func TestRetrieve_NoResultsAnywhere(t *testing.T) {
	searcher := &scriptedSearcher{results: map[string][]datatypes.Candidate{}}
	engine := NewEngine(searcher, &fakeEmbedder{}, Config{Indexes: []string{"Case"}})

	_, meta, err := engine.Retrieve(context.Background(), "x",
		datatypes.RetrievalStrategy{Alpha: 0.5, TopK: 10})
	require.Error(t, err)

	var nre *NoResultsError
	assert.True(t, errors.As(err, &nre))
	assert.Equal(t, 2, meta.Attempts)
}

func TestRetrieve_EmbeddingFailureDegradesToLexical(t *testing.T) {
	// A broken embedder forces keyword-only passes instead of failing.
	searcher := &scriptedSearcher{results: map[string][]datatypes.Candidate{}}
	k, v := richResults("Case", 0.0, 5)
	searcher.results[k] = v
	engine := NewEngine(searcher, &fakeEmbedder{broken: true}, Config{Indexes: []string{"Case"}})

	candidates, meta, err := engine.Retrieve(context.Background(), "疲倦失眠",
		datatypes.RetrievalStrategy{Alpha: 0.5, TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, 0.0, meta.InitialAlpha, "degraded passes are keyword-only")
	assert.Contains(t, searcher.calls[0], "Case@0.0")
}

func TestRetrieve_AlphaClamped(t *testing.T) {
	searcher := &scriptedSearcher{results: map[string][]datatypes.Candidate{}}
	k, v := richResults("Case", 1.0, 5)
	searcher.results[k] = v
	engine := NewEngine(searcher, &fakeEmbedder{}, Config{Indexes: []string{"Case"}})

	_, meta, err := engine.Retrieve(context.Background(), "q",
		datatypes.RetrievalStrategy{Alpha: 3.2, TopK: 10})
	require.NoError(t, err)
	assert.Equal(t, 1.0, meta.InitialAlpha)
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name string
		set  []datatypes.Candidate
		want float64
	}{
		{"empty", nil, 0},
		{
			"single strong hit",
			[]datatypes.Candidate{cand("a", "Case", 1.0, "")},
			// 0.3*(1/3) + 0.4*1.0 + 0.3*1.0
			0.8,
		},
		{
			"three mediocre hits",
			[]datatypes.Candidate{
				cand("a", "Case", 0.5, ""),
				cand("b", "Case", 0.4, ""),
				cand("c", "Case", 0.3, ""),
			},
			// 0.3*1 + 0.4*0.4 + 0.3*0.5
			0.61,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, qualityScore(tc.set), 1e-9)
		})
	}
}

func TestFuseRanked_WeightsFavorPrimaryIndex(t *testing.T) {
	lists := map[string][]datatypes.Candidate{
		"Case":   {cand("c1", "Case", 0.9, "甲")},
		"RPCase": {cand("r1", "RPCase", 0.99, "乙")},
	}
	weights := map[string]float64{"Case": 0.6, "RPCase": 0.1}

	fused := fuseRanked(lists, weights)
	require.Len(t, fused, 2)
	assert.Equal(t, "c1", fused[0].ID, "rank-1 in the heavier index wins")
}

func TestRerankMMR_PenalizesNearDuplicates(t *testing.T) {
	candidates := []datatypes.Candidate{
		cand("a", "Case", 1.0, "疲倦失眠食慾不振脾氣虛"),
		cand("b", "Case", 0.98, "疲倦失眠食慾不振脾氣虛弱"),
		cand("c", "Case", 0.8, "頭痛目眩肝陽上亢"),
	}

	out := rerankMMR(candidates, 0.5)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].ID, "top hit is fixed")
	assert.Equal(t, "c", out[1].ID, "diverse candidate beats the near-duplicate")
}
