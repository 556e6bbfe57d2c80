// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/MeridianFOSS/services/llm"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

// NoResultsError means every pass, including the rescue pass, came back
// empty. The pipeline reports it as an upstream condition, never as an
// empty result set.
type NoResultsError struct {
	Attempts int
}

func (e *NoResultsError) Error() string {
	return fmt.Sprintf("retrieval exhausted after %d attempts with no results", e.Attempts)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the tunable retrieval thresholds.
type Config struct {
	// QualityThreshold is the fused-result grade that ends the loop early.
	QualityThreshold float64

	// MaxFallbackAttempts bounds extra passes after the initial one.
	MaxFallbackAttempts int

	// DefaultLimit is the per-index hit count when the strategy names none.
	DefaultLimit int

	// Indexes are the classes searched each pass.
	Indexes []string

	// IndexWeights scale each index's rank-fusion contribution.
	IndexWeights map[string]float64

	// MMRLambda is the relevance/diversity balance for candidate selection.
	MMRLambda float64
}

// DefaultEngineConfig returns the production thresholds. The Case index
// dominates fusion; pulse knowledge and classical cases season the result.
func DefaultEngineConfig() Config {
	return Config{
		QualityThreshold:    0.65,
		MaxFallbackAttempts: 3,
		DefaultLimit:        10,
		Indexes:             []string{"Case", "PulsePJ", "RPCase"},
		IndexWeights: map[string]float64{
			"Case":    0.6,
			"PulsePJ": 0.3,
			"RPCase":  0.1,
		},
		MMRLambda: mmrLambda,
	}
}

// fallbackStep is one entry in the bounded fallback chain.
type fallbackStep struct {
	reason string
	alpha  float64
	// useStrategyAlpha keeps the gate's alpha instead of overriding it.
	useStrategyAlpha bool
	expandLimit      bool
}

// fallbackChain is tried in order when a pass grades below threshold:
// push toward keywords, push toward vectors, then widen the net.
var fallbackChain = []fallbackStep{
	{reason: "keyword_focus", alpha: 0.2},
	{reason: "vector_focus", alpha: 0.8},
	{reason: "expand", useStrategyAlpha: true, expandLimit: true},
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs the adaptive retrieval loop.
//
// # Description
//
// Each pass queries every configured index concurrently, fuses the ranked
// lists, and grades the fused set. A grade at or above the threshold ends
// the loop; otherwise the engine walks the fallback chain, keeping the
// best-graded set seen. A pass that returns nothing triggers one rescue
// pass at the lexical extreme with a doubled limit. The engine never
// returns an empty candidate list without an error.
type Engine struct {
	search SearchClient
	embed  llm.EmbeddingClient
	cfg    Config
}

// NewEngine builds a retrieval engine. Zero-valued config fields fall back
// to the defaults.
func NewEngine(search SearchClient, embed llm.EmbeddingClient, cfg Config) *Engine {
	def := DefaultEngineConfig()
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = def.QualityThreshold
	}
	if cfg.MaxFallbackAttempts <= 0 {
		cfg.MaxFallbackAttempts = def.MaxFallbackAttempts
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if len(cfg.Indexes) == 0 {
		cfg.Indexes = def.Indexes
	}
	if len(cfg.IndexWeights) == 0 {
		cfg.IndexWeights = def.IndexWeights
	}
	if cfg.MMRLambda <= 0 || cfg.MMRLambda > 1 {
		cfg.MMRLambda = def.MMRLambda
	}
	return &Engine{search: search, embed: embed, cfg: cfg}
}

// Retrieve runs the full adaptive loop for one query.
func (e *Engine) Retrieve(ctx context.Context, query string, strategy datatypes.RetrievalStrategy) ([]datatypes.Candidate, datatypes.RetrievalMetadata, error) {
	ctx, span := tracer.Start(ctx, "Engine.Retrieve")
	defer span.End()

	alpha := clamp01(strategy.Alpha)
	limit := strategy.TopK
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	// Embedding failure degrades to keyword-only search rather than
	// failing the round; a nil vector makes every pass lexical.
	vector, err := e.embed.Embed(ctx, query)
	if err != nil {
		slog.Warn("Query embedding failed, degrading to keyword-only retrieval", "error", err)
		vector = nil
		alpha = 0
	}

	meta := datatypes.RetrievalMetadata{InitialAlpha: alpha}

	var (
		best        []datatypes.Candidate
		bestQuality = -1.0
		bestAlpha   = alpha
		bestReason  string
	)

	curAlpha, curLimit, curReason := alpha, limit, ""
	rescued := false

	for pass := 0; ; pass++ {
		meta.Attempts++
		fused, raw, err := e.searchAll(ctx, query, vector, curAlpha, curLimit)
		if err != nil {
			return nil, meta, err
		}
		candidates := e.selectCandidates(fused, curLimit)

		if len(candidates) == 0 {
			if rescued {
				return nil, meta, &NoResultsError{Attempts: meta.Attempts}
			}
			// Forced rescue: pure keyword match, doubled net, one shot.
			// When hybrid passes find nothing, exact lexical hits are the
			// last chance; a vector-leaning retry would just re-miss.
			rescued = true
			curAlpha, curLimit, curReason = 0, limit*2, "rescue"
			meta.FallbackTriggered = true
			slog.Warn("Retrieval pass returned nothing, forcing rescue",
				"query_len", len(query), "attempts", meta.Attempts)
			continue
		}

		// Grade on the raw index scores, not the fused ones: fusion
		// normalizes to the top hit, which would make any non-empty set
		// look perfect.
		quality := qualityScore(raw)
		if quality > bestQuality {
			best, bestQuality, bestAlpha, bestReason = candidates, quality, curAlpha, curReason
		}
		if quality >= e.cfg.QualityThreshold || curReason == "rescue" {
			break
		}

		next := pass
		if next >= len(fallbackChain) || next >= e.cfg.MaxFallbackAttempts {
			break
		}
		step := fallbackChain[next]
		curReason = step.reason
		if step.useStrategyAlpha {
			curAlpha = alpha
		} else {
			curAlpha = step.alpha
		}
		if step.expandLimit {
			curLimit = limit + limit/2
		} else {
			curLimit = limit
		}
		meta.FallbackTriggered = true
	}

	meta.FinalAlpha = bestAlpha
	meta.QualityScore = bestQuality
	meta.FallbackReason = bestReason
	meta.CandidateCount = len(best)

	span.SetAttributes(
		attribute.Int("retrieval.attempts", meta.Attempts),
		attribute.Float64("retrieval.quality", bestQuality),
		attribute.Bool("retrieval.fallback", meta.FallbackTriggered),
	)
	return best, meta, nil
}

// searchAll queries every index concurrently. It returns the fused,
// normalized list for ordering plus the deduplicated raw hits (max score
// per id) for quality grading. Individual index failures degrade to a
// warning; only total failure is an error.
func (e *Engine) searchAll(ctx context.Context, query string, vector []float32, alpha float64, limit int) ([]datatypes.Candidate, []datatypes.Candidate, error) {
	var mu sync.Mutex
	lists := make(map[string][]datatypes.Candidate, len(e.cfg.Indexes))
	failures := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, index := range e.cfg.Indexes {
		index := index
		g.Go(func() error {
			hits, err := e.search.Hybrid(gctx, index, query, vector, alpha, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				slog.Warn("Index search failed, degrading", "index", index, "error", err)
				return nil
			}
			lists[index] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if failures == len(e.cfg.Indexes) {
		return nil, nil, fmt.Errorf("all %d index searches failed", failures)
	}

	rawByID := make(map[string]datatypes.Candidate)
	for _, list := range lists {
		for _, c := range list {
			if prev, ok := rawByID[c.ID]; !ok || c.Score > prev.Score {
				rawByID[c.ID] = c
			}
		}
	}
	raw := make([]datatypes.Candidate, 0, len(rawByID))
	for _, c := range rawByID {
		raw = append(raw, c)
	}

	fused := fuseRanked(lists, e.cfg.IndexWeights)
	normalizeScores(fused)
	return fused, raw, nil
}

// selectCandidates keeps at most limit candidates, using MMR to decide
// membership and score order for the final list. Output is deduplicated
// (fusion already guarantees that) and strictly descending by score.
func (e *Engine) selectCandidates(fused []datatypes.Candidate, limit int) []datatypes.Candidate {
	picked := rerankMMR(fused, e.cfg.MMRLambda)
	if len(picked) > limit {
		picked = picked[:limit]
	}
	sort.Slice(picked, func(i, j int) bool {
		if picked[i].Score != picked[j].Score {
			return picked[i].Score > picked[j].Score
		}
		return picked[i].ID < picked[j].ID
	})
	return picked
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
