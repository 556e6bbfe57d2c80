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
	"sort"
	"strings"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
)

// rrfK dampens the rank contribution in reciprocal rank fusion. 60 is the
// value from the original RRF paper and works well untouched.
const rrfK = 60

// fuseRanked merges per-index result lists with weighted reciprocal rank
// fusion, deduplicates by candidate id, and returns the merged list in
// descending fused-score order.
//
// Each list must already be in its index's descending score order. A
// candidate appearing in several lists accumulates contributions from each;
// its retained Properties come from the highest-weighted occurrence.
func fuseRanked(lists map[string][]datatypes.Candidate, weights map[string]float64) []datatypes.Candidate {
	type fused struct {
		candidate datatypes.Candidate
		score     float64
		srcWeight float64
	}
	merged := make(map[string]*fused)

	for index, list := range lists {
		weight, ok := weights[index]
		if !ok {
			weight = 1.0
		}
		for rank, c := range list {
			contribution := weight / float64(rrfK+rank+1)
			f, seen := merged[c.ID]
			if !seen {
				c.Score = 0 // replaced by the fused score below
				merged[c.ID] = &fused{candidate: c, score: contribution, srcWeight: weight}
				continue
			}
			f.score += contribution
			if weight > f.srcWeight {
				props := c
				props.Score = 0
				f.candidate = props
				f.srcWeight = weight
			}
		}
	}

	out := make([]datatypes.Candidate, 0, len(merged))
	for _, f := range merged {
		f.candidate.Score = f.score
		out = append(out, f.candidate)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID // deterministic order on ties
	})
	return out
}

// mmrLambda balances relevance against diversity in the re-rank: 1 is pure
// relevance, 0 pure diversity.
const mmrLambda = 0.7

// rerankMMR applies maximal marginal relevance over the fused list so the
// synthesizer sees varied evidence instead of near-duplicates of the top
// hit. Similarity is lexical (summary token overlap), which is crude but
// has no extra embedding cost.
func rerankMMR(candidates []datatypes.Candidate, lambda float64) []datatypes.Candidate {
	if len(candidates) <= 2 {
		return candidates
	}
	if lambda <= 0 || lambda > 1 {
		lambda = mmrLambda
	}

	remaining := make([]datatypes.Candidate, len(candidates))
	copy(remaining, candidates)
	selected := make([]datatypes.Candidate, 0, len(candidates))

	// The top fused hit always survives in place.
	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	for len(remaining) > 0 {
		bestIdx := 0
		bestValue := -1.0
		for i, c := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				if sim := tokenOverlap(c.Summary, s.Summary); sim > maxSim {
					maxSim = sim
				}
			}
			value := lambda*c.Score - (1-lambda)*maxSim
			if value > bestValue {
				bestValue = value
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// tokenOverlap computes Jaccard similarity over character bigrams, which
// behaves sensibly for unsegmented Chinese text.
func tokenOverlap(a, b string) float64 {
	as := bigrams(a)
	bs := bigrams(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for g := range as {
		if bs[g] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	return float64(inter) / float64(union)
}

func bigrams(s string) map[string]bool {
	runes := []rune(strings.TrimSpace(s))
	grams := make(map[string]bool, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		grams[string(runes[i:i+2])] = true
	}
	return grams
}

// qualityScore grades a result set in [0,1]:
//
//	0.3 * count term (3+ results saturate it)
//	0.4 * mean score
//	0.3 * top score
//
// Callers grade the raw per-index hybrid scores, which Weaviate already
// keeps in [0,1]. Grading fused scores would be meaningless after
// normalization.
func qualityScore(candidates []datatypes.Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}

	countTerm := float64(len(candidates)) / 3.0
	if countTerm > 1 {
		countTerm = 1
	}

	sum := 0.0
	max := 0.0
	for _, c := range candidates {
		sum += c.Score
		if c.Score > max {
			max = c.Score
		}
	}
	avg := sum / float64(len(candidates))

	return 0.3*countTerm + 0.4*avg + 0.3*max
}

// normalizeScores rescales candidate scores so the best is 1.0, preserving
// relative order. Needed because raw RRF sums live in a tiny range.
func normalizeScores(candidates []datatypes.Candidate) {
	if len(candidates) == 0 {
		return
	}
	max := candidates[0].Score
	for _, c := range candidates {
		if c.Score > max {
			max = c.Score
		}
	}
	if max <= 0 {
		return
	}
	for i := range candidates {
		candidates[i].Score /= max
	}
}
