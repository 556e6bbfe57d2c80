// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval runs adaptive hybrid search over the case indexes.
// The engine owns the quality-gated fallback loop; this file owns the
// Weaviate plumbing behind it.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("meridian.retrieval")

// SearchClient runs one hybrid query against one index. Implementations
// must return candidates in descending score order.
type SearchClient interface {
	Hybrid(ctx context.Context, index, query string, vector []float32, alpha float64, limit int) ([]datatypes.Candidate, error)
}

// WeaviateSearcher is the production SearchClient backed by Weaviate's
// hybrid (BM25 + vector) search.
type WeaviateSearcher struct {
	client *weaviate.Client
}

// NewWeaviateSearcher wraps an initialized Weaviate client.
func NewWeaviateSearcher(client *weaviate.Client) *WeaviateSearcher {
	return &WeaviateSearcher{client: client}
}

var _ SearchClient = (*WeaviateSearcher)(nil)

// indexFields whitelists the properties fetched per index. Requesting only
// what the synthesizer consumes keeps responses small and prevents new
// schema fields from silently reaching prompts.
var indexFields = map[string][]graphql.Field{
	"Case": {
		{Name: "case_id"},
		{Name: "summary"},
		{Name: "symptoms"},
		{Name: "pattern"},
		{Name: "analysis"},
		{Name: "treatment"},
		{Name: "source"},
	},
	"PulsePJ": {
		{Name: "entry_id"},
		{Name: "pulse_name"},
		{Name: "description"},
		{Name: "symptoms"},
		{Name: "related_patterns"},
	},
	"RPCase": {
		{Name: "case_id"},
		{Name: "physician"},
		{Name: "dynasty"},
		{Name: "text"},
		{Name: "pattern"},
		{Name: "treatment"},
	},
}

// Hybrid executes one hybrid query. alpha 0 is pure keyword, 1 is pure
// vector. A nil vector forces keyword-only regardless of alpha.
func (s *WeaviateSearcher) Hybrid(ctx context.Context, index, query string, vector []float32, alpha float64, limit int) ([]datatypes.Candidate, error) {
	ctx, span := tracer.Start(ctx, "WeaviateSearcher.Hybrid")
	defer span.End()

	if s.client == nil {
		return nil, fmt.Errorf("case corpus unavailable: weaviate client not configured")
	}

	fields, ok := indexFields[index]
	if !ok {
		return nil, fmt.Errorf("unknown search index %q", index)
	}
	fields = append(fields, graphql.Field{
		Name:   "_additional",
		Fields: []graphql.Field{{Name: "id"}, {Name: "score"}},
	})

	hybrid := s.client.GraphQL().HybridArgumentBuilder().
		WithQuery(query).
		WithAlpha(float32(alpha))
	if vector != nil {
		hybrid = hybrid.WithVector(vector)
	} else {
		hybrid = hybrid.WithAlpha(0)
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(index).
		WithFields(fields...).
		WithHybrid(hybrid).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("hybrid search on %s failed: %w", index, err)
	}

	candidates, err := parseIndexResponse(index, resp)
	if err != nil {
		return nil, err
	}
	slog.Debug("Hybrid search completed",
		"index", index, "alpha", alpha, "limit", limit, "hits", len(candidates))
	return candidates, nil
}

// parseIndexResponse maps each index to its typed response shape.
func parseIndexResponse(index string, resp *models.GraphQLResponse) ([]datatypes.Candidate, error) {
	switch index {
	case "Case":
		parsed, err := datatypes.ParseGraphQLResponse[datatypes.CaseQueryResponse](resp)
		if err != nil {
			return nil, err
		}
		out := make([]datatypes.Candidate, 0, len(parsed.Get.Case))
		for _, r := range parsed.Get.Case {
			out = append(out, r.ToCandidate())
		}
		return out, nil
	case "PulsePJ":
		parsed, err := datatypes.ParseGraphQLResponse[datatypes.PulsePJQueryResponse](resp)
		if err != nil {
			return nil, err
		}
		out := make([]datatypes.Candidate, 0, len(parsed.Get.PulsePJ))
		for _, r := range parsed.Get.PulsePJ {
			out = append(out, r.ToCandidate())
		}
		return out, nil
	case "RPCase":
		parsed, err := datatypes.ParseGraphQLResponse[datatypes.RPCaseQueryResponse](resp)
		if err != nil {
			return nil, err
		}
		out := make([]datatypes.Candidate, 0, len(parsed.Get.RPCase))
		for _, r := range parsed.Get.RPCase {
			out = append(out, r.ToCandidate())
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown search index %q", index)
	}
}
