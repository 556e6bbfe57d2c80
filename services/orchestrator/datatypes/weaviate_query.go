// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Type Parameters
//
//   - T: The target struct type with json tags matching the response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if response is nil or parsing fails.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName("Case").Do(ctx)
//	if err != nil { ... }
//
//	parsed, err := ParseGraphQLResponse[CaseQueryResponse](resp)
//	if err != nil { ... }
//
//	for _, c := range parsed.Get.Case {
//	    fmt.Println(c.CaseID)
//	}
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response structure.
//   - Type mismatches will result in zero values, not errors.
//
// # Assumptions
//
//   - The response Data field is JSON-marshalable.
//   - The target type T has correct json tags.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// HybridAdditional is the _additional block requested on every hybrid search.
// Weaviate returns the hybrid score as a string.
type HybridAdditional struct {
	ID    string `json:"id"`
	Score string `json:"score"`
}

// ScoreValue parses the hybrid score, returning 0 for absent or malformed
// values so a single bad row never aborts a result set.
func (a HybridAdditional) ScoreValue() float64 {
	if a.Score == "" {
		return 0
	}
	v, err := strconv.ParseFloat(a.Score, 64)
	if err != nil {
		return 0
	}
	return v
}

// =============================================================================
// Case Index Response Types
// =============================================================================

// CaseQueryResponse represents the response from querying the Case class,
// the modern clinical case index.
type CaseQueryResponse struct {
	Get struct {
		Case []CaseResult `json:"Case"`
	} `json:"Get"`
}

// CaseResult represents a single clinical case from a hybrid query.
type CaseResult struct {
	CaseID     string           `json:"case_id"`
	Summary    string           `json:"summary"`
	Symptoms   string           `json:"symptoms"`
	Pattern    string           `json:"pattern"`
	Analysis   string           `json:"analysis"`
	Treatment  string           `json:"treatment"`
	Source     string           `json:"source"`
	Additional HybridAdditional `json:"_additional"`
}

// ToCandidate normalizes a case row into the pipeline candidate shape.
func (c CaseResult) ToCandidate() Candidate {
	return Candidate{
		ID:      c.CaseID,
		Index:   "Case",
		Score:   c.Additional.ScoreValue(),
		Summary: c.Summary,
		Properties: map[string]interface{}{
			"symptoms":  c.Symptoms,
			"pattern":   c.Pattern,
			"analysis":  c.Analysis,
			"treatment": c.Treatment,
			"source":    c.Source,
		},
	}
}

// PulsePJQueryResponse represents the response from querying the PulsePJ
// class, the pulse-condition knowledge index.
type PulsePJQueryResponse struct {
	Get struct {
		PulsePJ []PulsePJResult `json:"PulsePJ"`
	} `json:"Get"`
}

// PulsePJResult represents one pulse-condition entry from a hybrid query.
type PulsePJResult struct {
	EntryID         string           `json:"entry_id"`
	PulseName       string           `json:"pulse_name"`
	Description     string           `json:"description"`
	Symptoms        string           `json:"symptoms"`
	RelatedPatterns string           `json:"related_patterns"`
	Additional      HybridAdditional `json:"_additional"`
}

// ToCandidate normalizes a pulse-knowledge row into the candidate shape.
func (p PulsePJResult) ToCandidate() Candidate {
	return Candidate{
		ID:      p.EntryID,
		Index:   "PulsePJ",
		Score:   p.Additional.ScoreValue(),
		Summary: p.Description,
		Properties: map[string]interface{}{
			"pulse_name":       p.PulseName,
			"symptoms":         p.Symptoms,
			"related_patterns": p.RelatedPatterns,
		},
	}
}

// RPCaseQueryResponse represents the response from querying the RPCase
// class, the classical renowned-physician case index.
type RPCaseQueryResponse struct {
	Get struct {
		RPCase []RPCaseResult `json:"RPCase"`
	} `json:"Get"`
}

// RPCaseResult represents one classical case from a hybrid query.
type RPCaseResult struct {
	CaseID     string           `json:"case_id"`
	Physician  string           `json:"physician"`
	Dynasty    string           `json:"dynasty"`
	Text       string           `json:"text"`
	Pattern    string           `json:"pattern"`
	Treatment  string           `json:"treatment"`
	Additional HybridAdditional `json:"_additional"`
}

// ToCandidate normalizes a classical-case row into the candidate shape.
func (r RPCaseResult) ToCandidate() Candidate {
	return Candidate{
		ID:      r.CaseID,
		Index:   "RPCase",
		Score:   r.Additional.ScoreValue(),
		Summary: r.Text,
		Properties: map[string]interface{}{
			"physician": r.Physician,
			"dynasty":   r.Dynasty,
			"pattern":   r.Pattern,
			"treatment": r.Treatment,
		},
	}
}

// =============================================================================
// Ingest Property Types
// =============================================================================

// CaseProperties represents the properties for creating a Case object.
type CaseProperties struct {
	CaseID     string `json:"case_id"`
	Summary    string `json:"summary"`
	Symptoms   string `json:"symptoms"`
	Pattern    string `json:"pattern"`
	Analysis   string `json:"analysis"`
	Treatment  string `json:"treatment"`
	Source     string `json:"source"`
	IngestedAt int64  `json:"ingested_at"`
}

// ToMap converts CaseProperties to the map format required by Weaviate's
// WithProperties() method.
func (p *CaseProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"case_id":     p.CaseID,
		"summary":     p.Summary,
		"symptoms":    p.Symptoms,
		"pattern":     p.Pattern,
		"analysis":    p.Analysis,
		"treatment":   p.Treatment,
		"source":      p.Source,
		"ingested_at": p.IngestedAt,
	}
}
