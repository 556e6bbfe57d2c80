// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnoseRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     DiagnoseRequest
		wantErr bool
	}{
		{
			name: "valid minimal request",
			req:  DiagnoseRequest{Question: "最近容易疲倦，睡眠不佳"},
		},
		{
			name: "valid continuation request",
			req: DiagnoseRequest{
				Question:  "此外還有口乾舌燥",
				SessionID: "sess_abc",
				Continue:  true,
			},
		},
		{
			name:    "missing question",
			req:     DiagnoseRequest{SessionID: "sess_abc"},
			wantErr: true,
		},
		{
			name:    "question over byte ceiling",
			req:     DiagnoseRequest{Question: strings.Repeat("a", MaxQuestionBytes+1)},
			wantErr: true,
		},
		{
			name: "question at byte ceiling",
			req:  DiagnoseRequest{Question: strings.Repeat("a", MaxQuestionBytes)},
		},
		{
			name: "session id too long",
			req: DiagnoseRequest{
				Question:  "q",
				SessionID: strings.Repeat("s", MaxSessionIDBytes+1),
			},
			wantErr: true,
		},
		{
			name: "malformed request id",
			req: DiagnoseRequest{
				RequestID: "not-a-uuid",
				Question:  "q",
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDiagnoseRequest_EnsureDefaults(t *testing.T) {
	req := &DiagnoseRequest{Question: "q"}
	req.EnsureDefaults()

	assert.NotEmpty(t, req.RequestID)
	assert.Greater(t, req.Timestamp, int64(0))
	require.NoError(t, req.Validate(), "defaults must produce a valid request")

	// Client-supplied identifiers are preserved.
	fixed := &DiagnoseRequest{
		RequestID: "550e8400-e29b-41d4-a716-446655440000",
		Timestamp: 1234,
		Question:  "q",
	}
	fixed.EnsureDefaults()
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", fixed.RequestID)
	assert.Equal(t, int64(1234), fixed.Timestamp)
}

func TestHybridAdditional_ScoreValue(t *testing.T) {
	assert.Equal(t, 0.0, HybridAdditional{}.ScoreValue())
	assert.Equal(t, 0.0, HybridAdditional{Score: "garbage"}.ScoreValue())
	assert.InDelta(t, 0.8123, HybridAdditional{Score: "0.8123"}.ScoreValue(), 1e-9)
}

func TestCaseResult_ToCandidate(t *testing.T) {
	r := CaseResult{
		CaseID:    "case_001",
		Summary:   "倦怠、納差三月餘",
		Symptoms:  "疲倦 食慾不振",
		Pattern:   "脾氣虛",
		Treatment: "健脾益氣",
		Additional: HybridAdditional{
			ID:    "7e0bc8f2-0000-0000-0000-000000000000",
			Score: "0.91",
		},
	}

	c := r.ToCandidate()
	assert.Equal(t, "case_001", c.ID)
	assert.Equal(t, "Case", c.Index)
	assert.InDelta(t, 0.91, c.Score, 1e-9)
	assert.Equal(t, "脾氣虛", c.Properties["pattern"])
}

func TestSession_Converged(t *testing.T) {
	s := &Session{SessionID: "sess_x"}
	assert.False(t, s.Converged())

	s.Rounds = append(s.Rounds, RoundSummary{Round: 1, Coverage: 0.5})
	assert.False(t, s.Converged())

	s.Rounds = append(s.Rounds, RoundSummary{Round: 2, Coverage: 0.85, Converged: true})
	assert.True(t, s.Converged())
}
