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

import "time"

// SecurityFlags tracks per-session abuse signals. A session crosses into
// suspicious once ViolationCount reaches the manager's threshold; suspicious
// sessions are refused before the pipeline runs.
type SecurityFlags struct {
	ViolationCount int       `json:"violation_count"`
	Suspicious     bool      `json:"suspicious"`
	LastViolation  time.Time `json:"last_violation,omitempty"`
}

// RoundSummary is the compact per-round record kept on the session.
type RoundSummary struct {
	Round     int       `json:"round"`
	Question  string    `json:"question"`
	Pattern   string    `json:"pattern"`
	Coverage  float64   `json:"coverage"`
	Converged bool      `json:"converged"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the in-memory state of one multi-round diagnostic dialog.
// All mutation goes through the session manager, which owns the locking.
type Session struct {
	SessionID        string         `json:"session_id"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActive       time.Time      `json:"last_active"`
	RoundCount       int            `json:"round_count"`
	InitialQuestion  string         `json:"initial_question"`
	AccumulatedInput string         `json:"accumulated_input"`
	LastPattern      string         `json:"last_pattern,omitempty"`
	LastAnchorCaseID string         `json:"last_anchor_case_id,omitempty"`
	CoverageHistory  []float64      `json:"coverage_history,omitempty"`
	Rounds           []RoundSummary `json:"rounds,omitempty"`
	Flags            SecurityFlags  `json:"flags"`
}

// Converged reports whether any recorded round reached convergence.
func (s *Session) Converged() bool {
	for _, r := range s.Rounds {
		if r.Converged {
			return true
		}
	}
	return false
}

// Info shapes the session into its response summary.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		Round:      s.RoundCount,
		CreatedAt:  s.CreatedAt.UnixMilli(),
		LastActive: s.LastActive.UnixMilli(),
		Suspicious: s.Flags.Suspicious,
		SessionID:  s.SessionID,
	}
}
