// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns the in-memory dialog state for multi-round
// diagnosis. The manager is the only writer; callers get value snapshots
// and mutate through manager methods keyed by session id.
package session

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the tunable session-manager thresholds.
type Config struct {
	// MaxSessions caps the session table. Creating a session beyond the
	// cap evicts the oldest EvictFraction of the table.
	MaxSessions int

	// IdleExpiry is how long a session may sit untouched before it is
	// treated as gone.
	IdleExpiry time.Duration

	// ViolationThreshold is the violation count at which a session turns
	// suspicious and stops being served.
	ViolationThreshold int

	// EvictFraction is the share of the table dropped on overflow.
	EvictFraction float64

	// MaxAccumulatedRunes caps the accumulated complaint. Follow-ups past
	// the cap are cut off at the tail; the opening complaint survives.
	MaxAccumulatedRunes int

	// MaxHistory caps how many round summaries (and coverage samples) a
	// session retains. The oldest entries fall off first.
	MaxHistory int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxSessions:         1000,
		IdleExpiry:          24 * time.Hour,
		ViolationThreshold:  3,
		EvictFraction:       0.10,
		MaxAccumulatedRunes: 4000,
		MaxHistory:          20,
	}
}

// =============================================================================
// Manager
// =============================================================================

// Manager is the concurrent session table.
//
// # Description
//
// Sessions are identified by a short digest id ("sess_" plus 16 hex
// characters) derived from the opening complaint, the creation time, and a
// random component. Idle sessions expire lazily: an expired session found
// by any accessor is dropped on the spot rather than by a sweeper.
//
// All public methods take and release the table lock; none of them call
// out while holding it.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*datatypes.Session

	// now is injectable for tests.
	now func() time.Time
}

// NewManager builds a session manager. Zero-valued config fields fall back
// to the defaults.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = def.IdleExpiry
	}
	if cfg.ViolationThreshold <= 0 {
		cfg.ViolationThreshold = def.ViolationThreshold
	}
	if cfg.EvictFraction <= 0 || cfg.EvictFraction > 1 {
		cfg.EvictFraction = def.EvictFraction
	}
	if cfg.MaxAccumulatedRunes <= 0 {
		cfg.MaxAccumulatedRunes = def.MaxAccumulatedRunes
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*datatypes.Session),
		now:      time.Now,
	}
}

// newSessionID derives a fresh id from the opening complaint.
func (m *Manager) newSessionID(question string, now time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s%d%s", question, now.UnixNano(), uuid.NewString())))
	return "sess_" + hex.EncodeToString(sum[:])[:16]
}

// GetOrCreate returns the session for id, creating one when id is empty or
// unknown. An expired session under the same id is replaced by a fresh one.
// The second return reports whether a new session was created.
func (m *Manager) GetOrCreate(id, question string) (datatypes.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if id != "" {
		if s, ok := m.sessions[id]; ok {
			if now.Sub(s.LastActive) <= m.cfg.IdleExpiry {
				s.LastActive = now
				return *s, false
			}
			delete(m.sessions, id)
			slog.Info("Expired session replaced", "session", id)
		}
	}

	if len(m.sessions) >= m.cfg.MaxSessions {
		m.evictLocked(now)
	}

	s := &datatypes.Session{
		SessionID:        id,
		CreatedAt:        now,
		LastActive:       now,
		InitialQuestion:  question,
		AccumulatedInput: question,
	}
	if s.SessionID == "" {
		s.SessionID = m.newSessionID(question, now)
	}
	m.sessions[s.SessionID] = s
	return *s, true
}

// Accumulate appends a follow-up complaint onto the session's input and
// returns the combined text. Unknown ids return false. The accumulated
// text is append-only up to MaxAccumulatedRunes; past the cap the tail is
// cut hard so a chatty dialog cannot grow retrieval queries without bound.
func (m *Manager) Accumulate(id, question string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.liveLocked(id)
	if !ok {
		return "", false
	}
	if strings.TrimSpace(question) != "" {
		if s.AccumulatedInput == "" {
			s.AccumulatedInput = question
		} else {
			s.AccumulatedInput += " " + question
		}
		if runes := []rune(s.AccumulatedInput); len(runes) > m.cfg.MaxAccumulatedRunes {
			s.AccumulatedInput = string(runes[:m.cfg.MaxAccumulatedRunes])
		}
	}
	s.LastActive = m.now()
	return s.AccumulatedInput, true
}

// RecordRound appends one completed round to the session history and bumps
// the round counter by exactly one.
func (m *Manager) RecordRound(id string, summary datatypes.RoundSummary) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.liveLocked(id)
	if !ok {
		return false
	}
	now := m.now()
	s.RoundCount++
	summary.Round = s.RoundCount
	if summary.Timestamp.IsZero() {
		summary.Timestamp = now
	}
	s.Rounds = append(s.Rounds, summary)
	s.CoverageHistory = append(s.CoverageHistory, summary.Coverage)
	// RoundCount keeps the true total; only the retained history is capped.
	if len(s.Rounds) > m.cfg.MaxHistory {
		s.Rounds = s.Rounds[len(s.Rounds)-m.cfg.MaxHistory:]
	}
	if len(s.CoverageHistory) > m.cfg.MaxHistory {
		s.CoverageHistory = s.CoverageHistory[len(s.CoverageHistory)-m.cfg.MaxHistory:]
	}
	if summary.Pattern != "" {
		s.LastPattern = summary.Pattern
	}
	s.LastActive = now
	return true
}

// SetAnchor remembers the case the last diagnosis was anchored on, for
// cross-round continuity.
func (m *Manager) SetAnchor(id, caseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.liveLocked(id); ok {
		s.LastAnchorCaseID = caseID
	}
}

// RecordViolation bumps the session's violation count and returns the new
// flags. Crossing the threshold marks the session suspicious.
func (m *Manager) RecordViolation(id string) (datatypes.SecurityFlags, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.liveLocked(id)
	if !ok {
		return datatypes.SecurityFlags{}, false
	}
	s.Flags.ViolationCount++
	s.Flags.LastViolation = m.now()
	if s.Flags.ViolationCount >= m.cfg.ViolationThreshold && !s.Flags.Suspicious {
		s.Flags.Suspicious = true
		slog.Warn("Session marked suspicious",
			"session", id, "violations", s.Flags.ViolationCount)
	}
	return s.Flags, true
}

// Suspicious reports whether the session is refused service.
func (m *Manager) Suspicious(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.liveLocked(id)
	return ok && s.Flags.Suspicious
}

// Get returns a snapshot of the session, if it is live.
func (m *Manager) Get(id string) (datatypes.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.liveLocked(id)
	if !ok {
		return datatypes.Session{}, false
	}
	return *s, true
}

// Reset deletes one session. Returns false for unknown ids.
func (m *Manager) Reset(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// ResetAll clears the table and reports how many sessions were dropped.
func (m *Manager) ResetAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions)
	m.sessions = make(map[string]*datatypes.Session)
	return n
}

// liveLocked fetches a session, dropping it if idle-expired.
func (m *Manager) liveLocked(id string) (*datatypes.Session, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if m.now().Sub(s.LastActive) > m.cfg.IdleExpiry {
		delete(m.sessions, id)
		return nil, false
	}
	return s, true
}

// evictLocked drops idle-expired sessions, then the oldest EvictFraction
// of what remains if the table is still full.
func (m *Manager) evictLocked(now time.Time) {
	for id, s := range m.sessions {
		if now.Sub(s.LastActive) > m.cfg.IdleExpiry {
			delete(m.sessions, id)
		}
	}
	if len(m.sessions) < m.cfg.MaxSessions {
		return
	}

	type entry struct {
		id   string
		last time.Time
	}
	entries := make([]entry, 0, len(m.sessions))
	for id, s := range m.sessions {
		entries = append(entries, entry{id, s.LastActive})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].last.Before(entries[j].last)
	})

	drop := int(float64(len(entries)) * m.cfg.EvictFraction)
	if drop < 1 {
		drop = 1
	}
	for _, e := range entries[:drop] {
		delete(m.sessions, e.id)
	}
	slog.Info("Session table overflow, evicted oldest entries", "evicted", drop)
}

// =============================================================================
// Statistics
// =============================================================================

// Stats is a point-in-time snapshot for the stats endpoint.
type Stats struct {
	ActiveSessions     int `json:"active_sessions"`
	SuspiciousSessions int `json:"suspicious_sessions"`
	TotalRounds        int `json:"total_rounds"`
	ConvergedSessions  int `json:"converged_sessions"`
}

// Statistics reports current table occupancy. Expired sessions still in
// the table are not counted.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var st Stats
	for _, s := range m.sessions {
		if now.Sub(s.LastActive) > m.cfg.IdleExpiry {
			continue
		}
		st.ActiveSessions++
		st.TotalRounds += s.RoundCount
		if s.Flags.Suspicious {
			st.SuspiciousSessions++
		}
		if s.Converged() {
			st.ConvergedSessions++
		}
	}
	return st
}
