// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package security implements the layered request screening chain: rate
// limiting, input sanitization, and output validation. Every layer returns
// a decision value rather than an error; a refused request is a normal
// outcome, not a failure.
package security

import (
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// LimiterConfig holds the tunable thresholds for the rate limiter.
type LimiterConfig struct {
	// CallerLimit is the number of requests one caller (usually one client
	// IP) may make inside CallerWindow.
	CallerLimit  int
	CallerWindow time.Duration

	// SessionLimit is the number of rounds one session may run inside
	// SessionWindow, independent of which caller submits them.
	SessionLimit  int
	SessionWindow time.Duration

	// MaxConcurrent bounds in-flight requests across all callers.
	MaxConcurrent int

	// BlockThreshold is the multiple of a window cap at which denials
	// escalate into a timed block. Below it an over-cap request is only
	// refused for the remainder of the window.
	BlockThreshold float64

	// BlockDuration is how long a caller is blocked after crossing
	// BlockThreshold. Each repeat offense multiplies the block by
	// BlockEscalation.
	BlockDuration   time.Duration
	BlockEscalation float64

	// SweepEvery is the number of admissions between lazy purges of stale
	// window and block state.
	SweepEvery int
}

// DefaultLimiterConfig returns the production thresholds.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		CallerLimit:     10,
		CallerWindow:    time.Minute,
		SessionLimit:    50,
		SessionWindow:   time.Hour,
		MaxConcurrent:   100,
		BlockThreshold:  1.5,
		BlockDuration:   10 * time.Minute,
		BlockEscalation: 1.5,
		SweepEvery:      100,
	}
}

// =============================================================================
// Decision Type
// =============================================================================

// Decision is the rate limiter's answer for one request. Reason values:
// "caller_window", "session_window", "concurrency", "blocked".
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// allow is the shared affirmative decision.
var allow = Decision{Allowed: true}

// =============================================================================
// Rate Limiter
// =============================================================================

type slidingWindow struct {
	stamps []time.Time
}

// prune drops stamps older than the window and reports the surviving count.
func (w *slidingWindow) prune(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept
	return len(kept)
}

type blockState struct {
	until   time.Time
	strikes int
}

// RateLimiter enforces per-caller and per-session sliding windows plus a
// global concurrency ceiling.
//
// # Description
//
// A request is screened in fixed order: active block, concurrency ceiling,
// caller window, session window. The first check that fails decides the
// outcome. An over-cap request is refused only until the window slides; a
// caller that keeps hammering past BlockThreshold times the cap is placed
// under a timed block whose duration escalates geometrically with repeat
// offenses.
//
// State for idle callers and expired blocks is purged lazily every
// SweepEvery admissions rather than by a background goroutine, so an idle
// limiter costs nothing.
//
// # Limitations
//
//   - State is process-local. Horizontal replicas each enforce their own
//     windows; put a shared limiter in front if that matters.
type RateLimiter struct {
	mu       sync.Mutex
	cfg      LimiterConfig
	callers  map[string]*slidingWindow
	sessions map[string]*slidingWindow
	blocks   map[string]*blockState
	inFlight int
	admits   int

	// now is injectable for tests.
	now func() time.Time
}

// NewRateLimiter builds a limiter with the given thresholds. Zero-valued
// fields fall back to the defaults.
func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	def := DefaultLimiterConfig()
	if cfg.CallerLimit <= 0 {
		cfg.CallerLimit = def.CallerLimit
	}
	if cfg.CallerWindow <= 0 {
		cfg.CallerWindow = def.CallerWindow
	}
	if cfg.SessionLimit <= 0 {
		cfg.SessionLimit = def.SessionLimit
	}
	if cfg.SessionWindow <= 0 {
		cfg.SessionWindow = def.SessionWindow
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.BlockThreshold <= 1 {
		cfg.BlockThreshold = def.BlockThreshold
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.BlockEscalation <= 1 {
		cfg.BlockEscalation = def.BlockEscalation
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = def.SweepEvery
	}
	return &RateLimiter{
		cfg:      cfg,
		callers:  make(map[string]*slidingWindow),
		sessions: make(map[string]*slidingWindow),
		blocks:   make(map[string]*blockState),
		now:      time.Now,
	}
}

// Admit screens one request. When the decision is affirmative the caller
// holds one concurrency slot and must call Release exactly once after the
// request finishes. sessionID may be empty for session-less requests.
func (rl *RateLimiter) Admit(callerID, sessionID string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.admits++
	if rl.admits >= rl.cfg.SweepEvery {
		rl.sweepLocked(now)
		rl.admits = 0
	}

	if block, ok := rl.blocks[callerID]; ok && now.Before(block.until) {
		return Decision{Reason: "blocked", RetryAfter: block.until.Sub(now)}
	}

	if rl.inFlight >= rl.cfg.MaxConcurrent {
		return Decision{Reason: "concurrency", RetryAfter: time.Second}
	}

	cw := rl.callers[callerID]
	if cw == nil {
		cw = &slidingWindow{}
		rl.callers[callerID] = cw
	}
	if count := cw.prune(now, rl.cfg.CallerWindow); count >= rl.cfg.CallerLimit {
		// Denied attempts still count toward the window so sustained
		// hammering eventually crosses the block threshold.
		cw.stamps = append(cw.stamps, now)
		if rl.pastBlockThreshold(count, rl.cfg.CallerLimit) {
			retry := rl.blockLocked(callerID, now)
			slog.Warn("Caller hammering past the request window",
				"caller", callerID, "blocked_for", retry)
			return Decision{Reason: "caller_window", RetryAfter: retry}
		}
		return Decision{Reason: "caller_window",
			RetryAfter: windowRetry(cw.stamps, now, rl.cfg.CallerWindow)}
	}

	if sessionID != "" {
		sw := rl.sessions[sessionID]
		if sw == nil {
			sw = &slidingWindow{}
			rl.sessions[sessionID] = sw
		}
		if count := sw.prune(now, rl.cfg.SessionWindow); count >= rl.cfg.SessionLimit {
			sw.stamps = append(sw.stamps, now)
			if rl.pastBlockThreshold(count, rl.cfg.SessionLimit) {
				retry := rl.blockLocked(callerID, now)
				slog.Warn("Session hammering past the round window",
					"session", sessionID, "caller", callerID, "blocked_for", retry)
				return Decision{Reason: "session_window", RetryAfter: retry}
			}
			return Decision{Reason: "session_window",
				RetryAfter: windowRetry(sw.stamps, now, rl.cfg.SessionWindow)}
		}
		sw.stamps = append(sw.stamps, now)
	}

	cw.stamps = append(cw.stamps, now)
	rl.inFlight++
	return allow
}

// Release returns the concurrency slot taken by a successful Admit.
func (rl *RateLimiter) Release() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.inFlight > 0 {
		rl.inFlight--
	}
}

// pastBlockThreshold reports whether an attempt count has reached the
// multiple of the window cap at which a timed block starts.
func (rl *RateLimiter) pastBlockThreshold(count, limit int) bool {
	return float64(count) >= float64(limit)*rl.cfg.BlockThreshold
}

// windowRetry is how long until the oldest surviving stamp slides out of
// the window and frees one slot.
func windowRetry(stamps []time.Time, now time.Time, span time.Duration) time.Duration {
	retry := stamps[0].Add(span).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return retry
}

// blockLocked records an offense and returns the resulting block duration.
func (rl *RateLimiter) blockLocked(callerID string, now time.Time) time.Duration {
	block := rl.blocks[callerID]
	if block == nil {
		block = &blockState{}
		rl.blocks[callerID] = block
	}
	block.strikes++

	duration := rl.cfg.BlockDuration
	for i := 1; i < block.strikes; i++ {
		duration = time.Duration(float64(duration) * rl.cfg.BlockEscalation)
	}
	block.until = now.Add(duration)
	return duration
}

// sweepLocked purges empty windows and expired blocks.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	for id, w := range rl.callers {
		if w.prune(now, rl.cfg.CallerWindow) == 0 {
			delete(rl.callers, id)
		}
	}
	for id, w := range rl.sessions {
		if w.prune(now, rl.cfg.SessionWindow) == 0 {
			delete(rl.sessions, id)
		}
	}
	for id, block := range rl.blocks {
		if now.After(block.until) {
			delete(rl.blocks, id)
		}
	}
}

// =============================================================================
// Statistics
// =============================================================================

// LimiterStats is a point-in-time snapshot for the stats endpoint.
type LimiterStats struct {
	ActiveCallers  int `json:"active_callers"`
	ActiveSessions int `json:"active_sessions"`
	BlockedCallers int `json:"blocked_callers"`
	InFlight       int `json:"in_flight"`
}

// Stats reports current limiter occupancy. Expired blocks are not counted.
func (rl *RateLimiter) Stats() LimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	blocked := 0
	for _, b := range rl.blocks {
		if now.Before(b.until) {
			blocked++
		}
	}
	return LimiterStats{
		ActiveCallers:  len(rl.callers),
		ActiveSessions: len(rl.sessions),
		BlockedCallers: blocked,
		InFlight:       rl.inFlight,
	}
}
