// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(cfg LimiterConfig) (*RateLimiter, *fakeClock) {
	rl := NewRateLimiter(cfg)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_CallerWindow(t *testing.T) {
	rl, clock := newTestLimiter(LimiterConfig{})

	// The full caller budget inside one window is admitted.
	for i := 0; i < 10; i++ {
		d := rl.Admit("10.0.0.1", "")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		rl.Release()
		clock.Advance(time.Second)
	}

	// The 11th inside the same window is refused until the window slides,
	// not blocked. The oldest stamp is 10s old, so 50s remain.
	d := rl.Admit("10.0.0.1", "")
	assert.False(t, d.Allowed)
	assert.Equal(t, "caller_window", d.Reason)
	assert.Equal(t, 50*time.Second, d.RetryAfter)

	// A different caller is unaffected.
	other := rl.Admit("10.0.0.2", "")
	assert.True(t, other.Allowed)
	rl.Release()
}

func TestRateLimiter_WindowSlideRestoresBudget(t *testing.T) {
	rl, clock := newTestLimiter(LimiterConfig{})

	for i := 0; i < 10; i++ {
		require.True(t, rl.Admit("10.0.0.1", "").Allowed)
		rl.Release()
	}
	require.False(t, rl.Admit("10.0.0.1", "").Allowed)

	// One over-cap attempt is not an offense. Once the window slides the
	// caller's budget is restored in full.
	clock.Advance(61 * time.Second)
	d := rl.Admit("10.0.0.1", "")
	assert.True(t, d.Allowed)
	rl.Release()
}

func TestRateLimiter_SpreadRequestsAllowed(t *testing.T) {
	rl, clock := newTestLimiter(LimiterConfig{})

	// 11 requests spread across 61+ seconds never trip the window.
	for i := 0; i < 11; i++ {
		d := rl.Admit("10.0.0.1", "")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		rl.Release()
		clock.Advance(6100 * time.Millisecond)
	}
}

func TestRateLimiter_SessionWindow(t *testing.T) {
	rl, clock := newTestLimiter(LimiterConfig{CallerLimit: 1000})

	for i := 0; i < 50; i++ {
		d := rl.Admit("10.0.0.1", "sess_a")
		require.True(t, d.Allowed)
		rl.Release()
		clock.Advance(time.Second)
	}

	d := rl.Admit("10.0.0.1", "sess_a")
	assert.False(t, d.Allowed)
	assert.Equal(t, "session_window", d.Reason)

	// A single over-cap round is a window denial, not a block; the same
	// caller can open a different session immediately.
	d = rl.Admit("10.0.0.1", "sess_b")
	assert.True(t, d.Allowed)
	rl.Release()

	// The exhausted session recovers once its window slides.
	clock.Advance(61 * time.Minute)
	d = rl.Admit("10.0.0.1", "sess_a")
	assert.True(t, d.Allowed)
	rl.Release()
}

func TestRateLimiter_BlockEscalation(t *testing.T) {
	rl, clock := newTestLimiter(LimiterConfig{CallerLimit: 1})

	ok := rl.Admit("10.0.0.1", "")
	require.True(t, ok.Allowed)
	rl.Release()

	// The first over-cap attempt is a plain window denial.
	first := rl.Admit("10.0.0.1", "")
	require.False(t, first.Allowed)
	assert.Equal(t, time.Minute, first.RetryAfter)

	// Hammering past 1.5x the cap starts a timed block.
	blocked := rl.Admit("10.0.0.1", "")
	require.False(t, blocked.Allowed)
	assert.Equal(t, 10*time.Minute, blocked.RetryAfter)

	// A repeat offense after the block lapses escalates by 1.5x.
	clock.Advance(blocked.RetryAfter + time.Minute)
	ok = rl.Admit("10.0.0.1", "")
	require.True(t, ok.Allowed)
	rl.Release()

	require.False(t, rl.Admit("10.0.0.1", "").Allowed)
	second := rl.Admit("10.0.0.1", "")
	require.False(t, second.Allowed)
	assert.Equal(t, 15*time.Minute, second.RetryAfter)
}

func TestRateLimiter_BlockedCallerRefusedOutright(t *testing.T) {
	rl, clock := newTestLimiter(LimiterConfig{CallerLimit: 1})

	require.True(t, rl.Admit("10.0.0.1", "").Allowed)
	rl.Release()
	require.False(t, rl.Admit("10.0.0.1", "").Allowed)
	require.False(t, rl.Admit("10.0.0.1", "").Allowed)

	// While the block is live, even a fresh window does not help.
	clock.Advance(2 * time.Minute)
	d := rl.Admit("10.0.0.1", "")
	assert.False(t, d.Allowed)
	assert.Equal(t, "blocked", d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestRateLimiter_ConcurrencyCeiling(t *testing.T) {
	rl, _ := newTestLimiter(LimiterConfig{MaxConcurrent: 2, CallerLimit: 1000})

	require.True(t, rl.Admit("a", "").Allowed)
	require.True(t, rl.Admit("b", "").Allowed)

	d := rl.Admit("c", "")
	assert.False(t, d.Allowed)
	assert.Equal(t, "concurrency", d.Reason)

	rl.Release()
	assert.True(t, rl.Admit("c", "").Allowed)
}

func TestRateLimiter_LazySweep(t *testing.T) {
	rl, clock := newTestLimiter(LimiterConfig{SweepEvery: 5, CallerLimit: 1000})

	for i := 0; i < 3; i++ {
		require.True(t, rl.Admit("old", "sess_old").Allowed)
		rl.Release()
	}
	clock.Advance(2 * time.Hour)

	// Enough admissions from a new caller trigger the sweep.
	for i := 0; i < 6; i++ {
		require.True(t, rl.Admit("new", "").Allowed)
		rl.Release()
	}

	stats := rl.Stats()
	assert.Equal(t, 1, stats.ActiveCallers, "stale caller state should be purged")
	assert.Equal(t, 0, stats.ActiveSessions, "stale session state should be purged")
}

func TestRateLimiter_Stats(t *testing.T) {
	rl, _ := newTestLimiter(LimiterConfig{CallerLimit: 1})

	require.True(t, rl.Admit("a", "sess_1").Allowed)
	require.False(t, rl.Admit("a", "sess_1").Allowed)
	require.False(t, rl.Admit("a", "sess_1").Allowed)

	stats := rl.Stats()
	assert.Equal(t, 1, stats.ActiveCallers)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.BlockedCallers)
	assert.Equal(t, 1, stats.InFlight)
}
