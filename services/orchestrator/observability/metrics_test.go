// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a PipelineMetrics instance with a custom registry.
// This avoids conflicts with the global Prometheus registry and allows
// parallel testing.
func newTestMetrics(t *testing.T) *PipelineMetrics {
	t.Helper()

	reg := prometheus.NewRegistry()

	roundsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "rounds_total",
			Help:      "Total diagnostic rounds by outcome",
		},
		[]string{"outcome"},
	)

	rejectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "rejections_total",
			Help:      "Total refused rounds by rejection code",
		},
		[]string{"code"},
	)

	stageDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_duration_seconds",
			Help:      "Per-stage processing latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"stage"},
	)

	retrievalQuality := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "retrieval_quality",
			Help:      "Final retrieval quality grade per round",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.65, 0.8, 0.9, 1.0},
		},
	)

	retrievalFallbacksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "retrieval_fallbacks_total",
			Help:      "Total retrieval fallback passes by reason",
		},
		[]string{"reason"},
	)

	convergenceRound := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "convergence_round",
			Help:      "Round number at which dialogs converge",
			Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
		},
	)

	activeRounds := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: pipelineSubsystem,
			Name:      "active_rounds",
			Help:      "Rounds currently being processed",
		},
	)

	securityEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "security",
			Name:      "events_total",
			Help:      "Total security events by kind",
		},
		[]string{"kind"},
	)

	// Register all metrics with the test registry
	reg.MustRegister(
		roundsTotal,
		rejectionsTotal,
		stageDurationSeconds,
		retrievalQuality,
		retrievalFallbacksTotal,
		convergenceRound,
		activeRounds,
		securityEventsTotal,
	)

	return &PipelineMetrics{
		RoundsTotal:             roundsTotal,
		RejectionsTotal:         rejectionsTotal,
		StageDurationSeconds:    stageDurationSeconds,
		RetrievalQuality:        retrievalQuality,
		RetrievalFallbacksTotal: retrievalFallbacksTotal,
		ConvergenceRound:        convergenceRound,
		ActiveRounds:            activeRounds,
		SecurityEventsTotal:     securityEventsTotal,
	}
}

// ============================================================================
// InitMetrics Tests
// ============================================================================

// Note: InitMetrics uses promauto which registers with the default Prometheus
// registry. This test must only run once per test binary execution since
// duplicate registration will panic.
var initMetricsTestOnce bool

func TestInitMetrics(t *testing.T) {
	if initMetricsTestOnce {
		t.Skip("InitMetrics can only be called once per test run (promauto restriction)")
	}
	initMetricsTestOnce = true

	result := InitMetrics()

	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}
	if DefaultMetrics == nil {
		t.Fatal("DefaultMetrics should be set after InitMetrics()")
	}
	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}

	// Verify all fields are set
	if result.RoundsTotal == nil {
		t.Error("RoundsTotal should not be nil")
	}
	if result.RejectionsTotal == nil {
		t.Error("RejectionsTotal should not be nil")
	}
	if result.StageDurationSeconds == nil {
		t.Error("StageDurationSeconds should not be nil")
	}
	if result.RetrievalQuality == nil {
		t.Error("RetrievalQuality should not be nil")
	}
	if result.RetrievalFallbacksTotal == nil {
		t.Error("RetrievalFallbacksTotal should not be nil")
	}
	if result.ConvergenceRound == nil {
		t.Error("ConvergenceRound should not be nil")
	}
	if result.ActiveRounds == nil {
		t.Error("ActiveRounds should not be nil")
	}
	if result.SecurityEventsTotal == nil {
		t.Error("SecurityEventsTotal should not be nil")
	}

	// Verify metrics can be used
	result.RecordRound(OutcomeConverged)
	result.RecordRejection("rate_limited")
	result.RecordStageDuration("gate", 0.2)
	result.RecordRetrieval(0.7, "")
	result.RecordConvergence(2)
	result.RoundStarted()
	result.RoundEnded()
	result.RecordSecurityEvent("input_blocked")
}

// ============================================================================
// Constants Tests
// ============================================================================

func TestConstants(t *testing.T) {
	if metricsNamespace != "meridian" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "meridian")
	}
	if pipelineSubsystem != "pipeline" {
		t.Errorf("pipelineSubsystem = %q, want %q", pipelineSubsystem, "pipeline")
	}
}

func TestOutcomeConstants(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeConverged, "converged"},
		{OutcomeContinued, "continued"},
		{OutcomeForced, "forced"},
		{OutcomeRejected, "rejected"},
		{OutcomeFailed, "failed"},
	}

	for _, tt := range tests {
		if string(tt.outcome) != tt.want {
			t.Errorf("Outcome = %q, want %q", tt.outcome, tt.want)
		}
	}
}

// ============================================================================
// RecordRound Tests
// ============================================================================

func TestPipelineMetrics_RecordRound(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRound(OutcomeConverged)
	m.RecordRound(OutcomeConverged)
	m.RecordRound(OutcomeContinued)
	m.RecordRound(OutcomeForced)

	convergedVal := testutil.ToFloat64(m.RoundsTotal.WithLabelValues("converged"))
	if convergedVal != 2 {
		t.Errorf("RoundsTotal[converged] = %f, want 2", convergedVal)
	}

	continuedVal := testutil.ToFloat64(m.RoundsTotal.WithLabelValues("continued"))
	if continuedVal != 1 {
		t.Errorf("RoundsTotal[continued] = %f, want 1", continuedVal)
	}

	forcedVal := testutil.ToFloat64(m.RoundsTotal.WithLabelValues("forced"))
	if forcedVal != 1 {
		t.Errorf("RoundsTotal[forced] = %f, want 1", forcedVal)
	}
}

// ============================================================================
// RecordRejection Tests
// ============================================================================

func TestPipelineMetrics_RecordRejection(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRejection("rate_limited")
	m.RecordRejection("rate_limited")
	m.RecordRejection("input_blocked")

	rateVal := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("rate_limited"))
	if rateVal != 2 {
		t.Errorf("RejectionsTotal[rate_limited] = %f, want 2", rateVal)
	}

	blockedVal := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("input_blocked"))
	if blockedVal != 1 {
		t.Errorf("RejectionsTotal[input_blocked] = %f, want 1", blockedVal)
	}
}

func TestPipelineMetrics_RecordRejection_CountsRejectedRound(t *testing.T) {
	m := newTestMetrics(t)

	// Every rejection also shows up as a rejected round outcome.
	m.RecordRejection("session_suspended")

	roundsVal := testutil.ToFloat64(m.RoundsTotal.WithLabelValues("rejected"))
	if roundsVal != 1 {
		t.Errorf("RoundsTotal[rejected] = %f, want 1", roundsVal)
	}
}

// ============================================================================
// RecordStageDuration Tests
// ============================================================================

func TestPipelineMetrics_RecordStageDuration(t *testing.T) {
	m := newTestMetrics(t)

	// Record values in different buckets: 0.05 ... 30.0
	m.RecordStageDuration("gate", 0.02)
	m.RecordStageDuration("retrieval", 0.3)
	m.RecordStageDuration("synthesis", 4.0)
	m.RecordStageDuration("review", 0.08)
	m.RecordStageDuration("presentation", 0.01)

	count := testutil.CollectAndCount(m.StageDurationSeconds)
	if count == 0 {
		t.Error("Expected at least one metric to be collected")
	}
}

// ============================================================================
// RecordRetrieval Tests
// ============================================================================

func TestPipelineMetrics_RecordRetrieval_NoFallback(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRetrieval(0.82, "")

	count := testutil.CollectAndCount(m.RetrievalQuality)
	if count == 0 {
		t.Error("Expected the quality histogram to be collected")
	}

	// Empty reason must not create a fallback series.
	fallbackCount := testutil.CollectAndCount(m.RetrievalFallbacksTotal)
	if fallbackCount != 0 {
		t.Errorf("RetrievalFallbacksTotal series = %d, want 0", fallbackCount)
	}
}

func TestPipelineMetrics_RecordRetrieval_WithFallback(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRetrieval(0.4, "vector_focus")
	m.RecordRetrieval(0.3, "vector_focus")
	m.RecordRetrieval(0.2, "rescue")

	vectorVal := testutil.ToFloat64(m.RetrievalFallbacksTotal.WithLabelValues("vector_focus"))
	if vectorVal != 2 {
		t.Errorf("RetrievalFallbacksTotal[vector_focus] = %f, want 2", vectorVal)
	}

	rescueVal := testutil.ToFloat64(m.RetrievalFallbacksTotal.WithLabelValues("rescue"))
	if rescueVal != 1 {
		t.Errorf("RetrievalFallbacksTotal[rescue] = %f, want 1", rescueVal)
	}
}

// ============================================================================
// RecordConvergence Tests
// ============================================================================

func TestPipelineMetrics_RecordConvergence(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordConvergence(1)
	m.RecordConvergence(3)
	m.RecordConvergence(10)

	count := testutil.CollectAndCount(m.ConvergenceRound)
	if count == 0 {
		t.Error("Expected the convergence histogram to be collected")
	}
}

// ============================================================================
// RoundStarted/RoundEnded Tests
// ============================================================================

func TestPipelineMetrics_RoundLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.RoundStarted()
	m.RoundStarted()
	m.RoundStarted()

	val := testutil.ToFloat64(m.ActiveRounds)
	if val != 3 {
		t.Errorf("After 3 starts: ActiveRounds = %f, want 3", val)
	}

	m.RoundEnded()

	val = testutil.ToFloat64(m.ActiveRounds)
	if val != 2 {
		t.Errorf("After 1 end: ActiveRounds = %f, want 2", val)
	}

	m.RoundEnded()
	m.RoundEnded()

	val = testutil.ToFloat64(m.ActiveRounds)
	if val != 0 {
		t.Errorf("After all ends: ActiveRounds = %f, want 0", val)
	}
}

// ============================================================================
// RecordSecurityEvent Tests
// ============================================================================

func TestPipelineMetrics_RecordSecurityEvent(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSecurityEvent("input_blocked")
	m.RecordSecurityEvent("input_blocked")
	m.RecordSecurityEvent("session_suspended")

	blockedVal := testutil.ToFloat64(m.SecurityEventsTotal.WithLabelValues("input_blocked"))
	if blockedVal != 2 {
		t.Errorf("SecurityEventsTotal[input_blocked] = %f, want 2", blockedVal)
	}

	suspendedVal := testutil.ToFloat64(m.SecurityEventsTotal.WithLabelValues("session_suspended"))
	if suspendedVal != 1 {
		t.Errorf("SecurityEventsTotal[session_suspended] = %f, want 1", suspendedVal)
	}
}

// ============================================================================
// Integration / Scenario Tests
// ============================================================================

func TestPipelineMetrics_CompleteRoundScenario(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate a complete round that converges after a fallback pass.
	m.RoundStarted()
	m.RecordStageDuration("gate", 0.1)
	m.RecordStageDuration("retrieval", 0.4)
	m.RecordRetrieval(0.55, "expand")
	m.RecordStageDuration("synthesis", 3.0)
	m.RecordStageDuration("review", 0.05)
	m.RecordConvergence(2)
	m.RecordRound(OutcomeConverged)
	m.RoundEnded()

	activeVal := testutil.ToFloat64(m.ActiveRounds)
	if activeVal != 0 {
		t.Errorf("ActiveRounds should be 0 after round ended, got %f", activeVal)
	}

	roundsVal := testutil.ToFloat64(m.RoundsTotal.WithLabelValues("converged"))
	if roundsVal != 1 {
		t.Errorf("RoundsTotal[converged] should be 1, got %f", roundsVal)
	}

	expandVal := testutil.ToFloat64(m.RetrievalFallbacksTotal.WithLabelValues("expand"))
	if expandVal != 1 {
		t.Errorf("RetrievalFallbacksTotal[expand] should be 1, got %f", expandVal)
	}
}

func TestPipelineMetrics_BlockedRoundScenario(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate a round refused by the input screen.
	m.RoundStarted()
	m.RecordSecurityEvent("input_blocked")
	m.RecordRejection("input_blocked")
	m.RoundEnded()

	activeVal := testutil.ToFloat64(m.ActiveRounds)
	if activeVal != 0 {
		t.Errorf("ActiveRounds should be 0 after round ended, got %f", activeVal)
	}

	rejectionVal := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("input_blocked"))
	if rejectionVal != 1 {
		t.Errorf("RejectionsTotal[input_blocked] should be 1, got %f", rejectionVal)
	}

	roundsVal := testutil.ToFloat64(m.RoundsTotal.WithLabelValues("rejected"))
	if roundsVal != 1 {
		t.Errorf("RoundsTotal[rejected] should be 1, got %f", roundsVal)
	}
}

// ============================================================================
// Concurrent Safety Tests
// ============================================================================

func TestPipelineMetrics_ConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 100)

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRound(OutcomeContinued)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRejection("rate_limited")
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordSecurityEvent("rate_limited")
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RoundStarted()
			m.RoundEnded()
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordStageDuration("gate", 0.2)
			m.RecordRetrieval(0.5, "keyword_focus")
			m.RecordConvergence(3)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}

	continuedVal := testutil.ToFloat64(m.RoundsTotal.WithLabelValues("continued"))
	if continuedVal != 20 {
		t.Errorf("RoundsTotal[continued] = %f, want 20", continuedVal)
	}

	rejectionVal := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("rate_limited"))
	if rejectionVal != 20 {
		t.Errorf("RejectionsTotal[rate_limited] = %f, want 20", rejectionVal)
	}

	eventsVal := testutil.ToFloat64(m.SecurityEventsTotal.WithLabelValues("rate_limited"))
	if eventsVal != 20 {
		t.Errorf("SecurityEventsTotal[rate_limited] = %f, want 20", eventsVal)
	}
}
