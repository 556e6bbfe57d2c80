// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the diagnostic
// pipeline. Metrics include:
//   - Round counters (by outcome and rejection code)
//   - Per-stage latency histograms
//   - Retrieval quality and fallback tracking
//   - Security-chain counters (blocked input, rate limits, suspensions)
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "meridian"

// Subsystem for diagnostic pipeline metrics
const pipelineSubsystem = "pipeline"

// PipelineMetrics holds all Prometheus metrics for diagnostic rounds.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring pipeline
// throughput, stage latency, and security outcomes. Initialize once at
// startup via InitMetrics().
//
// # Fields
//
//   - RoundsTotal: Counter of rounds by outcome
//   - RejectionsTotal: Counter of refused rounds by code
//   - StageDurationSeconds: Histogram of per-stage latency
//   - RetrievalQuality: Histogram of final retrieval grades
//   - RetrievalFallbacksTotal: Counter of fallback passes by reason
//   - ConvergenceRound: Histogram of the round at which dialogs converge
//   - ActiveRounds: Gauge of rounds currently in flight
//   - SecurityEventsTotal: Counter of security events by kind
//
// # Thread Safety
//
// All operations are thread-safe.
type PipelineMetrics struct {
	// RoundsTotal counts completed rounds by outcome.
	// Labels: outcome (converged, continued, forced, rejected, failed)
	RoundsTotal *prometheus.CounterVec

	// RejectionsTotal counts refused rounds by rejection code.
	// Labels: code (rate_limited, input_blocked, session_suspended, ...)
	RejectionsTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage latency.
	// Labels: stage (gate, retrieval, synthesis, review, presentation)
	StageDurationSeconds *prometheus.HistogramVec

	// RetrievalQuality observes the final quality grade of each round.
	RetrievalQuality prometheus.Histogram

	// RetrievalFallbacksTotal counts fallback passes by reason.
	// Labels: reason (keyword_focus, vector_focus, expand, rescue)
	RetrievalFallbacksTotal *prometheus.CounterVec

	// ConvergenceRound observes the round number at which dialogs converge.
	ConvergenceRound prometheus.Histogram

	// ActiveRounds tracks rounds currently being processed.
	ActiveRounds prometheus.Gauge

	// SecurityEventsTotal counts security events by kind.
	// Labels: kind (rate_limited, input_blocked, input_suspicious, ...)
	SecurityEventsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup, after Prometheus registry is available.
//
// # Outputs
//
//   - *PipelineMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
//
// # Assumptions
//
//   - Prometheus default registry is available.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = NewPipelineMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewPipelineMetrics builds a metrics instance on the given registerer.
// Tests pass their own registry; production goes through InitMetrics.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		RoundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "rounds_total",
				Help:      "Total diagnostic rounds by outcome",
			},
			[]string{"outcome"},
		),

		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "rejections_total",
				Help:      "Total refused rounds by rejection code",
			},
			[]string{"code"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Per-stage processing latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"stage"},
		),

		RetrievalQuality: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "retrieval_quality",
				Help:      "Final retrieval quality grade per round",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.65, 0.8, 0.9, 1.0},
			},
		),

		RetrievalFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "retrieval_fallbacks_total",
				Help:      "Total retrieval fallback passes by reason",
			},
			[]string{"reason"},
		),

		ConvergenceRound: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "convergence_round",
				Help:      "Round number at which dialogs converge",
				Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
			},
		),

		ActiveRounds: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "active_rounds",
				Help:      "Rounds currently being processed",
			},
		),

		SecurityEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "security",
				Name:      "events_total",
				Help:      "Total security events by kind",
			},
			[]string{"kind"},
		),
	}
}

// =============================================================================
// Round Outcomes
// =============================================================================

// Outcome categorizes a finished round for metrics labeling.
type Outcome string

const (
	// OutcomeConverged means the round reached convergence on its merits.
	OutcomeConverged Outcome = "converged"

	// OutcomeContinued means the dialog stays open for another round.
	OutcomeContinued Outcome = "continued"

	// OutcomeForced means the round ceiling forced convergence.
	OutcomeForced Outcome = "forced"

	// OutcomeRejected means a policy check refused the round.
	OutcomeRejected Outcome = "rejected"

	// OutcomeFailed means an upstream fault ended the round.
	OutcomeFailed Outcome = "failed"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRound records a finished round.
func (m *PipelineMetrics) RecordRound(outcome Outcome) {
	m.RoundsTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordRejection records a refused round by its rejection code.
func (m *PipelineMetrics) RecordRejection(code string) {
	m.RejectionsTotal.WithLabelValues(code).Inc()
	m.RoundsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
}

// RecordStageDuration records one stage's latency.
func (m *PipelineMetrics) RecordStageDuration(stage string, seconds float64) {
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordRetrieval records the retrieval outcome of a round.
func (m *PipelineMetrics) RecordRetrieval(quality float64, fallbackReason string) {
	m.RetrievalQuality.Observe(quality)
	if fallbackReason != "" {
		m.RetrievalFallbacksTotal.WithLabelValues(fallbackReason).Inc()
	}
}

// RecordConvergence records the round at which a dialog converged.
func (m *PipelineMetrics) RecordConvergence(round int) {
	m.ConvergenceRound.Observe(float64(round))
}

// RoundStarted increments the in-flight gauge.
func (m *PipelineMetrics) RoundStarted() {
	m.ActiveRounds.Inc()
}

// RoundEnded decrements the in-flight gauge.
func (m *PipelineMetrics) RoundEnded() {
	m.ActiveRounds.Dec()
}

// RecordSecurityEvent counts one security event by kind.
func (m *PipelineMetrics) RecordSecurityEvent(kind string) {
	m.SecurityEventsTotal.WithLabelValues(kind).Inc()
}
