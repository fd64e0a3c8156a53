// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the retrieval loop.
//
// # Description
//
// Metrics cover retrieval rounds, sufficiency decisions, loop outcomes, and
// loop latency. Exposed via the /metrics endpoint; use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "deepresearch"

// Subsystem for retrieval loop metrics
const loopSubsystem = "loop"

// LoopMetrics holds all Prometheus metrics for retrieval loop operations.
//
// # Fields
//
//   - RoundsTotal: Counter of retrieval rounds by phase
//   - DecisionsTotal: Counter of sufficiency decisions by evaluator and verdict
//   - LoopsTotal: Counter of finished loops by status and reason
//   - LoopDurationSeconds: Histogram of full per-sub-goal loop duration
//   - PoolChunks: Histogram of final pool sizes in distinct chunks
//   - ActiveLoops: Gauge of loops currently running
type LoopMetrics struct {
	// RoundsTotal counts retrieval rounds by phase.
	// Labels: phase (heuristic, adjudicated)
	RoundsTotal *prometheus.CounterVec

	// DecisionsTotal counts sufficiency decisions.
	// Labels: evaluator (heuristic, llm_adjudicator), decision
	DecisionsTotal *prometheus.CounterVec

	// LoopsTotal counts finished loops.
	// Labels: status (completed, unresolved, error), reason
	LoopsTotal *prometheus.CounterVec

	// LoopDurationSeconds measures full per-sub-goal loop duration.
	// Labels: status
	LoopDurationSeconds *prometheus.HistogramVec

	// PoolChunks measures final pool sizes in distinct chunks.
	PoolChunks prometheus.Histogram

	// ActiveLoops tracks loops currently running.
	ActiveLoops prometheus.Gauge
}

// DefaultMetrics is the singleton instance of LoopMetrics.
// Initialized by InitMetrics(); nil until then, and every recording helper
// tolerates nil so library use without metrics stays safe.
var DefaultMetrics *LoopMetrics

// InitMetrics initializes the default metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *LoopMetrics {
	DefaultMetrics = &LoopMetrics{
		RoundsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "rounds_total",
				Help:      "Total retrieval rounds by phase",
			},
			[]string{"phase"},
		),

		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "decisions_total",
				Help:      "Total sufficiency decisions by evaluator and verdict",
			},
			[]string{"evaluator", "decision"},
		),

		LoopsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "loops_total",
				Help:      "Total finished loops by status and terminal reason",
			},
			[]string{"status", "reason"},
		),

		LoopDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "duration_seconds",
				Help:      "Full per-sub-goal loop duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		PoolChunks: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "pool_chunks",
				Help:      "Final evidence pool size in distinct chunks",
				Buckets:   []float64{0, 5, 10, 20, 40, 80, 160, 320},
			},
		),

		ActiveLoops: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "active_loops",
				Help:      "Number of retrieval loops currently running",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRound records one retrieval round in the given phase.
func (m *LoopMetrics) RecordRound(phase string) {
	if m == nil {
		return
	}
	m.RoundsTotal.WithLabelValues(phase).Inc()
}

// RecordDecision records one sufficiency decision.
func (m *LoopMetrics) RecordDecision(evaluator, decision string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(evaluator, decision).Inc()
}

// RecordLoop records a finished loop with its duration and final pool size.
func (m *LoopMetrics) RecordLoop(status, reason string, seconds float64, poolChunks int) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.LoopsTotal.WithLabelValues(status, reason).Inc()
	m.LoopDurationSeconds.WithLabelValues(status).Observe(seconds)
	m.PoolChunks.Observe(float64(poolChunks))
}

// LoopStarted increments the active loops gauge.
func (m *LoopMetrics) LoopStarted() {
	if m == nil {
		return
	}
	m.ActiveLoops.Inc()
}

// LoopEnded decrements the active loops gauge.
func (m *LoopMetrics) LoopEnded() {
	if m == nil {
		return
	}
	m.ActiveLoops.Dec()
}
