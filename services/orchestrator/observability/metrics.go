// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus instrumentation for the
// workflow orchestrator.
//
// # Description
//
// WorkflowMetrics covers:
//   - Workflow counters and duration histograms (by kind and terminal state)
//   - Running and queued gauges
//   - Admission decisions
//   - Step latency histograms (by step and status)
//   - Revision loop attempts and final scores
//   - Host utilization and allocated budget gauges
//   - Current bottleneck findings and emitted advisories
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint of the HTTP API.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is safe to call on a nil *WorkflowMetrics, which records
// nothing, so components can be built without instrumentation.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "aleutian"

const workflowSubsystem = "workflow"

// WorkflowMetrics holds all Prometheus metrics for the orchestrator.
//
// # Fields
//
//   - RunsTotal: Terminal workflows by kind and state
//   - DurationSeconds: Wall-clock workflow duration by kind and state
//   - Running: Workflows currently in the Running state
//   - QueueDepth: Workflows waiting for a worker
//   - AdmissionsTotal: Admission decisions by result (granted, refused)
//   - StepDurationSeconds: Step latency by step and status
//   - RevisionAttempts: Revisions performed per workflow
//   - RevisionFinalScore: Final evaluator score per workflow
//   - Utilization: Last sampled host utilization by resource
//   - Allocated: Sum of active allocations by resource
//   - Bottlenecks: Current findings by category and impact
//   - AdvisoriesTotal: Advisories surfaced by the monitor, by kind
//   - MonitoringErrorsTotal: Failed monitoring passes by operation
type WorkflowMetrics struct {
	RunsTotal             *prometheus.CounterVec
	DurationSeconds       *prometheus.HistogramVec
	Running               prometheus.Gauge
	QueueDepth            prometheus.Gauge
	AdmissionsTotal       *prometheus.CounterVec
	StepDurationSeconds   *prometheus.HistogramVec
	RevisionAttempts      prometheus.Histogram
	RevisionFinalScore    prometheus.Histogram
	Utilization           *prometheus.GaugeVec
	Allocated             *prometheus.GaugeVec
	Bottlenecks           *prometheus.GaugeVec
	AdvisoriesTotal       *prometheus.CounterVec
	MonitoringErrorsTotal *prometheus.CounterVec
}

// NewWorkflowMetrics creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registerer to use. A fresh prometheus.NewRegistry() in tests,
//     the service registry in production.
//
// # Outputs
//
//   - *WorkflowMetrics: The registered metrics.
//
// # Limitations
//
//   - Panics on duplicate registration against the same registry.
func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	factory := promauto.With(reg)

	return &WorkflowMetrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "runs_total",
				Help:      "Total workflows reaching a terminal state, by kind and state",
			},
			[]string{"kind", "state"},
		),

		DurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "duration_seconds",
				Help:      "Workflow wall-clock duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"kind", "state"},
		),

		Running: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "running",
				Help:      "Number of workflows currently running",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "queue_depth",
				Help:      "Number of submitted workflows waiting for a worker",
			},
		),

		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "admissions_total",
				Help:      "Admission decisions by result",
			},
			[]string{"result"},
		),

		StepDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "step_duration_seconds",
				Help:      "Pipeline step duration in seconds",
				Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"step", "status"},
		),

		RevisionAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "revision_attempts",
				Help:      "Revisions performed per workflow revision phase",
				Buckets:   []float64{0, 1, 2, 3, 5, 8},
			},
		),

		RevisionFinalScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: workflowSubsystem,
				Name:      "revision_final_score",
				Help:      "Final evaluator score per workflow revision phase",
				Buckets:   []float64{2, 4, 5, 6, 7, 8, 9, 10},
			},
		),

		Utilization: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "resources",
				Name:      "utilization_ratio",
				Help:      "Last sampled host utilization by resource (0..1)",
			},
			[]string{"resource"},
		),

		Allocated: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "resources",
				Name:      "allocated_ratio",
				Help:      "Sum of active workflow allocations by resource (0..1)",
			},
			[]string{"resource"},
		),

		Bottlenecks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "analysis",
				Name:      "bottlenecks",
				Help:      "Bottleneck findings from the last analysis, by category and impact",
			},
			[]string{"category", "impact"},
		),

		AdvisoriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "analysis",
				Name:      "advisories_total",
				Help:      "Advisories surfaced by the background monitor, by kind",
			},
			[]string{"kind"},
		),

		MonitoringErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "analysis",
				Name:      "monitoring_errors_total",
				Help:      "Failed monitoring passes by operation",
			},
			[]string{"op"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordWorkflow records one terminal workflow.
//
// # Inputs
//
//   - kind: Workflow kind.
//   - state: Terminal state (completed, failed, cancelled).
//   - seconds: Wall-clock duration in seconds.
func (m *WorkflowMetrics) RecordWorkflow(kind datatypes.WorkflowKind, state datatypes.WorkflowState, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(kind), string(state)).Inc()
	m.DurationSeconds.WithLabelValues(string(kind), string(state)).Observe(seconds)
}

// WorkflowRunning increments the running gauge.
func (m *WorkflowMetrics) WorkflowRunning() {
	if m == nil {
		return
	}
	m.Running.Inc()
}

// WorkflowStopped decrements the running gauge.
func (m *WorkflowMetrics) WorkflowStopped() {
	if m == nil {
		return
	}
	m.Running.Dec()
}

// SetQueueDepth sets the queue depth gauge.
func (m *WorkflowMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordAdmission counts one admission decision.
func (m *WorkflowMetrics) RecordAdmission(granted bool) {
	if m == nil {
		return
	}
	result := "granted"
	if !granted {
		result = "refused"
	}
	m.AdmissionsTotal.WithLabelValues(result).Inc()
}

// RecordStep observes one step execution.
func (m *WorkflowMetrics) RecordStep(step string, success bool, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.StepDurationSeconds.WithLabelValues(step, status).Observe(seconds)
}

// RecordRevision observes one completed revision phase.
func (m *WorkflowMetrics) RecordRevision(attempts int, finalScore float64) {
	if m == nil {
		return
	}
	m.RevisionAttempts.Observe(float64(attempts))
	m.RevisionFinalScore.Observe(finalScore)
}

// SetUtilization publishes a utilization sample.
func (m *WorkflowMetrics) SetUtilization(u datatypes.ResourceUsage) {
	if m == nil {
		return
	}
	for _, r := range datatypes.ResourceNames {
		m.Utilization.WithLabelValues(string(r)).Set(u.Get(r))
	}
}

// SetAllocated publishes the sum of active allocations.
func (m *WorkflowMetrics) SetAllocated(total datatypes.ResourceRequest) {
	if m == nil {
		return
	}
	for _, r := range datatypes.ResourceNames {
		m.Allocated.WithLabelValues(string(r)).Set(total.Get(r))
	}
}

// ResetBottlenecks clears the bottleneck gauges before a new analysis
// result is published with AddBottleneck.
func (m *WorkflowMetrics) ResetBottlenecks() {
	if m == nil {
		return
	}
	m.Bottlenecks.Reset()
}

// AddBottleneck counts one current finding.
func (m *WorkflowMetrics) AddBottleneck(category, impact string) {
	if m == nil {
		return
	}
	m.Bottlenecks.WithLabelValues(category, impact).Inc()
}

// RecordAdvisory counts one surfaced advisory.
func (m *WorkflowMetrics) RecordAdvisory(kind string) {
	if m == nil {
		return
	}
	m.AdvisoriesTotal.WithLabelValues(kind).Inc()
}

// RecordMonitoringError counts one failed monitoring pass.
func (m *WorkflowMetrics) RecordMonitoringError(op string) {
	if m == nil {
		return
	}
	m.MonitoringErrorsTotal.WithLabelValues(op).Inc()
}
