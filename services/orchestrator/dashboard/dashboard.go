// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dashboard aggregates the metrics log, the resource manager and the
// bottleneck detector into one status snapshot and exports it as JSON, HTML
// or CSV.
//
// # Description
//
// A Snapshot is computed on request and cached for a short TTL. Every
// export format is a pure serialization of one Snapshot, so the three
// formats always agree on the numbers they report.
package dashboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/pkg/stats"
	"github.com/AleutianAI/AleutianQuill/pkg/telemetry"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/bottleneck"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/metricslog"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/resources"
)

var tracer = otel.Tracer("aleutian.dashboard")

// precision is the number of decimal places kept for fractions and seconds.
const precision = 4

// =============================================================================
// Sources
// =============================================================================

// MetricsSource provides the execution summary. metricslog.Log satisfies it.
type MetricsSource interface {
	Summary(window time.Duration) metricslog.PerformanceReport
}

// ResourceSource provides utilization and scaling. resources.Manager
// satisfies it.
type ResourceSource interface {
	CurrentUtilization(ctx context.Context) resources.Utilization
	Allocated() datatypes.ResourceRequest
	SuggestScaling(ctx context.Context) resources.ScalingRecommendation
}

// BottleneckSource provides ranked findings. bottleneck.Detector satisfies it.
type BottleneckSource interface {
	Analyze(window time.Duration) []bottleneck.Bottleneck

	// Refresh recomputes the findings, bypassing any cache.
	Refresh(window time.Duration) []bottleneck.Bottleneck
}

// =============================================================================
// Types
// =============================================================================

// Status is the overall health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Rank orders statuses by severity.
func (s Status) Rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// Alert is one threshold breach that contributed to the status.
type Alert struct {
	Level     Status  `json:"level"`
	Component string  `json:"component"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Utilization holds sampled host utilization fractions.
type Utilization struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Disk   float64 `json:"disk"`
}

// Get returns the fraction for the named resource.
func (u Utilization) Get(r datatypes.ResourceName) float64 {
	switch r {
	case datatypes.ResourceCPU:
		return u.CPU
	case datatypes.ResourceMemory:
		return u.Memory
	case datatypes.ResourceDisk:
		return u.Disk
	}
	return 0
}

// StepSummary is the per-step aggregate in seconds.
type StepSummary struct {
	Name        string  `json:"name"`
	Count       int     `json:"count"`
	SuccessRate float64 `json:"success_rate"`
	MeanSeconds float64 `json:"mean_seconds"`
	P95Seconds  float64 `json:"p95_seconds"`
}

// TrendPoint is one hourly bucket in seconds.
type TrendPoint struct {
	Hour        time.Time `json:"hour"`
	Count       int       `json:"count"`
	MeanSeconds float64   `json:"mean_seconds"`
	SuccessRate float64   `json:"success_rate"`
}

// Snapshot is a point-in-time aggregate of system health.
type Snapshot struct {
	GeneratedAt         time.Time                       `json:"generated_at"`
	Window              string                          `json:"window"`
	Status              Status                          `json:"status"`
	ActiveWorkflows     int                             `json:"active_workflows"`
	TotalWorkflows      int                             `json:"total_workflows"`
	Succeeded           int                             `json:"succeeded"`
	Failed              int                             `json:"failed"`
	SuccessRate         float64                         `json:"success_rate"`
	MeanDurationSeconds float64                         `json:"mean_duration_seconds"`
	P95DurationSeconds  float64                         `json:"p95_duration_seconds"`
	Utilization         Utilization                     `json:"utilization"`
	Allocated           Utilization                     `json:"allocated"`
	Scaling             resources.ScalingRecommendation `json:"scaling"`
	Bottlenecks         []bottleneck.Bottleneck         `json:"bottlenecks"`
	Recommendations     []bottleneck.Optimization       `json:"recommendations"`
	Alerts              []Alert                         `json:"alerts"`
	Steps               []StepSummary                   `json:"steps"`
	Trend               []TrendPoint                    `json:"trend"`
}

// HighImpactBottlenecks counts findings in the high tier.
func (s Snapshot) HighImpactBottlenecks() int {
	n := 0
	for _, b := range s.Bottlenecks {
		if b.Impact == bottleneck.ImpactHigh {
			n++
		}
	}
	return n
}

// =============================================================================
// Configuration
// =============================================================================

// Thresholds holds the status boundaries. A value strictly above a limit
// (or strictly below, for success rate) trips it.
type Thresholds struct {
	CriticalUtilization float64 `yaml:"critical_utilization"`
	CriticalSuccessRate float64 `yaml:"critical_success_rate"`

	WarningUtilization datatypes.ResourceRequest `yaml:"warning_utilization"`
	WarningSuccessRate float64                   `yaml:"warning_success_rate"`
	WarningMeanSeconds float64                   `yaml:"warning_mean_seconds"`
}

// DefaultThresholds returns critical above 95% utilization or below 80%
// success, and warning above cpu 80%, memory 85%, disk 85%, below 90%
// success or a mean duration above 60 seconds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalUtilization: 0.95,
		CriticalSuccessRate: 0.80,
		WarningUtilization:  datatypes.ResourceRequest{CPU: 0.80, Memory: 0.85, Disk: 0.85},
		WarningSuccessRate:  0.90,
		WarningMeanSeconds:  60,
	}
}

// Config configures a Dashboard.
type Config struct {
	// Window is the trailing period summarized. Default 1 hour.
	Window time.Duration

	// CacheTTL bounds snapshot reuse. Default 30 seconds.
	CacheTTL time.Duration

	// Thresholds default to DefaultThresholds when zero.
	Thresholds Thresholds

	Logger *logging.Logger
	Now    func() time.Time
}

// =============================================================================
// Dashboard
// =============================================================================

// Dashboard computes and caches snapshots. Safe for concurrent use.
type Dashboard struct {
	metrics    MetricsSource
	resources  ResourceSource
	detector   BottleneckSource
	cfg        Config
	logger     *logging.Logger
	now        func() time.Time
	group      singleflight.Group
	mu         sync.Mutex
	cached     *Snapshot
	computedAt time.Time
}

// New creates a Dashboard over the three sources.
//
// # Inputs
//
//   - m: Execution summary source. Must not be nil.
//   - r: Resource source. Must not be nil.
//   - b: Bottleneck source. Must not be nil.
//   - cfg: Zero fields take defaults.
//
// # Outputs
//
//   - *Dashboard: Ready to use.
//   - error: Non-nil when a source is missing.
func New(m MetricsSource, r ResourceSource, b BottleneckSource, cfg Config) (*Dashboard, error) {
	if m == nil || r == nil || b == nil {
		return nil, fmt.Errorf("dashboard: metrics, resource and bottleneck sources are required")
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dashboard{
		metrics:   m,
		resources: r,
		detector:  b,
		cfg:       cfg,
		logger:    cfg.Logger.Component("dashboard"),
		now:       cfg.Now,
	}, nil
}

// Snapshot returns the current aggregate.
//
// # Description
//
// A snapshot younger than CacheTTL is reused unless forceRefresh is set;
// a forced snapshot also bypasses the bottleneck analysis cache.
// Concurrent callers that miss the cache share one computation. The
// returned value is a deep copy the caller may keep.
func (d *Dashboard) Snapshot(ctx context.Context, forceRefresh bool) Snapshot {
	if !forceRefresh {
		d.mu.Lock()
		if d.cached != nil && d.now().Sub(d.computedAt) < d.cfg.CacheTTL {
			s := d.cached.clone()
			d.mu.Unlock()
			return s
		}
		d.mu.Unlock()
	}

	key := "snapshot"
	if forceRefresh {
		key = "snapshot-refresh"
	}
	v, _, _ := d.group.Do(key, func() (any, error) {
		s := d.compute(ctx, forceRefresh)
		d.mu.Lock()
		d.cached = &s
		d.computedAt = d.now()
		d.mu.Unlock()
		return s, nil
	})
	return v.(Snapshot).clone()
}

// Thresholds returns the boundaries currently used by Classify.
func (d *Dashboard) Thresholds() Thresholds {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Thresholds
}

// SetThresholds replaces the status boundaries and drops the cached
// snapshot. A zero value restores DefaultThresholds.
func (d *Dashboard) SetThresholds(th Thresholds) {
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	d.mu.Lock()
	d.cfg.Thresholds = th
	d.cached = nil
	d.mu.Unlock()
	d.logger.Info("dashboard thresholds updated",
		"critical_utilization", th.CriticalUtilization,
		"critical_success_rate", th.CriticalSuccessRate)
}

func (d *Dashboard) compute(ctx context.Context, refresh bool) Snapshot {
	ctx, span := tracer.Start(ctx, "dashboard.Snapshot")
	defer span.End()

	report := d.metrics.Summary(d.cfg.Window)
	util := d.resources.CurrentUtilization(ctx)
	allocated := d.resources.Allocated()
	scaling := d.resources.SuggestScaling(ctx)
	var findings []bottleneck.Bottleneck
	if refresh {
		findings = d.detector.Refresh(d.cfg.Window)
	} else {
		findings = d.detector.Analyze(d.cfg.Window)
	}

	s := Snapshot{
		GeneratedAt:         d.now(),
		Window:              d.cfg.Window.String(),
		ActiveWorkflows:     report.ActiveWorkflows,
		TotalWorkflows:      report.Total,
		Succeeded:           report.Succeeded,
		Failed:              report.Failed,
		SuccessRate:         round(report.SuccessRate),
		MeanDurationSeconds: round(report.MeanDuration.Seconds()),
		P95DurationSeconds:  round(report.P95Duration.Seconds()),
		Utilization:         Utilization{CPU: round(util.CPU), Memory: round(util.Memory), Disk: round(util.Disk)},
		Allocated:           Utilization{CPU: round(allocated.CPU), Memory: round(allocated.Memory), Disk: round(allocated.Disk)},
		Scaling:             scaling,
		Bottlenecks:         findings,
		Recommendations:     bottleneck.SuggestOptimizations(findings),
		Steps:               make([]StepSummary, 0, len(report.Steps)),
		Trend:               make([]TrendPoint, 0, len(report.Trend)),
	}
	if s.Bottlenecks == nil {
		s.Bottlenecks = []bottleneck.Bottleneck{}
	}
	if s.Recommendations == nil {
		s.Recommendations = []bottleneck.Optimization{}
	}
	for _, st := range report.Steps {
		s.Steps = append(s.Steps, StepSummary{
			Name:        st.Name,
			Count:       st.Count,
			SuccessRate: round(st.SuccessRate),
			MeanSeconds: round(st.Mean.Seconds()),
			P95Seconds:  round(st.P95.Seconds()),
		})
	}
	for _, tp := range report.Trend {
		s.Trend = append(s.Trend, TrendPoint{
			Hour:        tp.Hour,
			Count:       tp.Count,
			MeanSeconds: round(tp.MeanDuration.Seconds()),
			SuccessRate: round(tp.SuccessRate),
		})
	}

	s.Status, s.Alerts = Classify(s, d.Thresholds())

	span.SetAttributes(
		attribute.String("dashboard.status", string(s.Status)),
		attribute.Int("dashboard.alerts", len(s.Alerts)),
		attribute.Int("dashboard.bottlenecks", len(s.Bottlenecks)),
	)
	if s.Status != StatusHealthy {
		d.logger.Warn("system status degraded", "status", s.Status, "alerts", len(s.Alerts))
	}
	d.logger.Debug("snapshot computed",
		"status", s.Status,
		"total", s.TotalWorkflows,
		"success_rate", s.SuccessRate,
		"trace_id", telemetry.TraceID(ctx),
	)
	return s
}

// Classify derives the status and the alerts behind it from s.
//
// # Description
//
// Critical when any resource exceeds CriticalUtilization or the success
// rate falls below CriticalSuccessRate. Warning when a resource exceeds its
// warning limit, the success rate falls below WarningSuccessRate, the mean
// duration exceeds WarningMeanSeconds or a high-impact bottleneck exists.
// Success-rate checks only apply once a workflow has completed.
func Classify(s Snapshot, th Thresholds) (Status, []Alert) {
	status := StatusHealthy
	alerts := []Alert{}
	raise := func(a Alert) {
		alerts = append(alerts, a)
		if a.Level.Rank() > status.Rank() {
			status = a.Level
		}
	}

	for _, r := range datatypes.ResourceNames {
		v := s.Utilization.Get(r)
		switch {
		case v > th.CriticalUtilization:
			raise(Alert{
				Level: StatusCritical, Component: string(r), Value: v, Threshold: th.CriticalUtilization,
				Message: fmt.Sprintf("%s utilization %.0f%% exceeds %.0f%%", r, v*100, th.CriticalUtilization*100),
			})
		case v > th.WarningUtilization.Get(r):
			raise(Alert{
				Level: StatusWarning, Component: string(r), Value: v, Threshold: th.WarningUtilization.Get(r),
				Message: fmt.Sprintf("%s utilization %.0f%% exceeds %.0f%%", r, v*100, th.WarningUtilization.Get(r)*100),
			})
		}
	}

	if s.TotalWorkflows > 0 {
		switch {
		case s.SuccessRate < th.CriticalSuccessRate:
			raise(Alert{
				Level: StatusCritical, Component: "workflows", Value: s.SuccessRate, Threshold: th.CriticalSuccessRate,
				Message: fmt.Sprintf("success rate %.0f%% below %.0f%%", s.SuccessRate*100, th.CriticalSuccessRate*100),
			})
		case s.SuccessRate < th.WarningSuccessRate:
			raise(Alert{
				Level: StatusWarning, Component: "workflows", Value: s.SuccessRate, Threshold: th.WarningSuccessRate,
				Message: fmt.Sprintf("success rate %.0f%% below %.0f%%", s.SuccessRate*100, th.WarningSuccessRate*100),
			})
		}
	}

	if s.MeanDurationSeconds > th.WarningMeanSeconds {
		raise(Alert{
			Level: StatusWarning, Component: "workflows", Value: s.MeanDurationSeconds, Threshold: th.WarningMeanSeconds,
			Message: fmt.Sprintf("mean duration %.1fs exceeds %.0fs", s.MeanDurationSeconds, th.WarningMeanSeconds),
		})
	}

	for _, b := range s.Bottlenecks {
		if b.Impact == bottleneck.ImpactHigh {
			raise(Alert{
				Level: StatusWarning, Component: b.Component, Value: round(b.Severity), Threshold: 3.0,
				Message: b.Description,
			})
		}
	}
	return status, alerts
}

func round(v float64) float64 {
	return stats.Round(v, precision)
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Bottlenecks = make([]bottleneck.Bottleneck, len(s.Bottlenecks))
	for i, b := range s.Bottlenecks {
		out.Bottlenecks[i] = b
		if b.Metrics != nil {
			out.Bottlenecks[i].Metrics = make(map[string]float64, len(b.Metrics))
			for k, v := range b.Metrics {
				out.Bottlenecks[i].Metrics[k] = v
			}
		}
	}
	out.Recommendations = make([]bottleneck.Optimization, len(s.Recommendations))
	for i, o := range s.Recommendations {
		out.Recommendations[i] = o
		out.Recommendations[i].Actions = append([]string(nil), o.Actions...)
	}
	out.Alerts = append([]Alert{}, s.Alerts...)
	out.Steps = append([]StepSummary{}, s.Steps...)
	out.Trend = append([]TrendPoint{}, s.Trend...)
	if s.Scaling.Averages != nil {
		out.Scaling.Averages = make(map[datatypes.ResourceName]float64, len(s.Scaling.Averages))
		for k, v := range s.Scaling.Averages {
			out.Scaling.Averages[k] = v
		}
	}
	return out
}
