// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bottleneck detects systemic slowdowns from step, stage and
// resource telemetry and maps findings to optimization suggestions.
//
// Detection is percentile based: a handful of slow outliers does not raise
// a finding, a slow p95 or mean does. Results are cached per analysis window
// so polling dashboards do not rescan large histories.
package bottleneck

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/pkg/ringbuffer"
	"github.com/AleutianAI/AleutianQuill/pkg/stats"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

// -----------------------------------------------------------------------------
// Finding Types
// -----------------------------------------------------------------------------

// Category classifies a finding.
type Category string

const (
	CategorySlowStep           Category = "slow-step"
	CategoryResourceConstraint Category = "resource-constraint"
	CategoryStageSlowdown      Category = "stage-slowdown"
	CategoryReliability        Category = "reliability"
)

// Impact tiers a finding by severity.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Rank orders impacts: high 3, medium 2, low 1.
func (i Impact) Rank() int {
	switch i {
	case ImpactHigh:
		return 3
	case ImpactMedium:
		return 2
	case ImpactLow:
		return 1
	}
	return 0
}

// ImpactFor maps a severity to its tier: >= 3 high, >= 1.5 medium, else low.
func ImpactFor(severity float64) Impact {
	switch {
	case severity >= 3.0:
		return ImpactHigh
	case severity >= 1.5:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// Bottleneck is one derived finding.
type Bottleneck struct {
	Category    Category           `json:"category"`
	Component   string             `json:"component"`
	Severity    float64            `json:"severity"`
	Impact      Impact             `json:"impact"`
	Description string             `json:"description"`
	Metrics     map[string]float64 `json:"metrics"`
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Thresholds configures detection limits.
type Thresholds struct {
	StepP95     time.Duration
	StepMean    time.Duration
	StageP95    time.Duration
	StageMean   time.Duration
	SuccessRate float64
	Utilization datatypes.ResourceRequest
}

// DefaultThresholds returns step 10s/5s, stage 30s/15s, success 0.9 and
// utilization cpu 0.80, memory 0.85, disk 0.90.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StepP95:     10 * time.Second,
		StepMean:    5 * time.Second,
		StageP95:    30 * time.Second,
		StageMean:   15 * time.Second,
		SuccessRate: 0.9,
		Utilization: datatypes.ResourceRequest{CPU: 0.80, Memory: 0.85, Disk: 0.90},
	}
}

// Config configures a Detector. Zero fields take defaults.
type Config struct {
	// MinSamples is the minimum window sample count per key. Default 10.
	MinSamples int

	// StepHistory bounds each step and stage history. Default 1000.
	StepHistory int

	// ResourceHistory bounds the resource sample history. Default 500.
	ResourceHistory int

	// CacheTTL bounds how long an analysis result is reused. Default 5m.
	CacheTTL time.Duration

	Thresholds Thresholds
	Logger     *logging.Logger
	Now        func() time.Time
}

// -----------------------------------------------------------------------------
// Detector
// -----------------------------------------------------------------------------

type timedSample struct {
	Duration time.Duration
	Success  bool
	At       time.Time
}

type cachedAnalysis struct {
	at       time.Time
	findings []Bottleneck
}

// Detector accumulates telemetry and derives ranked findings.
//
// Thread Safety: safe for concurrent use. The history maps are guarded by
// mu; each history is itself a thread-safe ring buffer.
type Detector struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	steps     map[string]*ringbuffer.Buffer[timedSample]
	stages    map[string]*ringbuffer.Buffer[timedSample]
	resources *ringbuffer.Buffer[datatypes.ResourceUsage]
	cache     map[time.Duration]cachedAnalysis

	group singleflight.Group
}

// NewDetector creates a Detector.
func NewDetector(cfg Config) *Detector {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.StepHistory <= 0 {
		cfg.StepHistory = 1000
	}
	if cfg.ResourceHistory <= 0 {
		cfg.ResourceHistory = 500
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
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
	return &Detector{
		cfg:       cfg,
		logger:    cfg.Logger.Component("bottleneck"),
		now:       cfg.Now,
		steps:     make(map[string]*ringbuffer.Buffer[timedSample]),
		stages:    make(map[string]*ringbuffer.Buffer[timedSample]),
		resources: ringbuffer.New[datatypes.ResourceUsage](cfg.ResourceHistory),
		cache:     make(map[time.Duration]cachedAnalysis),
	}
}

// RecordStep appends one step execution. A non-nil usage is also appended
// to the resource history.
func (d *Detector) RecordStep(name string, duration time.Duration, success bool, usage *datatypes.ResourceUsage) {
	d.RecordStepAt(name, duration, success, d.now())
	if usage != nil {
		d.RecordResourceSample(*usage)
	}
}

// RecordStepAt appends one step execution observed at at. Used to rebuild
// history from persisted executions; a zero at means now.
func (d *Detector) RecordStepAt(name string, duration time.Duration, success bool, at time.Time) {
	if at.IsZero() {
		at = d.now()
	}
	d.history(d.steps, name).Push(timedSample{Duration: duration, Success: success, At: at})
}

// RecordResourceSample appends one utilization observation. A zero
// timestamp is replaced with the detector clock.
func (d *Detector) RecordResourceSample(usage datatypes.ResourceUsage) {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = d.now()
	}
	d.resources.Push(usage)
}

// RecordStage appends one pipeline stage execution.
func (d *Detector) RecordStage(name string, duration time.Duration, success bool) {
	d.history(d.stages, name).Push(timedSample{Duration: duration, Success: success, At: d.now()})
}

// Analyze returns the findings over the trailing window.
//
// # Description
//
// Results are cached per window for CacheTTL. Concurrent callers asking for
// the same window while a computation is in flight share its result.
//
// # Outputs
//
//   - []Bottleneck: Sorted by impact desc, severity desc, category,
//     component. The caller owns the returned slice.
func (d *Detector) Analyze(window time.Duration) []Bottleneck {
	d.mu.Lock()
	if c, ok := d.cache[window]; ok && d.now().Sub(c.at) < d.cfg.CacheTTL {
		d.mu.Unlock()
		return cloneFindings(c.findings)
	}
	d.mu.Unlock()
	return d.compute(window)
}

// Refresh recomputes the findings for window, bypassing the cache.
func (d *Detector) Refresh(window time.Duration) []Bottleneck {
	return d.compute(window)
}

func (d *Detector) compute(window time.Duration) []Bottleneck {
	v, _, _ := d.group.Do(window.String(), func() (any, error) {
		findings := d.analyze(window)
		d.mu.Lock()
		d.cache[window] = cachedAnalysis{at: d.now(), findings: findings}
		d.mu.Unlock()
		d.logger.Debug("analysis complete", "window", window.String(), "findings", len(findings))
		return findings, nil
	})
	return cloneFindings(v.([]Bottleneck))
}

func (d *Detector) analyze(window time.Duration) []Bottleneck {
	cutoff := d.now().Add(-window)
	inWindow := func(s timedSample) bool { return window <= 0 || !s.At.Before(cutoff) }
	th := d.cfg.Thresholds

	var findings []Bottleneck

	for _, name := range d.keys(d.steps) {
		samples := d.history(d.steps, name).Filter(inWindow)
		if len(samples) < d.cfg.MinSamples {
			continue
		}
		if b, ok := latencyFinding(CategorySlowStep, name, samples, th.StepP95, th.StepMean); ok {
			findings = append(findings, b)
		}
		if b, ok := reliabilityFinding(name, samples, th.SuccessRate); ok {
			findings = append(findings, b)
		}
	}

	for _, name := range d.keys(d.stages) {
		samples := d.history(d.stages, name).Filter(inWindow)
		if len(samples) < d.cfg.MinSamples {
			continue
		}
		if b, ok := latencyFinding(CategoryStageSlowdown, name, samples, th.StageP95, th.StageMean); ok {
			findings = append(findings, b)
		}
	}

	usages := d.resources.Filter(func(u datatypes.ResourceUsage) bool {
		return window <= 0 || !u.Timestamp.Before(cutoff)
	})
	if len(usages) >= d.cfg.MinSamples {
		for _, r := range datatypes.ResourceNames {
			values := make([]float64, len(usages))
			for i, u := range usages {
				values[i] = u.Get(r)
			}
			mean := stats.Mean(values)
			limit := th.Utilization.Get(r)
			if limit <= 0 || mean <= limit {
				continue
			}
			severity := mean / limit
			findings = append(findings, Bottleneck{
				Category:    CategoryResourceConstraint,
				Component:   string(r),
				Severity:    severity,
				Impact:      ImpactFor(severity),
				Description: fmt.Sprintf("%s utilization averaging %.0f%% exceeds the %.0f%% threshold", r, mean*100, limit*100),
				Metrics: map[string]float64{
					"utilization": mean,
					"threshold":   limit,
					"samples":     float64(len(usages)),
				},
			})
		}
	}

	SortFindings(findings)
	return findings
}

// SortFindings orders findings by impact desc, severity desc, category,
// component.
func SortFindings(findings []Bottleneck) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Impact.Rank() != b.Impact.Rank() {
			return a.Impact.Rank() > b.Impact.Rank()
		}
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Component < b.Component
	})
}

// latencyFinding flags a key whose p95 or mean exceeds its threshold.
// Severity is measured against half of each threshold.
func latencyFinding(cat Category, name string, samples []timedSample, p95Limit, meanLimit time.Duration) (Bottleneck, bool) {
	durations := make([]time.Duration, len(samples))
	for i, s := range samples {
		durations[i] = s.Duration
	}
	summary, err := stats.SummarizeDurations(durations)
	if err != nil {
		return Bottleneck{}, false
	}
	if summary.P95 <= p95Limit && summary.Mean <= meanLimit {
		return Bottleneck{}, false
	}

	severity := math.Max(
		summary.P95.Seconds()/(p95Limit.Seconds()/2),
		summary.Mean.Seconds()/(meanLimit.Seconds()/2),
	)
	noun := "Step"
	if cat == CategoryStageSlowdown {
		noun = "Stage"
	}
	return Bottleneck{
		Category:  cat,
		Component: name,
		Severity:  severity,
		Impact:    ImpactFor(severity),
		Description: fmt.Sprintf("%s %q is slow: p95 %.1fs, mean %.1fs (limits %.0fs/%.0fs)",
			noun, name, summary.P95.Seconds(), summary.Mean.Seconds(), p95Limit.Seconds(), meanLimit.Seconds()),
		Metrics: map[string]float64{
			"p95_seconds":  summary.P95.Seconds(),
			"mean_seconds": summary.Mean.Seconds(),
			"samples":      float64(summary.Count),
		},
	}, true
}

// reliabilityFinding flags a step whose success rate falls below minRate.
// Severity is (1 - rate) x 5 clamped to at least 1.0, so a rate just under
// the limit (0.85 gives a raw 0.75) still reports the minimum severity
// every Bottleneck carries.
func reliabilityFinding(name string, samples []timedSample, minRate float64) (Bottleneck, bool) {
	var ok int
	for _, s := range samples {
		if s.Success {
			ok++
		}
	}
	rate := float64(ok) / float64(len(samples))
	if rate >= minRate {
		return Bottleneck{}, false
	}
	severity := math.Max(1.0, (1-rate)*5)
	return Bottleneck{
		Category:    CategoryReliability,
		Component:   name,
		Severity:    severity,
		Impact:      ImpactFor(severity),
		Description: fmt.Sprintf("Step %q succeeds only %.0f%% of the time", name, rate*100),
		Metrics: map[string]float64{
			"success_rate": rate,
			"failures":     float64(len(samples) - ok),
			"samples":      float64(len(samples)),
		},
	}, true
}

func (d *Detector) history(m map[string]*ringbuffer.Buffer[timedSample], name string) *ringbuffer.Buffer[timedSample] {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := m[name]
	if !ok {
		h = ringbuffer.New[timedSample](d.cfg.StepHistory)
		m[name] = h
	}
	return h
}

func (d *Detector) keys(m map[string]*ringbuffer.Buffer[timedSample]) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneFindings(in []Bottleneck) []Bottleneck {
	if in == nil {
		return nil
	}
	out := make([]Bottleneck, len(in))
	for i, b := range in {
		out[i] = b
		out[i].Metrics = make(map[string]float64, len(b.Metrics))
		for k, v := range b.Metrics {
			out[i].Metrics[k] = v
		}
	}
	return out
}
