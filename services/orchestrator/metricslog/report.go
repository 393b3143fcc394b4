// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metricslog

import (
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianQuill/pkg/stats"
)

// Naive thresholds applied per step in Summary.
const (
	slowStepMean    = 5 * time.Second
	unreliableBelow = 0.9
)

// StepStats aggregates one step over the report window.
type StepStats struct {
	Name        string        `json:"name"`
	Count       int           `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	Mean        time.Duration `json:"mean"`
	P95         time.Duration `json:"p95"`
	Max         time.Duration `json:"max"`
}

// StepIssue is a naive threshold breach for one step.
type StepIssue struct {
	Step   string  `json:"step"`
	Kind   string  `json:"kind"`
	Value  float64 `json:"value"`
	Detail string  `json:"detail"`
}

// TrendPoint aggregates completed workflows in one UTC hour.
type TrendPoint struct {
	Hour         time.Time     `json:"hour"`
	Count        int           `json:"count"`
	MeanDuration time.Duration `json:"mean_duration"`
	SuccessRate  float64       `json:"success_rate"`
}

// PerformanceReport summarizes executions over a window.
type PerformanceReport struct {
	Window          time.Duration `json:"window"`
	GeneratedAt     time.Time     `json:"generated_at"`
	Total           int           `json:"total"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	SuccessRate     float64       `json:"success_rate"`
	MeanDuration    time.Duration `json:"mean_duration"`
	P95Duration     time.Duration `json:"p95_duration"`
	ActiveWorkflows int           `json:"active_workflows"`
	Steps           []StepStats   `json:"steps"`
	Issues          []StepIssue   `json:"issues"`
	Trend           []TrendPoint  `json:"trend"`
}

// Summary builds a PerformanceReport over the trailing window.
//
// # Description
//
// Results are cached per window for CacheTTL and also invalidated as soon
// as a new step or completion is recorded. SuccessRate is 1.0 when no
// workflow completed in the window. Steps are sorted by name, issues by
// step then kind, and trend points chronologically.
//
// # Inputs
//
//   - window: Trailing period. Non-positive means the whole history.
func (l *Log) Summary(window time.Duration) PerformanceReport {
	now := l.now()

	l.mu.Lock()
	version := l.version
	if c, ok := l.cache[window]; ok && c.version == version && now.Sub(c.at) < l.cfg.CacheTTL {
		l.mu.Unlock()
		return c.report.clone()
	}
	active := len(l.active)
	l.mu.Unlock()

	report := PerformanceReport{
		Window:          window,
		GeneratedAt:     now,
		ActiveWorkflows: active,
		SuccessRate:     1.0,
		Steps:           []StepStats{},
		Issues:          []StepIssue{},
		Trend:           []TrendPoint{},
	}

	execs := l.Completed(window)
	durations := make([]time.Duration, 0, len(execs))
	type bucket struct {
		count, ok int
		total     time.Duration
	}
	buckets := make(map[time.Time]*bucket)

	for _, e := range execs {
		report.Total++
		if e.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
		durations = append(durations, e.Duration)

		hour := e.CompletedAt.UTC().Truncate(time.Hour)
		b, ok := buckets[hour]
		if !ok {
			b = &bucket{}
			buckets[hour] = b
		}
		b.count++
		b.total += e.Duration
		if e.Success {
			b.ok++
		}
	}

	if report.Total > 0 {
		report.SuccessRate = float64(report.Succeeded) / float64(report.Total)
		if summary, err := stats.SummarizeDurations(durations); err == nil {
			report.MeanDuration = summary.Mean
			report.P95Duration = summary.P95
		}
	}

	for hour, b := range buckets {
		report.Trend = append(report.Trend, TrendPoint{
			Hour:         hour,
			Count:        b.count,
			MeanDuration: b.total / time.Duration(b.count),
			SuccessRate:  float64(b.ok) / float64(b.count),
		})
	}
	sort.Slice(report.Trend, func(i, j int) bool { return report.Trend[i].Hour.Before(report.Trend[j].Hour) })

	names := l.stepNames()
	sort.Strings(names)
	for _, name := range names {
		samples := l.StepSamples(name, window)
		if len(samples) == 0 {
			continue
		}
		ds := make([]time.Duration, len(samples))
		ok := 0
		for i, s := range samples {
			ds[i] = s.Duration
			if s.Success {
				ok++
			}
		}
		summary, err := stats.SummarizeDurations(ds)
		if err != nil {
			continue
		}
		st := StepStats{
			Name:        name,
			Count:       len(samples),
			SuccessRate: float64(ok) / float64(len(samples)),
			Mean:        summary.Mean,
			P95:         summary.P95,
			Max:         summary.Max,
		}
		report.Steps = append(report.Steps, st)

		if st.Mean > slowStepMean {
			report.Issues = append(report.Issues, StepIssue{
				Step:   name,
				Kind:   "slow",
				Value:  st.Mean.Seconds(),
				Detail: fmt.Sprintf("mean %.1fs exceeds %.0fs", st.Mean.Seconds(), slowStepMean.Seconds()),
			})
		}
		if st.SuccessRate < unreliableBelow {
			report.Issues = append(report.Issues, StepIssue{
				Step:   name,
				Kind:   "unreliable",
				Value:  st.SuccessRate,
				Detail: fmt.Sprintf("success rate %.0f%% below %.0f%%", st.SuccessRate*100, unreliableBelow*100),
			})
		}
	}

	l.mu.Lock()
	l.cache[window] = cachedReport{at: now, version: version, report: report}
	l.mu.Unlock()

	return report.clone()
}

func (r PerformanceReport) clone() PerformanceReport {
	out := r
	out.Steps = append([]StepStats{}, r.Steps...)
	out.Issues = append([]StepIssue{}, r.Issues...)
	out.Trend = append([]TrendPoint{}, r.Trend...)
	return out
}
