// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/bottleneck"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/resources"
)

// AdvisoryKind identifies the source of an advisory.
type AdvisoryKind string

const (
	AdvisoryBottleneck AdvisoryKind = "bottleneck"
	AdvisoryScaling    AdvisoryKind = "scaling"
)

// Advisory is a high-urgency finding surfaced by the monitor loop. It is
// informational only and never affects workflow execution.
type Advisory struct {
	Kind      AdvisoryKind `json:"kind"`
	Component string       `json:"component"`
	Level     string       `json:"level"`
	Message   string       `json:"message"`
	At        time.Time    `json:"at"`
}

// Advisories returns retained advisories, oldest first.
func (o *Orchestrator) Advisories() []Advisory {
	return o.advisories.Snapshot()
}

// Monitor runs one analysis pass.
//
// # Description
//
// Samples utilization into the detector and the metrics, analyzes
// bottlenecks, asks for a scaling recommendation and surfaces high-impact
// findings and high-urgency recommendations as advisories, subject to the
// advisory rate limit. A panic inside the pass is converted to a
// MonitoringError.
//
// # Outputs
//
//   - []Advisory: Advisories emitted by this pass.
//   - error: *datatypes.MonitoringError if the pass failed. Callers log it.
func (o *Orchestrator) Monitor(ctx context.Context) (emitted []Advisory, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &datatypes.MonitoringError{Op: "analyze", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	util := o.resources.CurrentUtilization(ctx)
	usage := util.Usage()
	o.detector.RecordResourceSample(usage)
	o.metrics.SetUtilization(usage)

	findings := o.detector.Analyze(o.cfg.AnalysisWindow)
	o.metrics.ResetBottlenecks()
	for _, f := range findings {
		o.metrics.AddBottleneck(string(f.Category), string(f.Impact))
		if f.Impact == bottleneck.ImpactHigh {
			if a, ok := o.emit(ctx, Advisory{
				Kind:      AdvisoryBottleneck,
				Component: f.Component,
				Level:     string(f.Impact),
				Message:   f.Description,
			}); ok {
				emitted = append(emitted, a)
			}
		}
	}

	rec := o.resources.SuggestScaling(ctx)
	if rec.Urgency == resources.UrgencyHigh {
		if a, ok := o.emit(ctx, Advisory{
			Kind:      AdvisoryScaling,
			Component: string(rec.Resource),
			Level:     string(rec.Urgency),
			Message:   fmt.Sprintf("%s: %s", rec.Action, rec.Reason),
		}); ok {
			emitted = append(emitted, a)
		}
	}
	return emitted, nil
}

// emit records a, unless the advisory rate limit is exhausted.
func (o *Orchestrator) emit(ctx context.Context, a Advisory) (Advisory, bool) {
	if !o.limiter.Allow() {
		o.logger.Debug("advisory suppressed by rate limit", "kind", a.Kind, "component", a.Component)
		return a, false
	}
	a.At = o.now()
	o.advisories.Push(a)
	o.metrics.RecordAdvisory(string(a.Kind))
	o.inst.recordAdvisory(ctx, string(a.Kind))
	o.logger.Warn("advisory", "kind", a.Kind, "component", a.Component, "level", a.Level, "message", a.Message)
	return a, true
}

func (o *Orchestrator) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.Monitor(ctx); err != nil {
				o.logger.Warn("monitoring pass failed", "error", err)
				o.metrics.RecordMonitoringError("analyze")
			}
		}
	}
}

// Sweep drops terminal records whose completion is older than the
// retention period. Archived outcomes stay reachable through Status.
//
// # Outputs
//
//   - int: Number of records dropped.
func (o *Orchestrator) Sweep() int {
	cutoff := o.now().Add(-o.cfg.Retention)

	o.mu.Lock()
	n := 0
	for h, rec := range o.records {
		if rec.state.Terminal() && rec.completedAt.Before(cutoff) {
			delete(o.records, h)
			n++
		}
	}
	o.mu.Unlock()

	if n > 0 {
		o.logger.Debug("swept expired records", "count", n)
	}
	return n
}

func (o *Orchestrator) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Sweep()
		}
	}
}
