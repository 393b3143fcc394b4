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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
)

var (
	tracer = otel.Tracer("aleutian.workflow")
	meter  = otel.Meter("aleutian.workflow")
)

// instruments holds the OpenTelemetry instruments. They are created when
// the Orchestrator is built, so telemetry.Init must install the global
// MeterProvider before New is called.
type instruments struct {
	once sync.Once

	workflowLatency metric.Float64Histogram
	stepLatency     metric.Float64Histogram
	activeWorkflows metric.Int64UpDownCounter
	advisories      metric.Int64Counter
}

func (in *instruments) init(logger *logging.Logger) {
	in.once.Do(func() {
		var failed []string
		var err error

		in.workflowLatency, err = meter.Float64Histogram("quill_workflow_run_seconds",
			metric.WithDescription("Wall-clock time of admitted workflows"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "workflow_latency: "+err.Error())
		}

		in.stepLatency, err = meter.Float64Histogram("quill_workflow_step_seconds",
			metric.WithDescription("Time spent in each pipeline step"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "step_latency: "+err.Error())
		}

		in.activeWorkflows, err = meter.Int64UpDownCounter("quill_workflow_active",
			metric.WithDescription("Workflows currently running"),
		)
		if err != nil {
			failed = append(failed, "active_workflows: "+err.Error())
		}

		in.advisories, err = meter.Int64Counter("quill_workflow_advisories",
			metric.WithDescription("Advisories surfaced by the monitor loop"),
		)
		if err != nil {
			failed = append(failed, "advisories: "+err.Error())
		}

		if len(failed) > 0 {
			logger.Error("failed to initialize some workflow instruments", "failed_count", len(failed), "errors", failed)
		}
	})
}

func (in *instruments) recordWorkflow(ctx context.Context, kind, state string, seconds float64) {
	if in.workflowLatency != nil {
		in.workflowLatency.Record(ctx, seconds, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("state", state),
		))
	}
}

func (in *instruments) recordStep(ctx context.Context, step string, success bool, seconds float64) {
	if in.stepLatency != nil {
		in.stepLatency.Record(ctx, seconds, metric.WithAttributes(
			attribute.String("step", step),
			attribute.Bool("success", success),
		))
	}
}

func (in *instruments) addActive(ctx context.Context, delta int64) {
	if in.activeWorkflows != nil {
		in.activeWorkflows.Add(ctx, delta)
	}
}

func (in *instruments) recordAdvisory(ctx context.Context, kind string) {
	if in.advisories != nil {
		in.advisories.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
