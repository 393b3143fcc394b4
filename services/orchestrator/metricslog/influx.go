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
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Exporter receives every completed execution after it is recorded. Like a
// Store, exporter failures are logged and never affect in-memory state.
type Exporter interface {
	Export(ctx context.Context, exec Execution) error
	Close() error
}

// Measurements written by InfluxExporter.
const (
	MeasurementWorkflows = "workflow_executions"
	MeasurementSteps     = "workflow_steps"
)

// InfluxConfig configures an InfluxExporter.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" validate:"required_with=URL"`
}

// Enabled reports whether a URL is configured.
func (c InfluxConfig) Enabled() bool { return c.URL != "" }

// InfluxExporter writes completed executions to an InfluxDB v2 bucket.
//
// # Description
//
// Each execution becomes one workflow_executions point tagged by kind,
// priority and state, plus one workflow_steps point per step sample. Writes
// use the blocking write API so Export returns the server's verdict.
//
// # Thread Safety
//
// Safe for concurrent use.
type InfluxExporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxExporter creates an exporter. No connection is made until the
// first Export.
func NewInfluxExporter(cfg InfluxConfig) (*InfluxExporter, error) {
	if cfg.URL == "" {
		return nil, errors.New("influx url is required")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx org and bucket are required (org=%q bucket=%q)", cfg.Org, cfg.Bucket)
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxExporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// Export writes exec and its steps in one request.
func (e *InfluxExporter) Export(ctx context.Context, exec Execution) error {
	if err := e.writeAPI.WritePoint(ctx, executionPoints(exec)...); err != nil {
		return fmt.Errorf("influx write %s: %w", exec.Handle, err)
	}
	return nil
}

// Close releases the client's idle connections.
func (e *InfluxExporter) Close() error {
	e.client.Close()
	return nil
}

func executionPoints(exec Execution) []*write.Point {
	tags := nonEmpty(map[string]string{
		"kind":       string(exec.Kind),
		"state":      string(exec.State),
		"priority":   string(exec.Priority),
		"error_kind": string(exec.ErrorKind),
	})

	fields := map[string]interface{}{
		"success":      exec.Success,
		"duration_ms":  exec.Duration.Milliseconds(),
		"steps":        len(exec.Steps),
		"alloc_cpu":    exec.Allocation.CPU,
		"alloc_memory": exec.Allocation.Memory,
		"alloc_disk":   exec.Allocation.Disk,
	}
	if exec.Revision != nil {
		fields["revision_attempts"] = exec.Revision.Attempts
		fields["revision_final_score"] = exec.Revision.FinalScore
		fields["revision_target_reached"] = exec.Revision.TargetReached
	}

	points := make([]*write.Point, 0, len(exec.Steps)+1)
	points = append(points, influxdb2.NewPoint(MeasurementWorkflows, tags, fields, exec.CompletedAt))

	for _, s := range exec.Steps {
		at := s.Timestamp
		if at.IsZero() {
			at = exec.CompletedAt
		}
		points = append(points, influxdb2.NewPoint(
			MeasurementSteps,
			nonEmpty(map[string]string{
				"step": s.Name,
				"kind": string(exec.Kind),
			}),
			map[string]interface{}{
				"success":     s.Success,
				"duration_ms": s.Duration.Milliseconds(),
			},
			at,
		))
	}
	return points
}

// nonEmpty drops tags with empty values; line protocol cannot carry them.
func nonEmpty(tags map[string]string) map[string]string {
	for k, v := range tags {
		if v == "" {
			delete(tags, k)
		}
	}
	return tags
}
