// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianQuill/pkg/telemetry"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/dashboard"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/metricslog"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/steps"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/workflow"
)

// Step backends.
const (
	BackendSimulated = "simulated"
	BackendOpenAI    = "openai"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds every setting of the service. It is usually loaded from
// YAML with LoadConfig; zero fields take defaults in New.
//
// # Examples
//
//	port: 12210
//	api_token: change-me
//	workflow:
//	  max_concurrent_workflows: 8
//	  default_timeout: 2m
//	resources:
//	  limits: {cpu: 0.8, memory: 0.85, disk: 0.9}
//	steps:
//	  backend: openai
//	  openai:
//	    model: gpt-4o-mini
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// GinMode sets the Gin framework mode: debug, release or test.
	// Empty leaves GIN_MODE in effect.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// APIToken guards mutating routes. QUILL_API_TOKEN overrides it.
	APIToken string `yaml:"api_token"`

	// ShutdownTimeout bounds graceful HTTP shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	Log        LogConfig        `yaml:"log"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Workflow   workflow.Config  `yaml:"workflow"`
	Resources  ResourcesConfig  `yaml:"resources"`
	Bottleneck BottleneckConfig `yaml:"bottleneck"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Revision   RevisionConfig   `yaml:"revision"`
	Steps      StepsConfig      `yaml:"steps"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// ResourcesConfig configures the resource manager.
type ResourcesConfig struct {
	// Limits default to cpu 0.8, memory 0.85, disk 0.9. Each unset field
	// takes its default independently.
	Limits datatypes.ResourceRequest `yaml:"limits"`

	// Requirements override the per-kind defaults.
	Requirements map[datatypes.WorkflowKind]datatypes.ResourceRequest `yaml:"requirements"`

	// DiskPath is the filesystem sampled for disk usage. Default "/".
	DiskPath string `yaml:"disk_path"`

	HistorySize   int           `yaml:"history_size" validate:"gte=0"`
	ScalingWindow time.Duration `yaml:"scaling_window" validate:"gte=0"`
}

// BottleneckConfig configures the detector.
type BottleneckConfig struct {
	MinSamples int           `yaml:"min_samples" validate:"gte=0"`
	CacheTTL   time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

// MetricsConfig configures the execution log and its JSONL store.
type MetricsConfig struct {
	// Dir holds hourly metrics_YYYYMMDD_HH.jsonl partitions. Empty keeps
	// metrics in memory only.
	Dir string `yaml:"dir"`

	// ReplayWindow is how much history is reloaded at startup. Default 24h.
	ReplayWindow time.Duration `yaml:"replay_window" validate:"gte=0"`

	// Retention prunes partitions older than this at startup. Zero keeps all.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`

	CompletedHistory int `yaml:"completed_history" validate:"gte=0"`

	// Influx additionally exports each completed execution to InfluxDB v2
	// when a URL is set.
	Influx metricslog.InfluxConfig `yaml:"influx"`
}

// RevisionConfig configures the evaluate/revise loop.
type RevisionConfig struct {
	// TargetScore default: 8.0
	TargetScore float64 `yaml:"target_score" validate:"gte=0,lte=10"`

	// MaxAttempts default: 3. An explicit 0 disables revision.
	MaxAttempts *int `yaml:"max_attempts" validate:"omitempty,gte=0"`
}

// StepsConfig selects the pipeline step implementations.
type StepsConfig struct {
	// Backend is simulated or openai. Default: simulated
	Backend string `yaml:"backend" validate:"omitempty,oneof=simulated openai"`

	// Latency is slept by each simulated step.
	Latency time.Duration `yaml:"latency" validate:"gte=0"`

	OpenAI steps.OpenAIConfig `yaml:"openai"`
}

// ArchiveConfig configures the badger outcome archive.
type ArchiveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path" validate:"required_if=Enabled true InMemory false"`
	InMemory bool          `yaml:"in_memory"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
}

// DashboardConfig configures snapshot computation.
type DashboardConfig struct {
	Window     time.Duration        `yaml:"window" validate:"gte=0"`
	CacheTTL   time.Duration        `yaml:"cache_ttl" validate:"gte=0"`
	Thresholds dashboard.Thresholds `yaml:"thresholds"`
}

// =============================================================================
// Loading
// =============================================================================

var configValidate = validator.New()

// LoadConfig reads and validates a YAML config file.
//
// # Inputs
//
//   - path: File to read. Empty returns the defaults.
//
// # Outputs
//
//   - Config: Defaults applied.
//   - error: Read, parse or validation failure. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if token := os.Getenv("QUILL_API_TOKEN"); token != "" {
		cfg.APIToken = token
	}

	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	def := telemetry.DefaultConfig()
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = def.ServiceVersion
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = def.Environment
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = def.TraceExporter
	}
	if cfg.Telemetry.MetricExporter == "" {
		cfg.Telemetry.MetricExporter = def.MetricExporter
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		cfg.Telemetry.OTLPEndpoint = def.OTLPEndpoint
		cfg.Telemetry.OTLPInsecure = def.OTLPInsecure
	}

	// Each limit defaults on its own so a file may set only cpu.
	if cfg.Resources.Limits.CPU == 0 {
		cfg.Resources.Limits.CPU = 0.80
	}
	if cfg.Resources.Limits.Memory == 0 {
		cfg.Resources.Limits.Memory = 0.85
	}
	if cfg.Resources.Limits.Disk == 0 {
		cfg.Resources.Limits.Disk = 0.90
	}
	if cfg.Resources.DiskPath == "" {
		cfg.Resources.DiskPath = "/"
	}

	if cfg.Metrics.ReplayWindow == 0 {
		cfg.Metrics.ReplayWindow = 24 * time.Hour
	}

	if cfg.Revision.TargetScore == 0 {
		cfg.Revision.TargetScore = 8.0
	}
	if cfg.Revision.MaxAttempts == nil {
		attempts := 3
		cfg.Revision.MaxAttempts = &attempts
	}

	if cfg.Steps.Backend == "" {
		cfg.Steps.Backend = BackendSimulated
	}

	if cfg.Dashboard.Window == 0 {
		cfg.Dashboard.Window = time.Hour
	}
	if cfg.Dashboard.Thresholds == (dashboard.Thresholds{}) {
		cfg.Dashboard.Thresholds = dashboard.DefaultThresholds()
	}
	return cfg
}
