// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the shared data model of the workflow
// orchestrator: workflow specifications, handles, states, resource
// requests, telemetry samples, outcomes and the error taxonomy.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var validate = validator.New()

// =============================================================================
// Enumerations
// =============================================================================

// WorkflowKind selects the default resource profile of a workflow.
type WorkflowKind string

const (
	KindGeneric  WorkflowKind = "generic"
	KindBatch    WorkflowKind = "batch"
	KindAnalysis WorkflowKind = "analysis"
)

// Valid reports whether k is one of the known kinds.
func (k WorkflowKind) Valid() bool {
	switch k {
	case KindGeneric, KindBatch, KindAnalysis:
		return true
	}
	return false
}

// Priority is carried for reporting only. Scheduling is FIFO.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// WorkflowState is the lifecycle state of a submitted workflow.
//
//	Queued -> Admitted -> Running -> Completed | Failed | Cancelled
//	Queued -> Cancelled
//	Queued -> Failed (admission refused)
type WorkflowState string

const (
	StateQueued    WorkflowState = "queued"
	StateAdmitted  WorkflowState = "admitted"
	StateRunning   WorkflowState = "running"
	StateCompleted WorkflowState = "completed"
	StateFailed    WorkflowState = "failed"
	StateCancelled WorkflowState = "cancelled"

	// StateNotFound is reported for handles the orchestrator does not know.
	StateNotFound WorkflowState = "not_found"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// =============================================================================
// Handle
// =============================================================================

// Handle is the opaque identifier returned at submission time.
type Handle string

// NewHandle returns a fresh random UUID handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// String returns the handle text.
func (h Handle) String() string {
	return string(h)
}

// =============================================================================
// Workflow Specification
// =============================================================================

// WorkflowSpec describes one workflow submission. It is immutable once
// submitted: the orchestrator stores a normalized copy.
type WorkflowSpec struct {
	// Kind selects default resource requirements. Default: generic.
	Kind WorkflowKind `json:"kind,omitempty" yaml:"kind" validate:"omitempty,oneof=generic batch analysis"`

	// Input is passed to the first pipeline step and merged into the
	// arguments of every later step. "prompt" is used by the revision loop.
	Input map[string]any `json:"input,omitempty" yaml:"input"`

	// Priority is informational. Default: normal.
	Priority Priority `json:"priority,omitempty" yaml:"priority" validate:"omitempty,oneof=low normal high"`

	// Resources overrides the kind-default request when set.
	Resources *ResourceRequest `json:"resources,omitempty" yaml:"resources"`

	// Timeout bounds the whole run. Zero means the orchestrator default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout" validate:"gte=0"`

	// Revise enables the evaluate/revise loop after the pipeline.
	Revise bool `json:"revise,omitempty" yaml:"revise"`
}

// Validate checks field constraints.
//
// # Outputs
//
//   - error: Wraps ErrInvalidSpec when a constraint is violated.
func (s WorkflowSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if s.Resources != nil {
		if err := s.Resources.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Normalized returns a copy with defaults applied and the input map and
// resource request copied, so later caller mutation cannot leak in.
func (s WorkflowSpec) Normalized() WorkflowSpec {
	out := s
	if out.Kind == "" {
		out.Kind = KindGeneric
	}
	if out.Priority == "" {
		out.Priority = PriorityNormal
	}
	if s.Input != nil {
		out.Input = make(map[string]any, len(s.Input))
		for k, v := range s.Input {
			out.Input[k] = v
		}
	}
	if s.Resources != nil {
		req := *s.Resources
		out.Resources = &req
	}
	return out
}

// Prompt returns Input["prompt"] when it is a string.
func (s WorkflowSpec) Prompt() string {
	if p, ok := s.Input["prompt"].(string); ok {
		return p
	}
	return ""
}

// =============================================================================
// Outcome
// =============================================================================

// RevisionSummary condenses one workflow's revision phase.
type RevisionSummary struct {
	Attempts         int     `json:"attempts"`
	InitialScore     float64 `json:"initial_score"`
	FinalScore       float64 `json:"final_score"`
	TotalImprovement float64 `json:"total_improvement"`
	Trend            string  `json:"trend"`
	TargetReached    bool    `json:"target_reached"`
	Reason           string  `json:"reason,omitempty"`
}

// WorkflowOutcome is the immutable terminal record of one workflow.
type WorkflowOutcome struct {
	Handle      Handle           `json:"handle"`
	Kind        WorkflowKind     `json:"kind"`
	Priority    Priority         `json:"priority,omitempty"`
	State       WorkflowState    `json:"state"`
	Success     bool             `json:"success"`
	Result      map[string]any   `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Duration    time.Duration    `json:"duration"`
	Allocation  ResourceRequest  `json:"allocation"`
	Usage       *ResourceUsage   `json:"usage,omitempty"`
	Steps       []StepSample     `json:"steps,omitempty"`
	Revision    *RevisionSummary `json:"revision,omitempty"`
}
