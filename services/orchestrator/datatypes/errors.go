// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrResourceUnavailable means admission was refused. Callers may retry.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrStepExecution means a pipeline step returned an error or panicked.
	ErrStepExecution = errors.New("step execution failed")

	// ErrEvaluation means the evaluator failed inside the revision loop.
	ErrEvaluation = errors.New("evaluation failed")

	// ErrRevision means the reviser failed inside the revision loop.
	ErrRevision = errors.New("revision failed")

	// ErrMonitoring means a telemetry or analysis pass failed.
	// Never propagated to workflow execution.
	ErrMonitoring = errors.New("monitoring failed")

	// ErrOrchestration marks an internal invariant violation.
	ErrOrchestration = errors.New("orchestration invariant violated")

	// ErrTimeout means the workflow exceeded its deadline.
	ErrTimeout = errors.New("workflow timed out")

	// ErrCancelled means the workflow was cancelled by a caller.
	ErrCancelled = errors.New("workflow cancelled")

	// ErrNotFound means the handle is unknown.
	ErrNotFound = errors.New("workflow not found")

	// ErrInvalidSpec means a submission failed validation.
	ErrInvalidSpec = errors.New("invalid workflow spec")

	// ErrNotRunning means the orchestrator has not been started or was stopped.
	ErrNotRunning = errors.New("orchestrator not running")
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind is the stable, serializable classification of an outcome error.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindResourceUnavailable ErrorKind = "resource_unavailable"
	ErrorKindStepExecution       ErrorKind = "step_execution"
	ErrorKindEvaluation          ErrorKind = "evaluation"
	ErrorKindRevision            ErrorKind = "revision"
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindCancelled           ErrorKind = "cancelled"
	ErrorKindOrchestration       ErrorKind = "orchestration"
	ErrorKindInvalidSpec         ErrorKind = "invalid_spec"
	ErrorKindInternal            ErrorKind = "internal"
)

// KindOf classifies err. Returns ErrorKindNone for nil.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrResourceUnavailable):
		return ErrorKindResourceUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, ErrEvaluation):
		return ErrorKindEvaluation
	case errors.Is(err, ErrRevision):
		return ErrorKindRevision
	case errors.Is(err, ErrStepExecution):
		return ErrorKindStepExecution
	case errors.Is(err, ErrOrchestration):
		return ErrorKindOrchestration
	case errors.Is(err, ErrInvalidSpec):
		return ErrorKindInvalidSpec
	default:
		return ErrorKindInternal
	}
}

// =============================================================================
// Typed Errors
// =============================================================================

// StepExecutionError wraps the failure of one named pipeline step.
type StepExecutionError struct {
	Step string
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q: %v", e.Step, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *StepExecutionError) Unwrap() []error {
	return []error{ErrStepExecution, e.Err}
}

// MonitoringError wraps a failed monitoring pass.
type MonitoringError struct {
	Op  string
	Err error
}

func (e *MonitoringError) Error() string {
	return fmt.Sprintf("monitoring %s: %v", e.Op, e.Err)
}

func (e *MonitoringError) Unwrap() []error {
	return []error{ErrMonitoring, e.Err}
}

// OrchestrationError describes an invariant violation for one handle.
type OrchestrationError struct {
	Handle Handle
	Detail string
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("%v: handle %s: %s", ErrOrchestration, e.Handle, e.Detail)
}

func (e *OrchestrationError) Unwrap() error {
	return ErrOrchestration
}
