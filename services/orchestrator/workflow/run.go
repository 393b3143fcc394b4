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
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianQuill/pkg/telemetry"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/revision"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/steps"
)

// Stage names recorded in the bottleneck detector.
const (
	StagePipeline = "pipeline"
	StageRevision = "revision"
)

// archiveTimeout bounds one archive write.
const archiveTimeout = 5 * time.Second

// run drives one claimed record to a terminal state and returns its outcome.
func (o *Orchestrator) run(ctx context.Context, rec *record) datatypes.WorkflowOutcome {
	spec := rec.spec
	ctx, span := tracer.Start(ctx, "workflow.Run", trace.WithAttributes(
		attribute.String("workflow.handle", rec.handle.String()),
		attribute.String("workflow.kind", string(spec.Kind)),
		attribute.Bool("workflow.revise", spec.Revise),
	))
	defer span.End()

	if err := o.running.Acquire(ctx, 1); err != nil {
		out := o.cancelledOutcome(rec, interruption(ctx))
		return o.finish(ctx, rec, out)
	}
	defer o.running.Release(1)

	if err := context.Cause(ctx); err != nil {
		return o.finish(ctx, rec, o.cancelledOutcome(rec, interruption(ctx)))
	}

	req := o.requestFor(spec)
	timeout := o.timeoutFor(spec)
	if !o.resources.TryAllocate(ctx, rec.handle, req, timeout) {
		err := fmt.Errorf("%w: requested cpu=%.2f memory=%.2f disk=%.2f",
			datatypes.ErrResourceUnavailable, req.CPU, req.Memory, req.Disk)
		span.SetAttributes(attribute.Bool("workflow.admitted", false))
		out := o.baseOutcome(rec, req)
		o.fail(&out, err)
		return o.finish(ctx, rec, out)
	}

	o.mu.Lock()
	rec.allocated = true
	rec.state = datatypes.StateAdmitted
	o.mu.Unlock()
	span.SetAttributes(attribute.Bool("workflow.admitted", true))

	out := o.runAdmitted(ctx, rec, req, timeout)
	if out.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, out.Error)
	}
	return o.finish(ctx, rec, out)
}

// runAdmitted executes the pipeline and revision loop of an admitted
// record. The allocation is released and the metrics log closed on every
// exit path, including a panic.
func (o *Orchestrator) runAdmitted(ctx context.Context, rec *record, req datatypes.ResourceRequest, timeout time.Duration) (out datatypes.WorkflowOutcome) {
	startedAt := o.now()
	o.mu.Lock()
	rec.state = datatypes.StateRunning
	rec.startedAt = startedAt
	o.mu.Unlock()

	o.enterRunning(ctx, rec.handle)
	o.log.WorkflowStarted(rec.handle, map[string]any{
		"kind":     string(rec.spec.Kind),
		"priority": string(rec.spec.Priority),
		"revise":   rec.spec.Revise,
	})

	out = o.baseOutcome(rec, req)
	out.StartedAt = startedAt
	stage := StagePipeline
	var failure error
	fail := func(err error) {
		failure = err
		o.fail(&out, err)
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("workflow panicked", "handle", rec.handle, "stage", stage, "panic", r)
			out.Result = nil
			fail(&datatypes.StepExecutionError{Step: stage, Err: fmt.Errorf("panic: %v", r)})
		}
		o.leaveRunning(ctx)
		o.release(rec)

		out.CompletedAt = o.now()
		out.Duration = out.CompletedAt.Sub(out.StartedAt)
		usage := o.resources.CurrentUtilization(context.WithoutCancel(ctx)).Usage()
		out.Usage = &usage
		o.settle(rec, &out)
		if out.Success {
			o.log.WorkflowEnded(rec.handle, out)
			return
		}
		if failure == nil {
			failure = datatypes.ErrCancelled
		}
		o.log.WorkflowFailed(rec.handle, failure, out)
	}()

	ctx, cancel := context.WithTimeoutCause(ctx, timeout, fmt.Errorf("%w after %s", datatypes.ErrTimeout, timeout))
	defer cancel()

	results, samples, err := o.runPipeline(ctx, rec)
	out.Steps = samples
	if err != nil {
		fail(err)
		return out
	}

	if rec.spec.Revise {
		stage = StageRevision
		summary, err := o.runRevision(ctx, rec, results)
		out.Revision = summary
		if err != nil {
			fail(err)
			return out
		}
	}

	out.Success = true
	out.Result = results
	return out
}

// runPipeline runs every configured step in order. Each step receives the
// spec input merged with all earlier step results.
func (o *Orchestrator) runPipeline(ctx context.Context, rec *record) (map[string]any, []datatypes.StepSample, error) {
	start := o.now()
	args := make(map[string]any, len(rec.spec.Input))
	for k, v := range rec.spec.Input {
		args[k] = v
	}
	results := make(map[string]any)
	var samples []datatypes.StepSample

	err := func() error {
		for _, name := range o.cfg.Pipeline {
			// Cancellation is observed at step boundaries.
			if context.Cause(ctx) != nil {
				return interruption(ctx)
			}
			exec, err := o.registry.Lookup(name)
			if err != nil {
				return &datatypes.StepExecutionError{Step: name, Err: err}
			}

			out, sample, err := o.runStep(ctx, rec.handle, name, exec, args)
			if sample != nil {
				samples = append(samples, *sample)
			}
			if err != nil {
				return err
			}
			for k, v := range out {
				args[k] = v
				results[k] = v
			}
		}
		return nil
	}()

	o.detector.RecordStage(StagePipeline, o.now().Sub(start), err == nil)
	if err != nil {
		return nil, samples, err
	}
	return results, samples, nil
}

// runStep invokes one executor raced against ctx. When ctx ends first the
// executor keeps running but its result is discarded and no sample is
// recorded.
func (o *Orchestrator) runStep(ctx context.Context, h datatypes.Handle, name string, exec steps.StepExecutor, args map[string]any) (map[string]any, *datatypes.StepSample, error) {
	ctx, span := tracer.Start(ctx, "workflow.Step", trace.WithAttributes(
		attribute.String("workflow.handle", h.String()),
		attribute.String("step.name", name),
	))
	defer span.End()

	input := make(map[string]any, len(args))
	for k, v := range args {
		input[k] = v
	}

	type result struct {
		out map[string]any
		err error
	}
	ch := make(chan result, 1)
	start := o.now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := exec.Run(ctx, input)
		ch <- result{out: out, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		err := interruption(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "interrupted")
		return nil, nil, err
	case res = <-ch:
	}

	duration := o.now().Sub(start)
	if res.err != nil && context.Cause(ctx) != nil {
		// The executor gave up because ctx ended; report the interruption.
		err := interruption(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "interrupted")
		return nil, nil, err
	}

	sample := datatypes.StepSample{
		Name:      name,
		Duration:  duration,
		Success:   res.err == nil,
		Timestamp: o.now(),
		Handle:    h,
	}
	if res.err != nil {
		sample.Error = res.err.Error()
	}
	o.recordStep(ctx, sample)

	if res.err != nil {
		err := &datatypes.StepExecutionError{Step: name, Err: res.err}
		telemetry.RecordError(span, err, attribute.String("step", name))
		o.logger.Warn("step failed", "handle", h, "step", name, "duration", duration, "error", res.err)
		return nil, &sample, err
	}
	telemetry.SetSpanOK(span)
	o.logger.Debug("step completed", "handle", h, "step", name, "duration", duration)
	return res.out, &sample, nil
}

func (o *Orchestrator) recordStep(ctx context.Context, s datatypes.StepSample) {
	o.log.RecordStep(s)
	o.detector.RecordStep(s.Name, s.Duration, s.Success, nil)
	o.metrics.RecordStep(s.Name, s.Success, s.Duration.Seconds())
	o.inst.recordStep(ctx, s.Name, s.Success, s.Duration.Seconds())
}

// runRevision drives the revision controller until its state is terminal.
// The revised draft replaces results[steps.KeyDraft].
func (o *Orchestrator) runRevision(ctx context.Context, rec *record, results map[string]any) (*datatypes.RevisionSummary, error) {
	start := o.now()
	draft, _ := results[steps.KeyDraft].(string)
	st := revision.NewState(rec.spec.Prompt(), draft)

	var err error
	for !st.Phase.Terminal() {
		if context.Cause(ctx) != nil {
			err = interruption(ctx)
			break
		}
		res := o.revision.RunCycle(ctx, st)
		if res.Err != nil {
			err = res.Err
			if context.Cause(ctx) != nil {
				err = interruption(ctx)
			}
			break
		}
	}

	summary := st.Summary(o.revision.TargetScore())
	o.detector.RecordStage(StageRevision, o.now().Sub(start), err == nil)
	o.metrics.RecordRevision(summary.Attempts, summary.FinalScore)

	if err != nil {
		return &summary, err
	}
	results[steps.KeyDraft] = st.Draft
	if len(st.Changes) > 0 {
		results["revision_changes"] = append([]string(nil), st.Changes...)
	}
	o.logger.Info("revision finished",
		"handle", rec.handle,
		"attempts", summary.Attempts,
		"score", summary.FinalScore,
		"reason", summary.Reason,
	)
	return &summary, nil
}

// =============================================================================
// Outcome bookkeeping
// =============================================================================

func (o *Orchestrator) baseOutcome(rec *record, req datatypes.ResourceRequest) datatypes.WorkflowOutcome {
	return datatypes.WorkflowOutcome{
		Handle:     rec.handle,
		Kind:       rec.spec.Kind,
		Priority:   rec.spec.Priority,
		Allocation: req,
	}
}

func (o *Orchestrator) cancelledOutcome(rec *record, err error) datatypes.WorkflowOutcome {
	out := o.baseOutcome(rec, datatypes.ResourceRequest{})
	o.fail(&out, err)
	return out
}

func (o *Orchestrator) fail(out *datatypes.WorkflowOutcome, err error) {
	out.Success = false
	out.Error = err.Error()
	out.ErrorKind = datatypes.KindOf(err)
}

// settle decides the terminal state of out. A cancellation request always
// wins: whatever the pipeline produced is discarded.
func (o *Orchestrator) settle(rec *record, out *datatypes.WorkflowOutcome) {
	o.mu.Lock()
	cancelRequested := rec.cancelRequested
	o.mu.Unlock()

	switch {
	case cancelRequested:
		out.Success = false
		out.Result = nil
		out.State = datatypes.StateCancelled
		if out.ErrorKind != datatypes.ErrorKindCancelled {
			out.Error = datatypes.ErrCancelled.Error()
			out.ErrorKind = datatypes.ErrorKindCancelled
		}
	case out.Success:
		out.State = datatypes.StateCompleted
	case out.ErrorKind == datatypes.ErrorKindCancelled:
		out.State = datatypes.StateCancelled
	default:
		out.State = datatypes.StateFailed
	}
}

// finish publishes the terminal outcome of rec exactly once.
func (o *Orchestrator) finish(ctx context.Context, rec *record, out datatypes.WorkflowOutcome) datatypes.WorkflowOutcome {
	if out.State == "" {
		o.settle(rec, &out)
	}
	if out.CompletedAt.IsZero() {
		out.CompletedAt = o.now()
	}
	if out.StartedAt.IsZero() {
		out.StartedAt = rec.submittedAt
	}

	o.mu.Lock()
	if rec.outcome != nil {
		prev := *rec.outcome
		o.mu.Unlock()
		return prev
	}
	rec.state = out.State
	rec.completedAt = out.CompletedAt
	rec.outcome = &out
	if rec.cancel != nil {
		rec.cancel(nil)
	}
	close(rec.done)
	o.mu.Unlock()

	seconds := out.CompletedAt.Sub(out.StartedAt).Seconds()
	o.metrics.RecordWorkflow(out.Kind, out.State, seconds)
	o.inst.recordWorkflow(context.WithoutCancel(ctx), string(out.Kind), string(out.State), seconds)

	if o.archive != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		if err := o.archive.Put(actx, out); err != nil {
			o.logger.Warn("archive write failed", "handle", out.Handle, "error", err)
			o.metrics.RecordMonitoringError("archive")
		}
		cancel()
	}

	if out.Success {
		o.logger.Info("workflow completed", "handle", out.Handle, "kind", out.Kind, "duration", out.Duration)
	} else {
		o.logger.Info("workflow ended", "handle", out.Handle, "state", out.State, "error_kind", out.ErrorKind, "error", out.Error)
	}
	return out
}

// release frees the allocation of rec at most once.
func (o *Orchestrator) release(rec *record) {
	o.mu.Lock()
	if !rec.allocated || rec.released {
		o.mu.Unlock()
		return
	}
	rec.released = true
	o.mu.Unlock()

	if !o.resources.Release(rec.handle) {
		o.violation(rec.handle, "allocation missing at release")
	}
}

// violation reports an orchestration invariant violation.
func (o *Orchestrator) violation(h datatypes.Handle, detail string) {
	err := &datatypes.OrchestrationError{Handle: h, Detail: detail}
	o.logger.Error("orchestration invariant violated", "handle", h, "detail", detail)
	o.metrics.RecordMonitoringError("invariant")
	if o.cfg.StrictInvariants {
		panic(err)
	}
}

// checkAllocations force-releases any allocation still held by a terminal
// record.
func (o *Orchestrator) checkAllocations() {
	for _, a := range o.resources.Allocations() {
		o.mu.Lock()
		rec, ok := o.records[a.Handle]
		leaked := ok && rec.state.Terminal()
		o.mu.Unlock()
		if leaked {
			o.resources.Release(a.Handle)
			o.violation(a.Handle, "allocation held after terminal state")
		}
	}
}

func (o *Orchestrator) enterRunning(ctx context.Context, h datatypes.Handle) {
	n := o.active.Add(1)
	for {
		p := o.peak.Load()
		if n <= p || o.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if n > int64(o.cfg.MaxConcurrentWorkflows) {
		o.violation(h, fmt.Sprintf("running bound exceeded: %d > %d", n, o.cfg.MaxConcurrentWorkflows))
	}
	o.metrics.WorkflowRunning()
	o.inst.addActive(ctx, 1)
}

func (o *Orchestrator) leaveRunning(ctx context.Context) {
	o.active.Add(-1)
	o.metrics.WorkflowStopped()
	o.inst.addActive(context.WithoutCancel(ctx), -1)
}

func (o *Orchestrator) requestFor(spec datatypes.WorkflowSpec) datatypes.ResourceRequest {
	if spec.Resources != nil {
		return *spec.Resources
	}
	return o.resources.Requirements(spec.Kind)
}

func (o *Orchestrator) timeoutFor(spec datatypes.WorkflowSpec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return o.cfg.DefaultTimeout
}

// interruption maps the end of ctx to ErrTimeout or ErrCancelled.
func interruption(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return datatypes.ErrCancelled
	case errors.Is(cause, datatypes.ErrTimeout), errors.Is(cause, datatypes.ErrCancelled):
		return cause
	default:
		return fmt.Errorf("%w: %w", datatypes.ErrCancelled, cause)
	}
}
