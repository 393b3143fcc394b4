// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metricslog records workflow and step executions and summarizes
// them into performance reports.
//
// # Description
//
// The Log moves each workflow handle from an active set into a bounded
// completed history when it ends. Step samples are kept in bounded per-step
// histories and, when the sample names an active workflow, attached to that
// workflow's execution record.
//
// Completed executions can optionally be persisted to hourly JSONL files
// through a Store and replayed on startup. Persistence failures are logged
// and never affect in-memory state.
//
// # Thread Safety
//
// Log is safe for concurrent use.
package metricslog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/pkg/ringbuffer"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

// Execution is one persisted workflow record: the outcome fields plus the
// metadata supplied at start.
type Execution struct {
	datatypes.WorkflowOutcome
	Meta map[string]any `json:"meta,omitempty"`
}

type activeExecution struct {
	meta      map[string]any
	startedAt time.Time
	steps     []datatypes.StepSample
}

// Config configures a Log.
type Config struct {
	// CompletedHistory bounds the completed execution history. Default 1000.
	CompletedHistory int

	// StepHistory bounds each per-step sample history. Default 1000.
	StepHistory int

	// CacheTTL bounds how long a Summary result is reused. Default 5m.
	CacheTTL time.Duration

	// Store persists completed executions. Optional.
	Store Store

	// Exporters receive each completed execution after the Store. Optional.
	Exporters []Exporter

	// Replayed is called for each execution Replay loads, oldest first,
	// so other consumers of step samples can rebuild their history.
	Replayed func(Execution)

	Logger *logging.Logger
	Now    func() time.Time
}

type cachedReport struct {
	at      time.Time
	version uint64
	report  PerformanceReport
}

// Log is the append-only execution record.
type Log struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
	store  Store
	export []Exporter

	mu        sync.Mutex
	active    map[datatypes.Handle]*activeExecution
	steps     map[string]*ringbuffer.Buffer[datatypes.StepSample]
	completed *ringbuffer.Buffer[Execution]
	version   uint64
	cache     map[time.Duration]cachedReport
}

// New creates a Log.
func New(cfg Config) *Log {
	if cfg.CompletedHistory <= 0 {
		cfg.CompletedHistory = 1000
	}
	if cfg.StepHistory <= 0 {
		cfg.StepHistory = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Log{
		cfg:       cfg,
		logger:    cfg.Logger.Component("metricslog"),
		now:       cfg.Now,
		store:     cfg.Store,
		export:    cfg.Exporters,
		active:    make(map[datatypes.Handle]*activeExecution),
		steps:     make(map[string]*ringbuffer.Buffer[datatypes.StepSample]),
		completed: ringbuffer.New[Execution](cfg.CompletedHistory),
		cache:     make(map[time.Duration]cachedReport),
	}
}

// WorkflowStarted marks handle active. A duplicate start is logged and ignored.
func (l *Log) WorkflowStarted(handle datatypes.Handle, meta map[string]any) {
	l.mu.Lock()
	if _, ok := l.active[handle]; ok {
		l.mu.Unlock()
		l.logger.Warn("workflow already active", "handle", handle)
		return
	}
	copied := make(map[string]any, len(meta))
	for k, v := range meta {
		copied[k] = v
	}
	l.active[handle] = &activeExecution{meta: copied, startedAt: l.now()}
	l.version++
	l.mu.Unlock()
}

// WorkflowEnded moves handle from the active set to the completed history.
//
// # Description
//
// Step samples attached while the workflow was active are used when the
// outcome carries none. Missing start and completion times are filled in.
//
// # Outputs
//
//   - bool: false if handle was not active. This is a warning, not an error.
func (l *Log) WorkflowEnded(handle datatypes.Handle, outcome datatypes.WorkflowOutcome) bool {
	l.mu.Lock()
	act, ok := l.active[handle]
	if !ok {
		l.mu.Unlock()
		l.logger.Warn("workflow end reported for unknown handle", "handle", handle)
		return false
	}
	delete(l.active, handle)

	outcome.Handle = handle
	if outcome.StartedAt.IsZero() {
		outcome.StartedAt = act.startedAt
	}
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = l.now()
	}
	if outcome.Duration == 0 {
		outcome.Duration = outcome.CompletedAt.Sub(outcome.StartedAt)
	}
	if len(outcome.Steps) == 0 && len(act.steps) > 0 {
		outcome.Steps = append([]datatypes.StepSample(nil), act.steps...)
	}
	if outcome.State == "" {
		outcome.State = datatypes.StateCompleted
		if !outcome.Success {
			outcome.State = datatypes.StateFailed
		}
	}
	exec := Execution{WorkflowOutcome: outcome, Meta: act.meta}
	l.completed.Push(exec)
	l.version++
	l.mu.Unlock()

	l.persist(exec)
	return true
}

// WorkflowFailed ends handle as unsuccessful. outcome supplies whatever
// the caller already knows and may be zero; err fills Error and ErrorKind
// when outcome leaves them empty. State defaults to Failed.
func (l *Log) WorkflowFailed(handle datatypes.Handle, err error, outcome datatypes.WorkflowOutcome) bool {
	outcome.Success = false
	if outcome.State == "" || outcome.State == datatypes.StateCompleted {
		outcome.State = datatypes.StateFailed
	}
	if err != nil {
		if outcome.Error == "" {
			outcome.Error = err.Error()
		}
		if outcome.ErrorKind == "" {
			outcome.ErrorKind = datatypes.KindOf(err)
		}
	}
	return l.WorkflowEnded(handle, outcome)
}

// RecordStep appends a step sample to its per-step history and, when the
// sample's handle is active, to that workflow's execution record.
func (l *Log) RecordStep(sample datatypes.StepSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = l.now()
	}

	l.mu.Lock()
	h, ok := l.steps[sample.Name]
	if !ok {
		h = ringbuffer.New[datatypes.StepSample](l.cfg.StepHistory)
		l.steps[sample.Name] = h
	}
	if sample.Handle != "" {
		if act, ok := l.active[sample.Handle]; ok {
			act.steps = append(act.steps, sample)
		}
	}
	l.version++
	l.mu.Unlock()

	h.Push(sample)
}

// ActiveCount returns the number of active workflows.
func (l *Log) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// IsActive reports whether handle is active.
func (l *Log) IsActive(handle datatypes.Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[handle]
	return ok
}

// Completed returns executions completed within window, oldest first.
// A non-positive window returns the whole history.
func (l *Log) Completed(window time.Duration) []Execution {
	if window <= 0 {
		return l.completed.Snapshot()
	}
	cutoff := l.now().Add(-window)
	return l.completed.Filter(func(e Execution) bool { return !e.CompletedAt.Before(cutoff) })
}

// StepSamples returns the samples for one step within window, oldest first.
func (l *Log) StepSamples(name string, window time.Duration) []datatypes.StepSample {
	l.mu.Lock()
	h, ok := l.steps[name]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if window <= 0 {
		return h.Snapshot()
	}
	cutoff := l.now().Add(-window)
	return h.Filter(func(s datatypes.StepSample) bool { return !s.Timestamp.Before(cutoff) })
}

// Replay reloads executions completed within maxAge from the Store into the
// completed and step histories, passing each one to Config.Replayed.
//
// # Outputs
//
//   - int: Number of executions loaded.
//   - error: Non-nil if part of the store could not be read. Partial
//     results are kept and the caller decides how to report the error.
func (l *Log) Replay(ctx context.Context, maxAge time.Duration) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	var since time.Time
	if maxAge > 0 {
		since = l.now().Add(-maxAge)
	}

	execs, err := l.store.Load(ctx, since)
	for _, e := range execs {
		l.completed.Push(e)
		for _, s := range e.Steps {
			l.mu.Lock()
			h, ok := l.steps[s.Name]
			if !ok {
				h = ringbuffer.New[datatypes.StepSample](l.cfg.StepHistory)
				l.steps[s.Name] = h
			}
			l.mu.Unlock()
			h.Push(s)
		}
		if l.cfg.Replayed != nil {
			l.cfg.Replayed(e)
		}
	}

	l.mu.Lock()
	l.version++
	l.mu.Unlock()

	if err != nil {
		return len(execs), err
	}
	l.logger.Info("metrics replayed", "loaded", len(execs))
	return len(execs), nil
}

// Close closes the Store, if any.
func (l *Log) Close() error {
	var errs []error
	if l.store != nil {
		errs = append(errs, l.store.Close())
	}
	for _, e := range l.export {
		errs = append(errs, e.Close())
	}
	return errors.Join(errs...)
}

func (l *Log) persist(exec Execution) {
	if l.store == nil && len(l.export) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if l.store != nil {
		if err := l.store.Append(ctx, exec); err != nil {
			l.logger.Warn("metrics persistence failed", "handle", exec.Handle, "error", err)
		}
	}
	for _, e := range l.export {
		if err := e.Export(ctx, exec); err != nil {
			l.logger.Warn("metrics export failed", "handle", exec.Handle, "error", err)
		}
	}
}

func (l *Log) stepNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.steps))
	for n := range l.steps {
		names = append(names, n)
	}
	return names
}
