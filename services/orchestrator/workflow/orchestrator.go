// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow is the top-level coordinator of essay workflows.
//
// # Description
//
// An Orchestrator accepts workflow submissions, admits them against the
// resource budget, runs the step pipeline on a bounded worker pool,
// optionally drives the revision loop, and records telemetry in the
// metrics log, the bottleneck detector and Prometheus.
//
//	Submit -> queue (FIFO) -> worker -> admission -> pipeline -> revision -> release
//
// Each handle moves through
//
//	Queued -> Admitted -> Running -> Completed | Failed | Cancelled
//
// with Queued -> Cancelled and Queued -> Failed (admission refused) as the
// short paths. The resource allocation of an admitted workflow is released
// on every exit path, including panics raised by step executors.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/pkg/ringbuffer"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/bottleneck"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/metricslog"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/resources"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/revision"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/steps"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures an Orchestrator. Zero fields take defaults.
type Config struct {
	// MaxConcurrentWorkflows bounds both the worker pool and the number of
	// workflows in the Running state. Default 4.
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows" validate:"gte=0"`

	// Pipeline is the ordered list of step names. Default steps.DefaultPipeline.
	Pipeline []string `yaml:"pipeline"`

	// DefaultTimeout applies when a spec carries none. Default 5 minutes.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// Retention keeps terminal records in memory. Default 1 hour.
	Retention time.Duration `yaml:"retention"`

	// SweepInterval is how often expired records are dropped. Default 1 minute.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MonitorInterval is how often bottleneck and scaling analysis run.
	// Default 30 seconds.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// AnalysisWindow is the window passed to Detector.Analyze. Default 1 hour.
	AnalysisWindow time.Duration `yaml:"analysis_window"`

	// AdvisoryInterval and AdvisoryBurst throttle advisory emission.
	// Defaults 1 minute and 5.
	AdvisoryInterval time.Duration `yaml:"advisory_interval"`
	AdvisoryBurst    int           `yaml:"advisory_burst"`

	// AdvisoryHistory bounds the retained advisories. Default 100.
	AdvisoryHistory int `yaml:"advisory_history"`

	// StrictInvariants panics on an orchestration invariant violation
	// instead of logging and forcing a release. Meant for tests.
	StrictInvariants bool `yaml:"-"`

	Logger  *logging.Logger                `yaml:"-"`
	Metrics *observability.WorkflowMetrics `yaml:"-"`
	Now     func() time.Time               `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentWorkflows <= 0 {
		c.MaxConcurrentWorkflows = 4
	}
	if len(c.Pipeline) == 0 {
		c.Pipeline = steps.DefaultPipeline
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.AnalysisWindow <= 0 {
		c.AnalysisWindow = time.Hour
	}
	if c.AdvisoryInterval <= 0 {
		c.AdvisoryInterval = time.Minute
	}
	if c.AdvisoryBurst <= 0 {
		c.AdvisoryBurst = 5
	}
	if c.AdvisoryHistory <= 0 {
		c.AdvisoryHistory = 100
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Archive persists terminal outcomes beyond the in-memory retention.
// archive.OutcomeArchive satisfies it.
type Archive interface {
	Put(ctx context.Context, o datatypes.WorkflowOutcome) error
	Get(ctx context.Context, h datatypes.Handle) (datatypes.WorkflowOutcome, error)
}

// Deps are the collaborators an Orchestrator coordinates.
type Deps struct {
	// Registry resolves pipeline step names. Required.
	Registry *steps.Registry

	// Resources admits workflows. Required.
	Resources *resources.Manager

	// Detector receives step and stage telemetry. Required.
	Detector *bottleneck.Detector

	// Log receives workflow and step records. Required.
	Log *metricslog.Log

	// Revision drives the evaluate/revise loop for specs with Revise set.
	// Optional; without it such specs are rejected.
	Revision *revision.Controller

	// Archive stores terminal outcomes. Optional.
	Archive Archive
}

// =============================================================================
// Types
// =============================================================================

// Status is the externally visible view of one handle.
type Status struct {
	Handle      datatypes.Handle           `json:"handle"`
	State       datatypes.WorkflowState    `json:"state"`
	Kind        datatypes.WorkflowKind     `json:"kind,omitempty"`
	Priority    datatypes.Priority         `json:"priority,omitempty"`
	SubmittedAt time.Time                  `json:"submitted_at,omitempty"`
	StartedAt   time.Time                  `json:"started_at,omitempty"`
	CompletedAt time.Time                  `json:"completed_at,omitempty"`
	Outcome     *datatypes.WorkflowOutcome `json:"outcome,omitempty"`

	// Archived is true when the status was served from the outcome archive.
	Archived bool `json:"archived,omitempty"`
}

// Stats summarizes the orchestrator's bookkeeping.
type Stats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	PeakRunning int `json:"peak_running"`
	Tracked     int `json:"tracked"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
}

// record is the mutable state of one handle. All fields are guarded by
// Orchestrator.mu except spec, which never changes, and done, which is
// closed exactly once by finish.
type record struct {
	handle datatypes.Handle
	spec   datatypes.WorkflowSpec

	state       datatypes.WorkflowState
	submittedAt time.Time
	startedAt   time.Time
	completedAt time.Time

	// cancel is set when a worker or Execute claims the record.
	cancel          context.CancelCauseFunc
	cancelRequested bool
	allocated       bool
	released        bool

	outcome *datatypes.WorkflowOutcome
	done    chan struct{}
}

func (r *record) status() Status {
	s := Status{
		Handle:      r.handle,
		State:       r.state,
		Kind:        r.spec.Kind,
		Priority:    r.spec.Priority,
		SubmittedAt: r.submittedAt,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
	}
	if r.outcome != nil {
		o := *r.outcome
		s.Outcome = &o
	}
	return s
}

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator coordinates workflow execution.
type Orchestrator struct {
	cfg       Config
	registry  *steps.Registry
	resources *resources.Manager
	detector  *bottleneck.Detector
	log       *metricslog.Log
	revision  *revision.Controller
	archive   Archive
	logger    *logging.Logger
	metrics   *observability.WorkflowMetrics
	now       func() time.Time

	running    *semaphore.Weighted
	limiter    *rate.Limiter
	advisories *ringbuffer.Buffer[Advisory]
	inst       instruments

	mu      sync.Mutex
	records map[datatypes.Handle]*record
	queue   []datatypes.Handle
	state   lifecycle
	stopFn  context.CancelFunc
	group   *errgroup.Group
	notify  chan struct{}

	active atomic.Int64
	peak   atomic.Int64
}

// New creates an Orchestrator.
//
// # Description
//
// Validates that every pipeline step is registered so an unknown name fails
// here rather than at run time. The orchestrator does no work until Start
// is called, except for synchronous Execute calls.
//
// # Inputs
//
//   - cfg: Configuration. Zero fields take defaults.
//   - deps: Collaborators. Registry, Resources, Detector and Log are required.
//
// # Outputs
//
//   - *Orchestrator: Ready to Start.
//   - error: Non-nil if a dependency is missing or the pipeline is invalid.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg = cfg.withDefaults()

	switch {
	case deps.Registry == nil:
		return nil, errors.New("step registry is required")
	case deps.Resources == nil:
		return nil, errors.New("resource manager is required")
	case deps.Detector == nil:
		return nil, errors.New("bottleneck detector is required")
	case deps.Log == nil:
		return nil, errors.New("metrics log is required")
	}
	if err := deps.Registry.Validate(cfg.Pipeline); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}

	o := &Orchestrator{
		cfg:        cfg,
		registry:   deps.Registry,
		resources:  deps.Resources,
		detector:   deps.Detector,
		log:        deps.Log,
		revision:   deps.Revision,
		archive:    deps.Archive,
		logger:     cfg.Logger.Component("workflow"),
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		running:    semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkflows)),
		limiter:    rate.NewLimiter(rate.Every(cfg.AdvisoryInterval), cfg.AdvisoryBurst),
		advisories: ringbuffer.New[Advisory](cfg.AdvisoryHistory),
		records:    make(map[datatypes.Handle]*record),
		notify:     make(chan struct{}, 1),
	}
	o.inst.init(o.logger)
	return o, nil
}

// Pipeline returns the configured step names.
func (o *Orchestrator) Pipeline() []string {
	return append([]string(nil), o.cfg.Pipeline...)
}

// MaxConcurrent returns the Running bound.
func (o *Orchestrator) MaxConcurrent() int {
	return o.cfg.MaxConcurrentWorkflows
}

// Start launches the worker pool and the background loops.
//
// # Inputs
//
//   - ctx: Parent of every queued workflow. Cancelling it has the same
//     effect as Stop on running work, but Stop must still be called.
//
// # Outputs
//
//   - error: Non-nil if already started or stopped.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case lifecycleRunning:
		return errors.New("orchestrator already started")
	case lifecycleStopped:
		return datatypes.ErrNotRunning
	}

	base, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(base)
	for i := 0; i < o.cfg.MaxConcurrentWorkflows; i++ {
		g.Go(func() error { return o.worker(gctx) })
	}
	g.Go(func() error { return o.monitorLoop(gctx) })
	g.Go(func() error { return o.sweepLoop(gctx) })

	o.state = lifecycleRunning
	o.stopFn = cancel
	o.group = g
	if len(o.queue) > 0 {
		o.signal()
	}

	o.logger.Info("orchestrator started",
		"workers", o.cfg.MaxConcurrentWorkflows,
		"pipeline", o.cfg.Pipeline,
	)
	return nil
}

// Stop cancels running workflows, cancels queued ones and waits for the
// workers and loops to exit. Safe to call more than once.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.state != lifecycleRunning {
		o.state = lifecycleStopped
		o.mu.Unlock()
		return nil
	}
	o.state = lifecycleStopped
	o.stopFn()
	g := o.group

	var unclaimed []*record
	for _, h := range o.queue {
		if rec := o.records[h]; rec != nil && rec.state == datatypes.StateQueued && rec.cancel == nil {
			unclaimed = append(unclaimed, rec)
		}
	}
	o.queue = nil
	o.mu.Unlock()

	for _, rec := range unclaimed {
		o.finish(context.Background(), rec, o.cancelledOutcome(rec, fmt.Errorf("%w: orchestrator stopping", datatypes.ErrCancelled)))
	}
	o.metrics.SetQueueDepth(0)

	err := g.Wait()
	o.checkAllocations()
	o.logger.Info("orchestrator stopped", "peak_running", o.peak.Load())
	return err
}

// Submit enqueues spec and returns its handle without waiting.
//
// # Outputs
//
//   - datatypes.Handle: Identifies the workflow for Status, Cancel and Wait.
//   - error: ErrInvalidSpec if spec fails validation, ErrNotRunning after Stop.
func (o *Orchestrator) Submit(spec datatypes.WorkflowSpec) (datatypes.Handle, error) {
	spec, err := o.prepare(spec)
	if err != nil {
		return "", err
	}

	rec := o.newRecord(spec)

	o.mu.Lock()
	if o.state == lifecycleStopped {
		o.mu.Unlock()
		return "", datatypes.ErrNotRunning
	}
	o.records[rec.handle] = rec
	o.queue = append(o.queue, rec.handle)
	depth := len(o.queue)
	o.signal()
	o.mu.Unlock()

	o.metrics.SetQueueDepth(depth)
	o.logger.Debug("workflow queued", "handle", rec.handle, "kind", spec.Kind, "queue_depth", depth)
	return rec.handle, nil
}

// Execute runs spec synchronously on the caller's goroutine.
//
// # Description
//
// Execute shares the Running bound with the worker pool, so it may wait
// for a slot. Admission refusal, step failure, timeout and cancellation
// are all reported through the outcome, not the error.
//
// # Outputs
//
//   - datatypes.WorkflowOutcome: Terminal record of the run.
//   - error: ErrInvalidSpec or ErrNotRunning only.
func (o *Orchestrator) Execute(ctx context.Context, spec datatypes.WorkflowSpec) (datatypes.WorkflowOutcome, error) {
	spec, err := o.prepare(spec)
	if err != nil {
		return datatypes.WorkflowOutcome{}, err
	}

	rec := o.newRecord(spec)

	o.mu.Lock()
	if o.state == lifecycleStopped {
		o.mu.Unlock()
		return datatypes.WorkflowOutcome{}, datatypes.ErrNotRunning
	}
	o.records[rec.handle] = rec
	runCtx := o.claimLocked(ctx, rec)
	o.mu.Unlock()

	return o.run(runCtx, rec), nil
}

// Status reports the state of handle. Unknown handles yield StateNotFound.
func (o *Orchestrator) Status(ctx context.Context, h datatypes.Handle) Status {
	o.mu.Lock()
	rec, ok := o.records[h]
	if ok {
		s := rec.status()
		o.mu.Unlock()
		return s
	}
	o.mu.Unlock()

	if out, ok := o.archived(ctx, h); ok {
		return Status{
			Handle:      h,
			State:       out.State,
			Kind:        out.Kind,
			Priority:    out.Priority,
			StartedAt:   out.StartedAt,
			CompletedAt: out.CompletedAt,
			Outcome:     &out,
			Archived:    true,
		}
	}
	return Status{Handle: h, State: datatypes.StateNotFound}
}

// Cancel requests cancellation of handle.
//
// # Description
//
// A workflow still waiting in the queue is cancelled at once. A claimed or
// running workflow stops at its next step boundary; the step in flight is
// not interrupted but its result is discarded.
//
// # Outputs
//
//   - datatypes.WorkflowState: StateCancelled when cancellation was
//     requested, StateNotFound for unknown or already terminal handles.
func (o *Orchestrator) Cancel(h datatypes.Handle) datatypes.WorkflowState {
	o.mu.Lock()
	rec, ok := o.records[h]
	if !ok || rec.state.Terminal() {
		o.mu.Unlock()
		return datatypes.StateNotFound
	}
	if rec.cancelRequested {
		o.mu.Unlock()
		return datatypes.StateCancelled
	}
	rec.cancelRequested = true

	if rec.cancel == nil {
		// Not yet claimed by a worker; the worker skips non-queued records.
		o.removeQueuedLocked(h)
		depth := len(o.queue)
		o.mu.Unlock()
		o.metrics.SetQueueDepth(depth)
		o.finish(context.Background(), rec, o.cancelledOutcome(rec, datatypes.ErrCancelled))
		return datatypes.StateCancelled
	}
	cancel := rec.cancel
	o.mu.Unlock()

	cancel(datatypes.ErrCancelled)
	o.logger.Info("workflow cancellation requested", "handle", h)
	return datatypes.StateCancelled
}

// Wait blocks until handle reaches a terminal state or ctx is done.
//
// # Outputs
//
//   - datatypes.WorkflowOutcome: The terminal outcome.
//   - error: ErrNotFound for unknown handles, or ctx.Err().
func (o *Orchestrator) Wait(ctx context.Context, h datatypes.Handle) (datatypes.WorkflowOutcome, error) {
	o.mu.Lock()
	rec, ok := o.records[h]
	o.mu.Unlock()
	if !ok {
		if out, ok := o.archived(ctx, h); ok {
			return out, nil
		}
		return datatypes.WorkflowOutcome{}, fmt.Errorf("%w: %s", datatypes.ErrNotFound, h)
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return datatypes.WorkflowOutcome{}, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return *rec.outcome, nil
}

// Stats returns current counts.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Stats{
		Running:     int(o.active.Load()),
		PeakRunning: int(o.peak.Load()),
		Tracked:     len(o.records),
	}
	for _, rec := range o.records {
		switch rec.state {
		case datatypes.StateQueued:
			s.Queued++
		case datatypes.StateCompleted:
			s.Completed++
		case datatypes.StateFailed:
			s.Failed++
		case datatypes.StateCancelled:
			s.Cancelled++
		}
	}
	return s
}

// =============================================================================
// Queue
// =============================================================================

func (o *Orchestrator) prepare(spec datatypes.WorkflowSpec) (datatypes.WorkflowSpec, error) {
	if err := spec.Validate(); err != nil {
		return spec, err
	}
	spec = spec.Normalized()
	if spec.Revise && o.revision == nil {
		return spec, fmt.Errorf("%w: revision requested but no revision controller is configured", datatypes.ErrInvalidSpec)
	}
	return spec, nil
}

func (o *Orchestrator) newRecord(spec datatypes.WorkflowSpec) *record {
	return &record{
		handle:      datatypes.NewHandle(),
		spec:        spec,
		state:       datatypes.StateQueued,
		submittedAt: o.now(),
		done:        make(chan struct{}),
	}
}

// signal wakes one idle worker. Caller holds mu.
func (o *Orchestrator) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// claimLocked binds a cancellable context to rec. Caller holds mu.
func (o *Orchestrator) claimLocked(parent context.Context, rec *record) context.Context {
	ctx, cancel := context.WithCancelCause(parent)
	rec.cancel = cancel
	return ctx
}

func (o *Orchestrator) removeQueuedLocked(h datatypes.Handle) {
	for i, q := range o.queue {
		if q == h {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

// dequeue pops the oldest queued record and claims it.
func (o *Orchestrator) dequeue(ctx context.Context) (*record, context.Context, bool) {
	for {
		o.mu.Lock()
		for len(o.queue) > 0 {
			h := o.queue[0]
			o.queue = o.queue[1:]
			rec := o.records[h]
			if rec == nil || rec.state != datatypes.StateQueued || rec.cancel != nil {
				continue
			}
			runCtx := o.claimLocked(ctx, rec)
			depth := len(o.queue)
			if depth > 0 {
				o.signal()
			}
			o.mu.Unlock()
			o.metrics.SetQueueDepth(depth)
			return rec, runCtx, true
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, false
		case <-o.notify:
		}
	}
}

func (o *Orchestrator) worker(ctx context.Context) error {
	for {
		rec, runCtx, ok := o.dequeue(ctx)
		if !ok {
			return nil
		}
		o.run(runCtx, rec)
	}
}

func (o *Orchestrator) archived(ctx context.Context, h datatypes.Handle) (datatypes.WorkflowOutcome, bool) {
	if o.archive == nil {
		return datatypes.WorkflowOutcome{}, false
	}
	out, err := o.archive.Get(ctx, h)
	if err != nil {
		return datatypes.WorkflowOutcome{}, false
	}
	return out, true
}
