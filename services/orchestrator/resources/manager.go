// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resources implements admission control against fractional
// CPU, memory and disk budgets.
//
// # Description
//
// The Manager combines two views of load when admitting a workflow:
//   - the sampled host utilization (what the machine is doing now)
//   - the sum of allocations it has granted and not yet released
//
// A request is admitted only if, for every resource, sample + allocated +
// requested stays within the configured limit. The comparison and the
// recording of the new allocation happen in one critical section, so two
// concurrent admissions can never both pass on the same stale total.
//
// # Limitations
//
//   - Admission is single-process. Host utilization includes unrelated
//     load from other processes while allocations cover only this one.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Host sampling happens outside the
// lock; the lock guards only map and history mutation.
package resources

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/pkg/ringbuffer"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/observability"
)

// epsilon absorbs float rounding in limit comparisons, so 0.3+0.15+0.05
// is accepted against a 0.5 limit.
const epsilon = 1e-9

// ErrInvalidCount is returned by PredictCapacity for a non-positive count.
var ErrInvalidCount = errors.New("workflow count must be positive")

// =============================================================================
// Configuration
// =============================================================================

// DefaultRequirements are the per-workflow resource fractions by kind.
var DefaultRequirements = map[datatypes.WorkflowKind]datatypes.ResourceRequest{
	datatypes.KindGeneric:  {CPU: 0.10, Memory: 0.10, Disk: 0.05},
	datatypes.KindBatch:    {CPU: 0.20, Memory: 0.15, Disk: 0.10},
	datatypes.KindAnalysis: {CPU: 0.15, Memory: 0.20, Disk: 0.05},
}

// Config configures a Manager.
type Config struct {
	// Limits caps total utilization per resource. Each must be in (0,1].
	Limits datatypes.ResourceRequest

	// Requirements maps kinds to per-workflow requests.
	// Default: DefaultRequirements. Unknown kinds fall back to generic.
	Requirements map[datatypes.WorkflowKind]datatypes.ResourceRequest

	// HistorySize bounds the utilization history. Default 1000.
	HistorySize int

	// ScalingWindow is the look-back of SuggestScaling. Default 10 minutes.
	ScalingWindow time.Duration

	// Sampler observes host utilization. Default: HostSampler on "/".
	Sampler Sampler

	Logger  *logging.Logger
	Metrics *observability.WorkflowMetrics

	// Now is the clock. Default time.Now.
	Now func() time.Time
}

// DefaultLimits returns cpu 0.8, memory 0.85, disk 0.9.
func DefaultLimits() datatypes.ResourceRequest {
	return datatypes.ResourceRequest{CPU: 0.80, Memory: 0.85, Disk: 0.90}
}

// Validate checks every limit lies in (0,1].
func (c Config) Validate() error {
	for _, r := range datatypes.ResourceNames {
		l := c.Limits.Get(r)
		if l <= 0 || l > 1 {
			return fmt.Errorf("resource limit %s=%v must be in (0,1]", r, l)
		}
	}
	return nil
}

// =============================================================================
// Types
// =============================================================================

// Allocation is the budget held by one admitted workflow.
type Allocation struct {
	Handle            datatypes.Handle          `json:"handle"`
	Request           datatypes.ResourceRequest `json:"request"`
	AllocatedAt       time.Time                 `json:"allocated_at"`
	EstimatedDuration time.Duration             `json:"estimated_duration"`
}

// Utilization is one sampled observation plus the number of active allocations.
type Utilization struct {
	CPU         float64   `json:"cpu"`
	Memory      float64   `json:"memory"`
	Disk        float64   `json:"disk"`
	ActiveCount int       `json:"active_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// Usage converts u into a ResourceUsage.
func (u Utilization) Usage() datatypes.ResourceUsage {
	return datatypes.ResourceUsage{CPU: u.CPU, Memory: u.Memory, Disk: u.Disk, Timestamp: u.Timestamp}
}

// ScalingAction is the recommended capacity change.
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
	Maintain  ScalingAction = "maintain"
)

// Urgency ranks scaling recommendations.
type Urgency string

const (
	UrgencyLow  Urgency = "low"
	UrgencyHigh Urgency = "high"
)

func (u Urgency) rank() int {
	if u == UrgencyHigh {
		return 1
	}
	return 0
}

// ScalingRecommendation is the output of SuggestScaling.
type ScalingRecommendation struct {
	Action   ScalingAction                      `json:"action"`
	Resource datatypes.ResourceName             `json:"resource,omitempty"`
	Urgency  Urgency                            `json:"urgency"`
	Average  float64                            `json:"average"`
	Averages map[datatypes.ResourceName]float64 `json:"averages"`
	Samples  int                                `json:"samples"`
	Reason   string                             `json:"reason"`
}

// CapacityPrediction is the output of PredictCapacity.
type CapacityPrediction struct {
	Count              int                       `json:"count"`
	Kind               datatypes.WorkflowKind    `json:"kind"`
	CanAccommodate     bool                      `json:"can_accommodate"`
	Requirements       datatypes.ResourceRequest `json:"requirements"`
	Available          datatypes.ResourceRequest `json:"available"`
	BottleneckResource datatypes.ResourceName    `json:"bottleneck_resource,omitempty"`

	// MaxCount is how many workflows of Kind fit in Available.
	MaxCount int `json:"max_count"`
}

// =============================================================================
// Manager
// =============================================================================

// Manager owns resource allocations and the utilization history.
type Manager struct {
	limits        datatypes.ResourceRequest
	requirements  map[datatypes.WorkflowKind]datatypes.ResourceRequest
	scalingWindow time.Duration
	sampler       Sampler
	logger        *logging.Logger
	metrics       *observability.WorkflowMetrics
	now           func() time.Time

	mu          sync.Mutex
	allocations map[datatypes.Handle]Allocation
	history     *ringbuffer.Buffer[Utilization]
}

// NewManager creates a Manager.
//
// # Inputs
//
//   - cfg: Configuration. Limits must be valid.
//
// # Outputs
//
//   - *Manager: Ready to use.
//   - error: Non-nil if a limit lies outside (0,1].
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Requirements == nil {
		cfg.Requirements = DefaultRequirements
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.ScalingWindow <= 0 {
		cfg.ScalingWindow = 10 * time.Minute
	}
	if cfg.Sampler == nil {
		cfg.Sampler = NewHostSampler("/")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	reqs := make(map[datatypes.WorkflowKind]datatypes.ResourceRequest, len(cfg.Requirements))
	for k, v := range cfg.Requirements {
		reqs[k] = v
	}

	return &Manager{
		limits:        cfg.Limits,
		requirements:  reqs,
		scalingWindow: cfg.ScalingWindow,
		sampler:       cfg.Sampler,
		logger:        cfg.Logger.Component("resources"),
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		allocations:   make(map[datatypes.Handle]Allocation),
		history:       ringbuffer.New[Utilization](cfg.HistorySize),
	}, nil
}

// Limits returns the configured budget.
func (m *Manager) Limits() datatypes.ResourceRequest {
	return m.limits
}

// Requirements returns the per-workflow request for kind, falling back
// to the generic profile for unknown kinds.
func (m *Manager) Requirements(kind datatypes.WorkflowKind) datatypes.ResourceRequest {
	if r, ok := m.requirements[kind]; ok {
		return r
	}
	if r, ok := m.requirements[datatypes.KindGeneric]; ok {
		return r
	}
	return DefaultRequirements[datatypes.KindGeneric]
}

// TryAllocate admits handle if the request fits within every limit.
//
// # Description
//
// Samples host utilization, then under the lock checks
// sample + allocated + requested <= limit for cpu, memory and disk. On
// success the allocation is recorded before the lock is released. Nothing
// is recorded on refusal.
//
// # Inputs
//
//   - ctx: Bounds the host sample.
//   - handle: Workflow handle. Must not already hold an allocation.
//   - req: Requested fractions.
//   - estimate: Expected run time, kept for reporting.
//
// # Outputs
//
//   - bool: true if admitted. Refusal is a normal result, not an error.
func (m *Manager) TryAllocate(ctx context.Context, handle datatypes.Handle, req datatypes.ResourceRequest, estimate time.Duration) bool {
	sample := m.sample(ctx)

	m.mu.Lock()
	if _, exists := m.allocations[handle]; exists {
		m.mu.Unlock()
		m.logger.Warn("duplicate allocation refused", "handle", handle)
		m.metrics.RecordAdmission(false)
		return false
	}

	allocated := m.allocatedLocked()
	for _, r := range datatypes.ResourceNames {
		projected := sample.Get(r) + allocated.Get(r) + req.Get(r)
		if projected > m.limits.Get(r)+epsilon {
			m.mu.Unlock()
			m.logger.Info("allocation refused",
				"handle", handle,
				"resource", r,
				"projected", projected,
				"limit", m.limits.Get(r),
			)
			m.metrics.RecordAdmission(false)
			return false
		}
	}

	m.allocations[handle] = Allocation{
		Handle:            handle,
		Request:           req,
		AllocatedAt:       m.now(),
		EstimatedDuration: estimate,
	}
	total := allocated.Add(req)
	m.mu.Unlock()

	m.metrics.RecordAdmission(true)
	m.metrics.SetAllocated(total)
	m.logger.Debug("allocation granted", "handle", handle, "cpu", req.CPU, "memory", req.Memory, "disk", req.Disk)
	return true
}

// Release removes the allocation for handle.
//
// # Outputs
//
//   - bool: true if an allocation existed. Releasing twice is a no-op.
func (m *Manager) Release(handle datatypes.Handle) bool {
	m.mu.Lock()
	_, ok := m.allocations[handle]
	if ok {
		delete(m.allocations, handle)
	}
	total := m.allocatedLocked()
	m.mu.Unlock()

	if ok {
		m.metrics.SetAllocated(total)
		m.logger.Debug("allocation released", "handle", handle)
	}
	return ok
}

// Allocated returns the per-resource sum of active allocations.
func (m *Manager) Allocated() datatypes.ResourceRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocatedLocked()
}

// Allocations returns the active allocations sorted by allocation time.
func (m *Manager) Allocations() []Allocation {
	m.mu.Lock()
	out := make([]Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, a)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AllocatedAt.Equal(out[j].AllocatedAt) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].AllocatedAt.Before(out[j].AllocatedAt)
	})
	return out
}

// ActiveCount returns the number of active allocations.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocations)
}

// CurrentUtilization samples the host and appends the result to the history.
func (m *Manager) CurrentUtilization(ctx context.Context) Utilization {
	sample := m.sample(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	return Utilization{
		CPU:         sample.CPU,
		Memory:      sample.Memory,
		Disk:        sample.Disk,
		ActiveCount: len(m.allocations),
		Timestamp:   sample.Timestamp,
	}
}

// History returns the utilization samples taken within window, oldest
// first. A non-positive window returns the whole history.
func (m *Manager) History(window time.Duration) []Utilization {
	if window <= 0 {
		return m.history.Snapshot()
	}
	cutoff := m.now().Add(-window)
	return m.history.Filter(func(u Utilization) bool { return !u.Timestamp.Before(cutoff) })
}

// SuggestScaling recommends a capacity change from recent utilization.
//
// # Description
//
// Averages each resource over the scaling window, or over the newest ten
// samples when the window holds none. A resource averaging above 0.9
// yields scale_up with high urgency; below 0.3 yields scale_down with low
// urgency. The highest urgency wins and ties go to the earliest resource
// in cpu, memory, disk order. With no qualifying resource the result is
// maintain.
func (m *Manager) SuggestScaling(ctx context.Context) ScalingRecommendation {
	samples := m.History(m.scalingWindow)
	if len(samples) == 0 {
		samples = m.history.Last(10)
	}
	if len(samples) == 0 {
		samples = []Utilization{m.CurrentUtilization(ctx)}
	}

	averages := make(map[datatypes.ResourceName]float64, len(datatypes.ResourceNames))
	for _, r := range datatypes.ResourceNames {
		var sum float64
		for _, s := range samples {
			sum += s.Usage().Get(r)
		}
		averages[r] = sum / float64(len(samples))
	}

	rec := ScalingRecommendation{
		Action:   Maintain,
		Urgency:  UrgencyLow,
		Averages: averages,
		Samples:  len(samples),
		Reason:   "utilization within normal range",
	}
	found := false
	for _, r := range datatypes.ResourceNames {
		avg := averages[r]
		var cand ScalingRecommendation
		switch {
		case avg > 0.9:
			cand = ScalingRecommendation{Action: ScaleUp, Urgency: UrgencyHigh,
				Reason: fmt.Sprintf("%s utilization averaging %.0f%% exceeds 90%%", r, avg*100)}
		case avg < 0.3:
			cand = ScalingRecommendation{Action: ScaleDown, Urgency: UrgencyLow,
				Reason: fmt.Sprintf("%s utilization averaging %.0f%% is below 30%%", r, avg*100)}
		default:
			continue
		}
		if !found || cand.Urgency.rank() > rec.Urgency.rank() {
			rec.Action = cand.Action
			rec.Urgency = cand.Urgency
			rec.Reason = cand.Reason
			rec.Resource = r
			rec.Average = avg
			found = true
		}
	}
	return rec
}

// PredictCapacity reports whether n more workflows of kind would fit.
//
// # Description
//
// Needed = per-workflow requirement x n. Available = limit minus
// (sampled utilization + allocated), floored at zero. The bottleneck is the
// resource with the highest needed/available ratio; ties go cpu, memory,
// disk.
//
// # Outputs
//
//   - CapacityPrediction: The prediction.
//   - error: ErrInvalidCount if n <= 0.
func (m *Manager) PredictCapacity(ctx context.Context, n int, kind datatypes.WorkflowKind) (CapacityPrediction, error) {
	if n <= 0 {
		return CapacityPrediction{}, fmt.Errorf("%w: %d", ErrInvalidCount, n)
	}
	if !kind.Valid() {
		kind = datatypes.KindGeneric
	}

	perUnit := m.Requirements(kind)
	needed := perUnit.Scale(float64(n))
	sample := m.sample(ctx)
	allocated := m.Allocated()

	var available datatypes.ResourceRequest
	for _, r := range datatypes.ResourceNames {
		free := math.Max(0, m.limits.Get(r)-(sample.Get(r)+allocated.Get(r)))
		switch r {
		case datatypes.ResourceCPU:
			available.CPU = free
		case datatypes.ResourceMemory:
			available.Memory = free
		case datatypes.ResourceDisk:
			available.Disk = free
		}
	}

	pred := CapacityPrediction{
		Count:          n,
		Kind:           kind,
		CanAccommodate: true,
		Requirements:   needed,
		Available:      available,
		MaxCount:       math.MaxInt32,
	}

	bestRatio := -1.0
	for _, r := range datatypes.ResourceNames {
		need, avail := needed.Get(r), available.Get(r)
		if need > avail+epsilon {
			pred.CanAccommodate = false
		}

		ratio := 0.0
		switch {
		case need == 0:
		case avail <= 0:
			ratio = math.Inf(1)
		default:
			ratio = need / avail
		}
		if ratio > bestRatio {
			bestRatio = ratio
			pred.BottleneckResource = r
		}

		if unit := perUnit.Get(r); unit > 0 {
			fit := int(math.Floor((avail + epsilon) / unit))
			if fit < pred.MaxCount {
				pred.MaxCount = fit
			}
		}
	}
	return pred, nil
}

// sample reads the host, falling back to the newest recorded sample (or
// zeros) when the sampler fails, and appends the result to the history.
// Samples are stamped with the manager clock so windowing stays consistent.
func (m *Manager) sample(ctx context.Context) datatypes.ResourceUsage {
	usage, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("utilization sample failed, using last known", "error", err)
		last, ok := m.history.Newest()
		if ok {
			usage = last.Usage()
		} else {
			usage = datatypes.ResourceUsage{}
		}
	}
	usage.Timestamp = m.now()

	m.mu.Lock()
	active := len(m.allocations)
	m.mu.Unlock()

	m.history.Push(Utilization{
		CPU:         usage.CPU,
		Memory:      usage.Memory,
		Disk:        usage.Disk,
		ActiveCount: active,
		Timestamp:   usage.Timestamp,
	})
	m.metrics.SetUtilization(usage)
	return usage
}

func (m *Manager) allocatedLocked() datatypes.ResourceRequest {
	var total datatypes.ResourceRequest
	for _, a := range m.allocations {
		total = total.Add(a.Request)
	}
	return total
}
