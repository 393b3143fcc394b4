// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

// Sampler observes current host utilization.
//
// Implementations return fractions in [0,1]. Sample may block briefly and is
// never called while the manager lock is held.
type Sampler interface {
	Sample(ctx context.Context) (datatypes.ResourceUsage, error)
}

// =============================================================================
// Host Sampler
// =============================================================================

// HostSampler reads CPU, memory and disk utilization through gopsutil.
//
// # Description
//
// CPU is measured as the busy fraction since the previous call (the first
// call measures since boot). Disk is the used fraction of the filesystem
// containing DiskPath.
//
// # Thread Safety
//
// Safe for concurrent use.
type HostSampler struct {
	// DiskPath is the mount point whose usage is reported. Default "/".
	DiskPath string
}

// NewHostSampler creates a HostSampler for the filesystem holding path.
func NewHostSampler(path string) *HostSampler {
	if path == "" {
		path = "/"
	}
	return &HostSampler{DiskPath: path}
}

// Sample implements Sampler.
func (s *HostSampler) Sample(ctx context.Context) (datatypes.ResourceUsage, error) {
	usage := datatypes.ResourceUsage{Timestamp: time.Now()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return usage, fmt.Errorf("sample cpu: %w", err)
	}
	if len(percents) > 0 {
		usage.CPU = clampFraction(percents[0] / 100)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return usage, fmt.Errorf("sample memory: %w", err)
	}
	usage.Memory = clampFraction(vm.UsedPercent / 100)

	du, err := disk.UsageWithContext(ctx, s.DiskPath)
	if err != nil {
		return usage, fmt.Errorf("sample disk %s: %w", s.DiskPath, err)
	}
	usage.Disk = clampFraction(du.UsedPercent / 100)

	return usage, nil
}

// =============================================================================
// Static Sampler
// =============================================================================

// StaticSampler returns a fixed, settable utilization. Used by tests and by
// deployments that want admission driven purely by allocation budgets.
type StaticSampler struct {
	mu    sync.Mutex
	usage datatypes.ResourceUsage
	err   error
}

// NewStaticSampler creates a StaticSampler reporting usage.
func NewStaticSampler(usage datatypes.ResourceUsage) *StaticSampler {
	return &StaticSampler{usage: usage}
}

// Set replaces the reported utilization.
func (s *StaticSampler) Set(usage datatypes.ResourceUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = usage
}

// Fail makes subsequent samples return err. Pass nil to recover.
func (s *StaticSampler) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Sample implements Sampler.
func (s *StaticSampler) Sample(ctx context.Context) (datatypes.ResourceUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return datatypes.ResourceUsage{}, s.err
	}
	u := s.usage
	u.Timestamp = time.Now()
	return u, nil
}

func clampFraction(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
