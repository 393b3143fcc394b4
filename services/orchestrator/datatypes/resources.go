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
	"fmt"
	"time"
)

// ResourceName identifies one of the tracked host resources.
type ResourceName string

const (
	ResourceCPU    ResourceName = "cpu"
	ResourceMemory ResourceName = "memory"
	ResourceDisk   ResourceName = "disk"
)

// ResourceNames is the fixed evaluation order used wherever ties between
// resources must be broken deterministically.
var ResourceNames = []ResourceName{ResourceCPU, ResourceMemory, ResourceDisk}

// ResourceRequest holds utilization fractions (0..1) per resource.
//
// Used for workflow requests, per-kind requirements and configured limits.
type ResourceRequest struct {
	CPU    float64 `json:"cpu" yaml:"cpu" validate:"gte=0,lte=1"`
	Memory float64 `json:"memory" yaml:"memory" validate:"gte=0,lte=1"`
	Disk   float64 `json:"disk" yaml:"disk" validate:"gte=0,lte=1"`
}

// Get returns the fraction for the named resource.
func (r ResourceRequest) Get(name ResourceName) float64 {
	switch name {
	case ResourceCPU:
		return r.CPU
	case ResourceMemory:
		return r.Memory
	case ResourceDisk:
		return r.Disk
	}
	return 0
}

// Add returns the per-resource sum.
func (r ResourceRequest) Add(o ResourceRequest) ResourceRequest {
	return ResourceRequest{CPU: r.CPU + o.CPU, Memory: r.Memory + o.Memory, Disk: r.Disk + o.Disk}
}

// Scale multiplies every fraction by n.
func (r ResourceRequest) Scale(n float64) ResourceRequest {
	return ResourceRequest{CPU: r.CPU * n, Memory: r.Memory * n, Disk: r.Disk * n}
}

// Validate checks every fraction lies in [0,1].
func (r ResourceRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: resource request: %v", ErrInvalidSpec, err)
	}
	return nil
}

// ResourceUsage is one utilization observation.
type ResourceUsage struct {
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	Disk      float64   `json:"disk"`
	Timestamp time.Time `json:"timestamp"`
}

// Get returns the utilization of the named resource.
func (u ResourceUsage) Get(name ResourceName) float64 {
	switch name {
	case ResourceCPU:
		return u.CPU
	case ResourceMemory:
		return u.Memory
	case ResourceDisk:
		return u.Disk
	}
	return 0
}

// StepSample records one execution of a named pipeline step.
type StepSample struct {
	Name      string         `json:"name"`
	Duration  time.Duration  `json:"duration"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
	Handle    Handle         `json:"handle,omitempty"`
	Error     string         `json:"error,omitempty"`
	Resources *ResourceUsage `json:"resources,omitempty"`
}
