// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats provides the small set of descriptive statistics used by
// performance analysis: mean, interpolated percentiles and duration summaries.
package stats

import (
	"errors"
	"math"
	"sort"
	"time"
)

// ErrNoSamples is returned when a summary is requested over zero samples.
var ErrNoSamples = errors.New("no samples provided")

// DurationSummary describes a set of duration samples.
type DurationSummary struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// SummarizeDurations computes count, min, max, mean and percentiles.
//
// Description:
//
//	Samples are copied and sorted; the input slice is not modified.
//	Percentiles use linear interpolation between closest ranks.
//
// Inputs:
//   - samples: Duration samples. Must be non-empty.
//
// Outputs:
//   - DurationSummary: The computed summary.
//   - error: ErrNoSamples if samples is empty.
//
// Thread Safety: Stateless and safe for concurrent use.
func SummarizeDurations(samples []time.Duration) (DurationSummary, error) {
	if len(samples) == 0 {
		return DurationSummary{}, ErrNoSamples
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, s := range samples {
		sum += s
	}

	return DurationSummary{
		Count: len(samples),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(samples)),
		P50:   PercentileDuration(sorted, 0.5),
		P95:   PercentileDuration(sorted, 0.95),
		P99:   PercentileDuration(sorted, 0.99),
	}, nil
}

// PercentileDuration returns the p-th percentile (0..1) of an ascending
// sorted slice using linear interpolation. Returns 0 for an empty slice.
func PercentileDuration(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}

	fraction := index - float64(lower)
	return time.Duration(float64(sorted[lower])*(1-fraction) + float64(sorted[upper])*fraction)
}

// Percentile returns the p-th percentile (0..1) of unsorted values using
// linear interpolation. The input is not modified. Returns 0 when empty.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}

	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	fraction := index - float64(lower)
	return sorted[lower]*(1-fraction) + sorted[upper]*fraction
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
