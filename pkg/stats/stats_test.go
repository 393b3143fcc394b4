// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeDurations(t *testing.T) {
	samples := []time.Duration{
		5 * time.Second, 1 * time.Second, 3 * time.Second, 2 * time.Second, 4 * time.Second,
	}

	got, err := SummarizeDurations(samples)
	require.NoError(t, err)

	assert.Equal(t, 5, got.Count)
	assert.Equal(t, time.Second, got.Min)
	assert.Equal(t, 5*time.Second, got.Max)
	assert.Equal(t, 3*time.Second, got.Mean)
	assert.Equal(t, 3*time.Second, got.P50)
	// index 0.95*4 = 3.8 -> 4s + 0.8*(5s-4s)
	assert.Equal(t, 4800*time.Millisecond, got.P95)

	// input must stay unsorted
	assert.Equal(t, 5*time.Second, samples[0])
}

func TestSummarizeDurations_Empty(t *testing.T) {
	_, err := SummarizeDurations(nil)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 0.95, 0},
		{"single", []float64{7}, 0.95, 7},
		{"median odd", []float64{3, 1, 2}, 0.5, 2},
		{"interpolated", []float64{10, 20}, 0.25, 12.5},
		{"max", []float64{1, 2, 3, 4}, 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Percentile(tt.values, tt.p), 1e-9)
		})
	}
}

func TestMeanAndRound(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.InDelta(t, 2.5, Mean([]float64{1, 2, 3, 4}), 1e-9)
	assert.Equal(t, 0.1235, Round(0.123456, 4))
	assert.Equal(t, 2.7, Round(8.2-5.5, 4))
}
