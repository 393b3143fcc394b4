// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"math"
	"time"
)

// Trend classifies the direction of recent revision deltas.
type Trend string

const (
	TrendUnknown   Trend = "unknown"
	TrendImproving Trend = "improving"
	TrendPlateaued Trend = "plateaued"
	TrendDegrading Trend = "degrading"
)

// plateauEpsilon is the absolute delta below which a revision counts as flat.
const plateauEpsilon = 0.1

// Attempt is one revision: the score of the artifact handed to the reviser
// and the score of the revised artifact at its next evaluation.
type Attempt struct {
	Index       int           `json:"index"`
	ScoreBefore float64       `json:"score_before"`
	ScoreAfter  float64       `json:"score_after"`
	Delta       float64       `json:"delta"`
	Elapsed     time.Duration `json:"elapsed"`
	Improved    bool          `json:"improved"`

	// Evaluated is false while the revised artifact has not been scored.
	// The final attempt of a budget-exhausted loop stays unevaluated.
	Evaluated bool `json:"evaluated"`

	startedAt time.Time
}

// Tracker holds the attempt history of one revision phase. It is owned by a
// single State and is not safe for concurrent use.
type Tracker struct {
	attempts     []Attempt
	initialScore float64
	hasInitial   bool
	lastScore    float64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// observe records an evaluation score. The first observation becomes the
// initial score; a pending attempt is completed with the new score.
func (t *Tracker) observe(score float64, at time.Time) {
	if !t.hasInitial {
		t.initialScore = score
		t.hasInitial = true
	}
	t.lastScore = score

	if n := len(t.attempts); n > 0 && !t.attempts[n-1].Evaluated {
		a := &t.attempts[n-1]
		a.ScoreAfter = score
		a.Delta = score - a.ScoreBefore
		a.Improved = a.Delta > 0
		a.Elapsed = at.Sub(a.startedAt)
		a.Evaluated = true
	}
}

// begin opens a new attempt for an artifact scored at scoreBefore.
func (t *Tracker) begin(scoreBefore float64, at time.Time) int {
	idx := len(t.attempts) + 1
	t.attempts = append(t.attempts, Attempt{
		Index:       idx,
		ScoreBefore: scoreBefore,
		startedAt:   at,
	})
	return idx
}

// abandon drops the newest attempt when its revision never produced an
// artifact.
func (t *Tracker) abandon() {
	if n := len(t.attempts); n > 0 && !t.attempts[n-1].Evaluated {
		t.attempts = t.attempts[:n-1]
	}
}

// Attempts returns a copy of the attempt history.
func (t *Tracker) Attempts() []Attempt {
	out := make([]Attempt, len(t.attempts))
	copy(out, t.attempts)
	return out
}

// Count returns the number of revisions performed.
func (t *Tracker) Count() int {
	return len(t.attempts)
}

// InitialScore returns the first observed score, zero if none.
func (t *Tracker) InitialScore() float64 {
	return t.initialScore
}

// LastScore returns the most recent observed score.
func (t *Tracker) LastScore() float64 {
	return t.lastScore
}

// TotalImprovement is the last observed score minus the initial score.
func (t *Tracker) TotalImprovement() float64 {
	if !t.hasInitial {
		return 0
	}
	return t.lastScore - t.initialScore
}

// Trend classifies the last two evaluated deltas (or the only one).
//
// # Description
//
// Plateaued when every considered delta is within 0.1 of zero, improving
// when they are all non-negative, degrading otherwise. Unknown before any
// attempt has been evaluated.
func (t *Tracker) Trend() Trend {
	deltas := make([]float64, 0, 2)
	for i := len(t.attempts) - 1; i >= 0 && len(deltas) < 2; i-- {
		if t.attempts[i].Evaluated {
			deltas = append(deltas, t.attempts[i].Delta)
		}
	}
	if len(deltas) == 0 {
		return TrendUnknown
	}

	flat, nonNegative := true, true
	for _, d := range deltas {
		if math.Abs(d) >= plateauEpsilon {
			flat = false
		}
		if d < 0 {
			nonNegative = false
		}
	}
	switch {
	case flat:
		return TrendPlateaued
	case nonNegative:
		return TrendImproving
	default:
		return TrendDegrading
	}
}
