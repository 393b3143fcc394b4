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
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

// scriptedEvaluator returns scores in order and repeats the last one.
type scriptedEvaluator struct {
	scores []float64
	dims   map[string]float64
	calls  int
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, artifact, prompt string) (Evaluation, error) {
	i := e.calls
	if i >= len(e.scores) {
		i = len(e.scores) - 1
	}
	e.calls++
	return Evaluation{Score: e.scores[i], DimensionScores: e.dims, Feedback: "tighten the argument"}, nil
}

type countingReviser struct {
	calls  int
	focus  []string
	failAt int
}

func (r *countingReviser) Revise(ctx context.Context, artifact, focus string) (Revision, error) {
	r.calls++
	r.focus = append(r.focus, focus)
	if r.failAt > 0 && r.calls == r.failAt {
		return Revision{}, errors.New("model overloaded")
	}
	return Revision{
		Artifact:      fmt.Sprintf("%s [rev %d]", artifact, r.calls),
		ChangeSummary: []string{fmt.Sprintf("revision %d", r.calls)},
	}, nil
}

func newController(t *testing.T, ev Evaluator, rv Reviser) *Controller {
	t.Helper()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c, err := NewController(ev, rv, Config{
		TargetScore: 8.0,
		MaxAttempts: 3,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	require.NoError(t, err)
	return c
}

func runLoop(ctx context.Context, c *Controller, st *State) []CycleResult {
	var results []CycleResult
	for i := 0; i < 10; i++ {
		res := c.RunCycle(ctx, st)
		results = append(results, res)
		if !res.ShouldContinue {
			break
		}
	}
	return results
}

func TestRunCycle_ReachesTarget(t *testing.T) {
	ev := &scriptedEvaluator{scores: []float64{5.5, 7.0, 8.2}}
	rv := &countingReviser{}
	c := newController(t, ev, rv)
	st := NewState("Write about tides", "Tides are caused by the moon.")

	results := runLoop(context.Background(), c, st)

	require.Len(t, results, 3)
	assert.Equal(t, 2, rv.calls)
	assert.Equal(t, 3, ev.calls)

	last := results[2]
	assert.True(t, last.Completed)
	assert.False(t, last.NeedsRevision)
	assert.False(t, last.ShouldContinue)
	assert.Equal(t, 1.0, last.Progress)
	assert.Equal(t, TrendImproving, last.Trend)
	assert.Equal(t, ReasonTargetReached, last.Reason)
	assert.NoError(t, last.Err)

	assert.Equal(t, PhaseDone, st.Phase)
	assert.InDelta(t, 2.7, st.Tracker.TotalImprovement(), 1e-9)
	assert.Equal(t, "Tides are caused by the moon. [rev 1] [rev 2]", st.Draft)

	attempts := st.Tracker.Attempts()
	require.Len(t, attempts, 2)
	assert.InDelta(t, 1.5, attempts[0].Delta, 1e-9)
	assert.InDelta(t, 1.2, attempts[1].Delta, 1e-9)
	assert.True(t, attempts[0].Improved)
	assert.True(t, attempts[1].Evaluated)
	assert.Positive(t, attempts[0].Elapsed)

	summary := st.Summary(c.TargetScore())
	assert.Equal(t, 2, summary.Attempts)
	assert.Equal(t, 5.5, summary.InitialScore)
	assert.Equal(t, 8.2, summary.FinalScore)
	assert.True(t, summary.TargetReached)
	assert.Equal(t, "improving", summary.Trend)
}

func TestRunCycle_MaxAttemptsReached(t *testing.T) {
	ev := &scriptedEvaluator{scores: []float64{6.0, 6.0, 6.0}}
	rv := &countingReviser{}
	c := newController(t, ev, rv)
	st := NewState("prompt", "draft")

	results := runLoop(context.Background(), c, st)

	require.Len(t, results, 3)
	assert.True(t, results[0].ShouldContinue)
	assert.True(t, results[1].ShouldContinue)

	last := results[2]
	assert.False(t, last.ShouldContinue)
	assert.True(t, last.Completed)
	assert.True(t, last.NeedsRevision)
	assert.Equal(t, ReasonMaxAttempts, last.Reason)
	assert.NoError(t, last.Err, "budget exhaustion is not an error")
	assert.Empty(t, last.Errors)
	assert.Equal(t, 6.0, last.Score)
	assert.Equal(t, 3, last.Attempts)
	assert.Equal(t, TrendPlateaued, last.Trend)

	assert.Equal(t, 3, ev.calls)
	assert.Equal(t, 3, rv.calls)
	attempts := st.Tracker.Attempts()
	require.Len(t, attempts, 3)
	assert.False(t, attempts[2].Evaluated)

	summary := st.Summary(c.TargetScore())
	assert.False(t, summary.TargetReached)
	assert.Equal(t, 6.0, summary.FinalScore)
	assert.Equal(t, ReasonMaxAttempts, summary.Reason)
}

func TestRunCycle_TargetScoreNeverRevises(t *testing.T) {
	ev := &scriptedEvaluator{scores: []float64{8.0}}
	rv := &countingReviser{}
	c := newController(t, ev, rv)
	st := NewState("p", "d")

	res := c.RunCycle(context.Background(), st)

	assert.True(t, res.Completed)
	assert.False(t, res.NeedsRevision)
	assert.False(t, res.ShouldContinue)
	assert.Zero(t, rv.calls)
	assert.Equal(t, TrendUnknown, res.Trend)
}

func TestRunCycle_AlwaysTerminates(t *testing.T) {
	for _, budget := range []int{0, 1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", budget), func(t *testing.T) {
			ev := &scriptedEvaluator{scores: []float64{1, 2, 1, 2, 1, 2}}
			rv := &countingReviser{}
			c, err := NewController(ev, rv, Config{TargetScore: 8, MaxAttempts: budget})
			require.NoError(t, err)
			st := NewState("p", "d")

			results := runLoop(context.Background(), c, st)

			assert.LessOrEqual(t, len(results), budget+1)
			assert.False(t, results[len(results)-1].ShouldContinue)
			assert.Equal(t, budget, rv.calls)
			assert.True(t, st.Phase.Terminal())
		})
	}
}

func TestRunCycle_NoDraft(t *testing.T) {
	ev := &scriptedEvaluator{scores: []float64{9}}
	c := newController(t, ev, &countingReviser{})
	st := NewState("p", "   ")

	res := c.RunCycle(context.Background(), st)

	assert.False(t, res.Completed)
	assert.False(t, res.ShouldContinue)
	assert.Equal(t, []string{"no draft available"}, res.Errors)
	assert.ErrorIs(t, res.Err, ErrNoDraft)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Zero(t, ev.calls)

	nilRes := c.RunCycle(context.Background(), nil)
	assert.ErrorIs(t, nilRes.Err, ErrNoDraft)
}

func TestRunCycle_EvaluationFailure(t *testing.T) {
	ev := EvaluatorFunc(func(ctx context.Context, artifact, prompt string) (Evaluation, error) {
		return Evaluation{}, errors.New("rubric service down")
	})
	rv := &countingReviser{}
	c := newController(t, ev, rv)
	st := NewState("p", "d")

	res := c.RunCycle(context.Background(), st)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "evaluation failed: rubric service down", res.Errors[0])
	assert.ErrorIs(t, res.Err, datatypes.ErrEvaluation)
	assert.Equal(t, datatypes.ErrorKindEvaluation, datatypes.KindOf(res.Err))
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Zero(t, rv.calls)

	again := c.RunCycle(context.Background(), st)
	assert.Equal(t, res.Errors, again.Errors, "terminal state performs no work")
}

func TestRunCycle_ScoreOutOfRange(t *testing.T) {
	ev := &scriptedEvaluator{scores: []float64{11}}
	c := newController(t, ev, &countingReviser{})

	res := c.RunCycle(context.Background(), NewState("p", "d"))

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "evaluation failed: score 11")
	assert.ErrorIs(t, res.Err, datatypes.ErrEvaluation)
}

func TestRunCycle_RevisionFailure(t *testing.T) {
	ev := &scriptedEvaluator{scores: []float64{5, 6}}
	rv := &countingReviser{failAt: 2}
	c := newController(t, ev, rv)
	st := NewState("p", "d")

	results := runLoop(context.Background(), c, st)

	require.Len(t, results, 2)
	last := results[1]
	assert.Equal(t, []string{"revision failed: model overloaded"}, last.Errors)
	assert.ErrorIs(t, last.Err, datatypes.ErrRevision)
	assert.Equal(t, datatypes.ErrorKindRevision, datatypes.KindOf(last.Err))
	assert.Equal(t, 1, st.Attempts(), "failed revision is not counted")
	assert.Equal(t, "d [rev 1]", st.Draft)
}

func TestRunCycle_EmptyRevisionFails(t *testing.T) {
	ev := &scriptedEvaluator{scores: []float64{5}}
	rv := ReviserFunc(func(ctx context.Context, artifact, focus string) (Revision, error) {
		return Revision{Artifact: ""}, nil
	})
	c := newController(t, ev, rv)

	res := c.RunCycle(context.Background(), NewState("p", "d"))

	assert.ErrorIs(t, res.Err, datatypes.ErrRevision)
	assert.Contains(t, res.Errors[0], "empty artifact")
}

func TestRunCycle_FocusNamesWeakDimensions(t *testing.T) {
	ev := &scriptedEvaluator{
		scores: []float64{6, 9},
		dims: map[string]float64{
			"clarity":   5,
			"evidence":  5,
			"structure": 7,
			"style":     9,
			"voice":     7.5,
		},
	}
	rv := &countingReviser{}
	c := newController(t, ev, rv)

	res := c.RunCycle(context.Background(), NewState("p", "d"))

	assert.Equal(t, "Focus on improving: clarity (5.0), evidence (5.0), structure (7.0).\ntighten the argument", res.Focus)
	require.Len(t, rv.focus, 1)
	assert.Equal(t, res.Focus, rv.focus[0])
}

func TestTargetedFeedback(t *testing.T) {
	tests := []struct {
		name string
		eval Evaluation
		want string
	}{
		{
			name: "all dimensions meet target names weakest",
			eval: Evaluation{DimensionScores: map[string]float64{"b": 9, "a": 9, "c": 8.5}},
			want: "Focus on improving: c (8.5).",
		},
		{
			name: "ties broken by name",
			eval: Evaluation{DimensionScores: map[string]float64{"zeta": 4, "alpha": 4}},
			want: "Focus on improving: alpha (4.0), zeta (4.0).",
		},
		{
			name: "feedback only",
			eval: Evaluation{Feedback: "  add a conclusion "},
			want: "add a conclusion",
		},
		{
			name: "nothing to go on",
			eval: Evaluation{},
			want: "Improve the overall quality of the draft.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TargetedFeedback(tt.eval, 8, 3))
		})
	}
}

func TestTracker_Trend(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   Trend
	}{
		{"single improving delta", []float64{5, 6}, TrendImproving},
		{"degrading", []float64{7, 6, 5}, TrendDegrading},
		{"mixed last two", []float64{5, 7, 6.5}, TrendDegrading},
		{"flat", []float64{6, 6.05, 6.1}, TrendPlateaued},
		{"only last two count", []float64{8, 5, 6, 7}, TrendImproving},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			now := time.Now()
			for i, s := range tt.scores {
				tr.observe(s, now)
				if i < len(tt.scores)-1 {
					tr.begin(s, now)
				}
			}
			assert.Equal(t, tt.want, tr.Trend())
		})
	}
}

func TestNewController_Validation(t *testing.T) {
	ev := &scriptedEvaluator{scores: []float64{1}}
	rv := &countingReviser{}

	_, err := NewController(nil, rv, DefaultConfig())
	assert.Error(t, err)
	_, err = NewController(ev, nil, DefaultConfig())
	assert.Error(t, err)
	_, err = NewController(ev, rv, Config{TargetScore: 12})
	assert.Error(t, err)
	_, err = NewController(ev, rv, Config{MaxAttempts: -1})
	assert.Error(t, err)

	c, err := NewController(ev, rv, Config{})
	require.NoError(t, err)
	assert.Equal(t, 8.0, c.TargetScore())
	assert.Equal(t, 0, c.MaxAttempts())
}
