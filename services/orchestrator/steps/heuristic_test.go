// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package steps

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/revision"
)

func repeatSentence(sentence string, n int) string {
	return strings.TrimSpace(strings.Repeat(sentence+" ", n))
}

func TestHeuristicEvaluator_Empty(t *testing.T) {
	eval, err := HeuristicEvaluator{}.Evaluate(context.Background(), "", "Do public parks improve cities?")
	require.NoError(t, err)

	assert.Equal(t, 0.0, eval.DimensionScores[DimensionLength])
	assert.Equal(t, 0.0, eval.DimensionScores[DimensionStructure])
	assert.Equal(t, 0.0, eval.DimensionScores[DimensionRelevance])
	assert.Equal(t, 10.0, eval.DimensionScores[DimensionClarity])
	assert.Equal(t, 2.5, eval.Score)
	assert.False(t, eval.Acceptable)
	assert.Contains(t, eval.Feedback, "aim for about 250")
	assert.Contains(t, eval.Feedback, "closely to the question")
}

func TestHeuristicEvaluator_FullMarks(t *testing.T) {
	paragraph := repeatSentence("Parks help cities breathe.", 15) // 60 words
	essay := strings.Join([]string{paragraph, paragraph, paragraph, paragraph, paragraph}, "\n\n")

	eval, err := HeuristicEvaluator{}.Evaluate(context.Background(), essay, "parks cities")
	require.NoError(t, err)

	assert.Equal(t, 10.0, eval.Score)
	assert.True(t, eval.Acceptable)
	assert.Empty(t, eval.Feedback)
}

func TestHeuristicEvaluator_LongSentencesLowerClarity(t *testing.T) {
	sentence := repeatSentence("word", 50) + "."

	eval, err := HeuristicEvaluator{}.Evaluate(context.Background(), sentence, "")
	require.NoError(t, err)
	assert.Equal(t, 5.0, eval.DimensionScores[DimensionClarity])
	assert.Equal(t, 10.0, eval.DimensionScores[DimensionRelevance])
}

func TestHeuristicEvaluator_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := HeuristicEvaluator{}.Evaluate(ctx, "text", "prompt")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAppendReviser(t *testing.T) {
	rev, err := AppendReviser{}.Revise(context.Background(), "First.\n", "Focus on improving: length (3.0).\nMore words.")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rev.Artifact, "First.\n\nReturning to length (3.0),"))
	assert.Equal(t, []string{"added a paragraph on length (3.0)"}, rev.ChangeSummary)

	rev, err = AppendReviser{}.Revise(context.Background(), "First.", "")
	require.NoError(t, err)
	assert.Contains(t, rev.Artifact, "the central argument")
}

// The simulated essay plus the heuristic evaluator converge: each appended
// paragraph lengthens the draft until the target is met.
func TestHeuristicRevisionLoopImproves(t *testing.T) {
	reg := essayRegistry(t, 0)
	prompt := "Should cities replace parking with parks?"

	args := map[string]any{KeyPrompt: prompt}
	for _, name := range DefaultPipeline {
		for k, v := range runStep(t, reg, name, args) {
			args[k] = v
		}
	}
	essay := args[KeyDraft].(string)

	c, err := revision.NewController(HeuristicEvaluator{}, AppendReviser{}, revision.Config{
		TargetScore: 9.5,
		MaxAttempts: 8,
	})
	require.NoError(t, err)

	st := revision.NewState(prompt, essay)
	for i := 0; i < 20 && !st.Phase.Terminal(); i++ {
		c.RunCycle(context.Background(), st)
	}

	require.Equal(t, revision.PhaseDone, st.Phase)
	assert.Equal(t, revision.ReasonTargetReached, st.Reason)
	assert.GreaterOrEqual(t, st.Attempts(), 1)
	assert.Greater(t, st.Score, st.Tracker.InitialScore())
	for _, a := range st.Tracker.Attempts() {
		if a.Evaluated {
			assert.True(t, a.Improved, "attempt %d", a.Index)
		}
	}

	summary := st.Summary(c.TargetScore())
	assert.True(t, summary.TargetReached)
	assert.Equal(t, string(revision.TrendImproving), summary.Trend)
}
