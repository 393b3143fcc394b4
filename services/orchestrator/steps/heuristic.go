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
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianQuill/pkg/stats"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/revision"
)

// Rubric dimension names used by HeuristicEvaluator.
const (
	DimensionLength    = "length"
	DimensionStructure = "structure"
	DimensionRelevance = "relevance"
	DimensionClarity   = "clarity"
)

// HeuristicEvaluator scores text with cheap structural measures. It has no
// opinion on quality; it exists so the revision loop can run offline.
type HeuristicEvaluator struct {
	// TargetWords is the length that earns a full length score. Default 250.
	TargetWords int

	// TargetParagraphs earns a full structure score. Default 5.
	TargetParagraphs int

	// MaxSentenceWords is the longest average sentence that earns a full
	// clarity score. Default 25.
	MaxSentenceWords int

	// AcceptAt marks an evaluation acceptable. Default 8.0.
	AcceptAt float64
}

// Evaluate implements revision.Evaluator.
func (h HeuristicEvaluator) Evaluate(ctx context.Context, artifact, prompt string) (revision.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return revision.Evaluation{}, err
	}
	h = h.withDefaults()

	words := len(strings.Fields(artifact))
	paragraphs := countParagraphs(artifact)
	sentences := countSentences(artifact)

	dims := map[string]float64{
		DimensionLength:    ratioScore(float64(words), float64(h.TargetWords)),
		DimensionStructure: ratioScore(float64(paragraphs), float64(h.TargetParagraphs)),
		DimensionRelevance: relevance(artifact, prompt),
		DimensionClarity:   10,
	}
	if sentences > 0 {
		avg := float64(words) / float64(sentences)
		if avg > float64(h.MaxSentenceWords) {
			dims[DimensionClarity] = stats.Round(10*float64(h.MaxSentenceWords)/avg, 2)
		}
	}

	var sum float64
	for _, v := range dims {
		sum += v
	}
	score := stats.Round(sum/float64(len(dims)), 2)

	var notes []string
	if dims[DimensionLength] < 6 {
		notes = append(notes, fmt.Sprintf("The draft runs %d words; aim for about %d.", words, h.TargetWords))
	}
	if dims[DimensionStructure] < 6 {
		notes = append(notes, fmt.Sprintf("Only %d paragraphs; develop more sections.", paragraphs))
	}
	if dims[DimensionRelevance] < 6 {
		notes = append(notes, "Tie the argument more closely to the question.")
	}

	return revision.Evaluation{
		Score:           score,
		DimensionScores: dims,
		Feedback:        strings.Join(notes, " "),
		Acceptable:      score >= h.AcceptAt,
	}, nil
}

func (h HeuristicEvaluator) withDefaults() HeuristicEvaluator {
	if h.TargetWords <= 0 {
		h.TargetWords = 250
	}
	if h.TargetParagraphs <= 0 {
		h.TargetParagraphs = 5
	}
	if h.MaxSentenceWords <= 0 {
		h.MaxSentenceWords = 25
	}
	if h.AcceptAt <= 0 {
		h.AcceptAt = 8.0
	}
	return h
}

// AppendReviser extends the artifact with one paragraph addressing the
// focus. Each call grows the draft, so heuristic scores rise.
type AppendReviser struct{}

// Revise implements revision.Reviser.
func (AppendReviser) Revise(ctx context.Context, artifact, focus string) (revision.Revision, error) {
	if err := ctx.Err(); err != nil {
		return revision.Revision{}, err
	}

	topic := strings.TrimSpace(strings.SplitN(focus, "\n", 2)[0])
	topic = strings.TrimSuffix(strings.TrimPrefix(topic, "Focus on improving: "), ".")
	if topic == "" {
		topic = "the central argument"
	}

	paragraph := fmt.Sprintf(
		"Returning to %s, a closer look shows how the earlier points depend on one another. "+
			"A specific case makes the claim concrete and shows where it holds. "+
			"The reader can now see why the answer follows from the evidence given above.",
		topic)

	return revision.Revision{
		Artifact:      strings.TrimRight(artifact, "\n") + "\n\n" + paragraph,
		ChangeSummary: []string{"added a paragraph on " + topic},
	}, nil
}

func ratioScore(have, want float64) float64 {
	if want <= 0 {
		return 10
	}
	return stats.Round(math.Min(have/want, 1)*10, 2)
}

func relevance(artifact, prompt string) float64 {
	keys := Keywords(prompt, 0)
	if len(keys) == 0 {
		return 10
	}
	text := strings.ToLower(artifact)
	hits := 0
	for _, k := range keys {
		if strings.Contains(text, k) {
			hits++
		}
	}
	return stats.Round(10*float64(hits)/float64(len(keys)), 2)
}

func countParagraphs(text string) int {
	n := 0
	for _, p := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	return n
}

func countSentences(text string) int {
	n := 0
	for _, s := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}

var (
	_ revision.Evaluator = HeuristicEvaluator{}
	_ revision.Reviser   = AppendReviser{}
)
