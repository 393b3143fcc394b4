// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bottleneck

import (
	"sort"
	"strings"
)

// Effort tiers the cost of applying an optimization.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Optimization is a suggested remedy for one finding.
type Optimization struct {
	Type                string   `json:"type"`
	Target              string   `json:"target"`
	Category            Category `json:"category"`
	Description         string   `json:"description"`
	ExpectedImprovement float64  `json:"expected_improvement"`
	Effort              Effort   `json:"effort"`
	Priority            int      `json:"priority"`
	Actions             []string `json:"actions"`
}

// template texts use {target} as the component placeholder.
type template struct {
	Type        string
	Description string
	Improvement float64
	Effort      Effort
	Actions     []string
}

var templates = map[Category][]template{
	CategorySlowStep: {
		{
			Type:        "parallelize",
			Description: "Run independent work inside {target} concurrently",
			Improvement: 0.40,
			Effort:      EffortMedium,
			Actions: []string{
				"Identify independent sub-operations in {target}",
				"Fan them out with a bounded worker group",
				"Merge partial results before returning",
			},
		},
		{
			Type:        "cache",
			Description: "Cache repeated results of {target}",
			Improvement: 0.30,
			Effort:      EffortLow,
			Actions: []string{
				"Key {target} results by normalized input",
				"Serve repeated inputs from a bounded cache",
			},
		},
		{
			Type:        "optimize-algorithm",
			Description: "Reduce the work performed by {target}",
			Improvement: 0.25,
			Effort:      EffortHigh,
			Actions: []string{
				"Profile {target} to find the dominant cost",
				"Trim prompt size or intermediate payloads passed to {target}",
			},
		},
	},
	CategoryReliability: {
		{
			Type:        "retry",
			Description: "Retry transient failures of {target} with backoff",
			Improvement: 0.50,
			Effort:      EffortLow,
			Actions: []string{
				"Classify {target} errors as transient or permanent",
				"Retry transient errors with exponential backoff",
			},
		},
		{
			Type:        "circuit-breaker",
			Description: "Stop calling {target} while it is failing",
			Improvement: 0.35,
			Effort:      EffortMedium,
			Actions: []string{
				"Open a breaker after consecutive {target} failures",
				"Probe {target} periodically before closing the breaker",
			},
		},
		{
			Type:        "validation",
			Description: "Validate inputs before invoking {target}",
			Improvement: 0.30,
			Effort:      EffortLow,
			Actions: []string{
				"Check required arguments of {target} up front",
				"Fail fast with a descriptive error on invalid input",
			},
		},
	},
	CategoryResourceConstraint: {
		{
			Type:        "scale",
			Description: "Add {target} capacity",
			Improvement: 0.50,
			Effort:      EffortMedium,
			Actions: []string{
				"Provision additional {target} capacity",
				"Raise the {target} admission limit once capacity is added",
			},
		},
		{
			Type:        "optimize-usage",
			Description: "Reduce {target} consumption per workflow",
			Improvement: 0.30,
			Effort:      EffortMedium,
			Actions: []string{
				"Measure {target} usage per workflow kind",
				"Lower per-kind {target} requirements where measurements allow",
			},
		},
		{
			Type:        "throttle-admission",
			Description: "Admit fewer concurrent workflows while {target} is constrained",
			Improvement: 0.25,
			Effort:      EffortLow,
			Actions: []string{
				"Reduce max concurrent workflows",
				"Tighten the {target} admission limit",
			},
		},
	},
	CategoryStageSlowdown: {
		{
			Type:        "restructure",
			Description: "Restructure the {target} stage to shorten its critical path",
			Improvement: 0.35,
			Effort:      EffortHigh,
			Actions: []string{
				"Move independent steps in {target} off the critical path",
				"Split {target} into smaller stages that can overlap",
			},
		},
		{
			Type:        "stage-caching",
			Description: "Reuse {target} output for repeated inputs",
			Improvement: 0.30,
			Effort:      EffortMedium,
			Actions: []string{
				"Persist {target} output keyed by workflow input",
				"Skip {target} when a fresh cached result exists",
			},
		},
	},
}

// SuggestOptimizations maps findings to remedies from a fixed template table.
//
// # Description
//
// Each finding contributes every template of its category with the
// component substituted into description and actions. Priority is the
// finding's impact rank (high 3, medium 2, low 1). When two findings yield
// the same type and target, the higher priority wins.
//
// # Outputs
//
//   - []Optimization: Sorted by priority desc, expected improvement desc,
//     type, target.
func SuggestOptimizations(findings []Bottleneck) []Optimization {
	byKey := make(map[string]Optimization)
	for _, b := range findings {
		for _, tpl := range templates[b.Category] {
			opt := Optimization{
				Type:                tpl.Type,
				Target:              b.Component,
				Category:            b.Category,
				Description:         fill(tpl.Description, b.Component),
				ExpectedImprovement: tpl.Improvement,
				Effort:              tpl.Effort,
				Priority:            b.Impact.Rank(),
				Actions:             make([]string, len(tpl.Actions)),
			}
			for i, a := range tpl.Actions {
				opt.Actions[i] = fill(a, b.Component)
			}
			key := opt.Type + "\x00" + opt.Target
			if prev, ok := byKey[key]; !ok || opt.Priority > prev.Priority {
				byKey[key] = opt
			}
		}
	}

	out := make([]Optimization, 0, len(byKey))
	for _, o := range byKey {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.ExpectedImprovement != b.ExpectedImprovement {
			return a.ExpectedImprovement > b.ExpectedImprovement
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Target < b.Target
	})
	return out
}

func fill(text, target string) string {
	return strings.ReplaceAll(text, "{target}", target)
}
