// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package steps defines the step execution contract and its implementations.
//
// # Description
//
// A pipeline is an ordered list of step names. Each name resolves through a
// Registry to a StepExecutor. The orchestrator validates the pipeline
// against the registry at construction so an unregistered name fails fast.
//
// Two families of executors are provided:
//
//   - Simulated essay steps (brainstorm, outline, draft) with a
//     HeuristicEvaluator and AppendReviser, for offline runs and tests.
//   - OpenAI-backed steps, evaluator and reviser built on go-openai.
package steps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Standard step names.
const (
	StepBrainstorm = "brainstorm"
	StepOutline    = "outline"
	StepDraft      = "draft"
)

// DefaultPipeline is the essay pipeline run for every workflow kind.
var DefaultPipeline = []string{StepBrainstorm, StepOutline, StepDraft}

// Standard argument and result keys threaded between steps.
const (
	KeyPrompt  = "prompt"
	KeyIdeas   = "ideas"
	KeyOutline = "outline"
	KeyDraft   = "draft"
)

var (
	// ErrUnknownStep is returned by Validate and Lookup for unregistered names.
	ErrUnknownStep = errors.New("unknown step")

	// ErrDuplicateStep is returned when a name is registered twice.
	ErrDuplicateStep = errors.New("step already registered")
)

// StepExecutor runs one named generation step. Implementations must honor
// ctx cancellation. The orchestrator never inspects results beyond passing
// them to later steps.
type StepExecutor interface {
	Run(ctx context.Context, args map[string]any) (map[string]any, error)
}

// StepFunc adapts a function to StepExecutor.
type StepFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Run implements StepExecutor.
func (f StepFunc) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f(ctx, args)
}

// Registry maps step names to executors. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]StepExecutor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]StepExecutor)}
}

// Register binds name to exec.
func (r *Registry) Register(name string, exec StepExecutor) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("step name must not be empty")
	}
	if exec == nil {
		return fmt.Errorf("step %q: executor must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.steps[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, name)
	}
	r.steps[name] = exec
	return nil
}

// Lookup returns the executor bound to name.
func (r *Registry) Lookup(name string) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.steps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	return exec, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for n := range r.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every pipeline step is registered. The error names
// all missing steps.
func (r *Registry) Validate(pipeline []string) error {
	if len(pipeline) == 0 {
		return errors.New("pipeline must contain at least one step")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, name := range pipeline {
		if _, ok := r.steps[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownStep, strings.Join(missing, ", "))
	}
	return nil
}

// stringArg returns args[key] as a string, or "" when absent or mistyped.
func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// stringsArg returns args[key] as a string slice, accepting []string and
// []any of strings.
func stringsArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
