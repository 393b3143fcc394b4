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
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrMissingInput is returned when a step's required argument is absent.
var ErrMissingInput = errors.New("missing step input")

// EssayOptions configures the simulated essay steps.
type EssayOptions struct {
	// Latency is slept by each step before it returns, honoring ctx.
	Latency time.Duration
}

// RegisterEssaySteps registers brainstorm, outline and draft.
func RegisterEssaySteps(reg *Registry, opts EssayOptions) error {
	for name, fn := range map[string]StepFunc{
		StepBrainstorm: brainstorm(opts),
		StepOutline:    outline(opts),
		StepDraft:      draft(opts),
	} {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func brainstorm(opts EssayOptions) StepFunc {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		prompt := strings.TrimSpace(stringArg(args, KeyPrompt))
		if prompt == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, KeyPrompt)
		}
		if err := sleep(ctx, opts.Latency); err != nil {
			return nil, err
		}

		var ideas []string
		for _, kw := range Keywords(prompt, 3) {
			ideas = append(ideas, fmt.Sprintf("Why %s matters to the question", kw))
		}
		for _, generic := range []string{
			"A concrete example that grounds the argument",
			"The strongest counterargument and a reply",
		} {
			if len(ideas) >= 4 {
				break
			}
			ideas = append(ideas, generic)
		}
		return map[string]any{KeyIdeas: ideas}, nil
	}
}

func outline(opts EssayOptions) StepFunc {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		ideas := stringsArg(args, KeyIdeas)
		if len(ideas) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, KeyIdeas)
		}
		if err := sleep(ctx, opts.Latency); err != nil {
			return nil, err
		}

		sections := []string{"Introduction"}
		for i, idea := range ideas {
			if i == 3 {
				break
			}
			sections = append(sections, idea)
		}
		sections = append(sections, "Conclusion")
		return map[string]any{KeyOutline: sections}, nil
	}
}

func draft(opts EssayOptions) StepFunc {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		sections := stringsArg(args, KeyOutline)
		if len(sections) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, KeyOutline)
		}
		if err := sleep(ctx, opts.Latency); err != nil {
			return nil, err
		}

		prompt := strings.TrimSpace(stringArg(args, KeyPrompt))
		paragraphs := make([]string, 0, len(sections))
		for _, s := range sections {
			switch s {
			case "Introduction":
				paragraphs = append(paragraphs, fmt.Sprintf("This essay responds to the question: %s. It sets out the main ideas in turn.", prompt))
			case "Conclusion":
				paragraphs = append(paragraphs, "Taken together, these points answer the question and suggest where further thought is needed.")
			default:
				paragraphs = append(paragraphs, fmt.Sprintf("%s. This point connects back to %s.", s, prompt))
			}
		}
		return map[string]any{KeyDraft: strings.Join(paragraphs, "\n\n")}, nil
	}
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Keywords returns up to n distinct lower-cased words of four or more
// letters from text, in order of first appearance.
func Keywords(text string, n int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if len(w) < 4 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

var stopWords = map[string]bool{
	"about": true, "their": true, "there": true, "these": true, "this": true,
	"that": true, "what": true, "when": true, "which": true, "with": true,
	"would": true, "should": true, "could": true, "from": true, "have": true,
	"into": true, "does": true, "write": true, "essay": true,
}
