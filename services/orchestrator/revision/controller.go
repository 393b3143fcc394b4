// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package revision drives the evaluate/revise loop for one artifact.
//
// # Description
//
// A Controller performs exactly one evaluate-then-maybe-revise step per
// RunCycle call. The caller owns the State and loops while ShouldContinue is
// true, which lets it check cancellation and deadlines between cycles.
//
//	st := revision.NewState(prompt, draft)
//	for {
//	    res := ctrl.RunCycle(ctx, st)
//	    if !res.ShouldContinue {
//	        break
//	    }
//	}
//
// # Thread Safety
//
// Controller is safe for concurrent use. A State belongs to one caller.
package revision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/pkg/telemetry"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.revision")

// Score bounds accepted from an Evaluator.
const (
	MinScore = 0.0
	MaxScore = 10.0
)

// ErrNoDraft is reported when a cycle starts without an artifact.
var ErrNoDraft = errors.New("no draft available")

// =============================================================================
// External Contracts
// =============================================================================

// Evaluation is the numeric verdict on one artifact.
type Evaluation struct {
	Score           float64            `json:"score"`
	DimensionScores map[string]float64 `json:"dimension_scores,omitempty"`
	Feedback        string             `json:"feedback,omitempty"`
	Acceptable      bool               `json:"acceptable"`
}

// Revision is a revised artifact plus a list of what changed.
type Revision struct {
	Artifact      string   `json:"artifact"`
	ChangeSummary []string `json:"change_summary,omitempty"`
}

// Evaluator scores an artifact against the prompt it answers.
type Evaluator interface {
	Evaluate(ctx context.Context, artifact, prompt string) (Evaluation, error)
}

// Reviser rewrites an artifact guided by focus.
type Reviser interface {
	Revise(ctx context.Context, artifact, focus string) (Revision, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, artifact, prompt string) (Evaluation, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, artifact, prompt string) (Evaluation, error) {
	return f(ctx, artifact, prompt)
}

// ReviserFunc adapts a function to Reviser.
type ReviserFunc func(ctx context.Context, artifact, focus string) (Revision, error)

// Revise implements Reviser.
func (f ReviserFunc) Revise(ctx context.Context, artifact, focus string) (Revision, error) {
	return f(ctx, artifact, focus)
}

// =============================================================================
// State
// =============================================================================

// Phase is the revision state machine position.
type Phase string

const (
	PhaseEvaluating Phase = "evaluating"
	PhaseRevising   Phase = "revising"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether no further cycles will run.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Reasons attached to terminal states.
const (
	ReasonTargetReached = "target score reached"
	ReasonMaxAttempts   = "max attempts reached"
)

// State is the mutable revision phase of one workflow.
type State struct {
	Prompt string
	Draft  string
	Phase  Phase

	// Score is the most recent evaluation score, valid once Scored is true.
	Score  float64
	Scored bool

	LastEvaluation *Evaluation
	Changes        []string
	Reason         string
	Err            error

	Tracker *Tracker
}

// NewState starts a revision phase for draft.
func NewState(prompt, draft string) *State {
	return &State{
		Prompt:  prompt,
		Draft:   draft,
		Phase:   PhaseEvaluating,
		Tracker: NewTracker(),
	}
}

// Attempts returns the number of revisions performed so far.
func (s *State) Attempts() int {
	return s.Tracker.Count()
}

// Summary condenses the phase for a workflow outcome.
func (s *State) Summary(target float64) datatypes.RevisionSummary {
	return datatypes.RevisionSummary{
		Attempts:         s.Tracker.Count(),
		InitialScore:     s.Tracker.InitialScore(),
		FinalScore:       s.Score,
		TotalImprovement: s.Tracker.TotalImprovement(),
		Trend:            string(s.Tracker.Trend()),
		TargetReached:    s.Scored && s.Score >= target,
		Reason:           s.Reason,
	}
}

// CycleResult reports one RunCycle call.
type CycleResult struct {
	Completed      bool     `json:"completed"`
	NeedsRevision  bool     `json:"needs_revision"`
	ShouldContinue bool     `json:"should_continue"`
	Progress       float64  `json:"progress"`
	Score          float64  `json:"score"`
	Attempts       int      `json:"attempts"`
	Focus          string   `json:"focus,omitempty"`
	Trend          Trend    `json:"trend"`
	Reason         string   `json:"reason,omitempty"`
	Errors         []string `json:"errors,omitempty"`

	// Err is non-nil when the cycle failed. It wraps ErrEvaluation or
	// ErrRevision from the datatypes package.
	Err error `json:"-"`
}

// =============================================================================
// Controller
// =============================================================================

// Config configures a Controller.
type Config struct {
	// TargetScore ends the loop once reached. Default 8.0.
	TargetScore float64

	// MaxAttempts bounds the number of revisions. DefaultConfig uses 3.
	MaxAttempts int

	// MaxFocusDimensions bounds how many weak dimensions the feedback names.
	// Default 3.
	MaxFocusDimensions int

	Logger *logging.Logger
	Now    func() time.Time
}

// DefaultConfig returns the default target and attempt budget.
func DefaultConfig() Config {
	return Config{TargetScore: 8.0, MaxAttempts: 3, MaxFocusDimensions: 3}
}

// Controller runs revision cycles against an Evaluator and a Reviser.
type Controller struct {
	evaluator Evaluator
	reviser   Reviser
	cfg       Config
	logger    *logging.Logger
	now       func() time.Time
}

// NewController creates a Controller.
//
// # Inputs
//
//   - evaluator: Scores artifacts. Must not be nil.
//   - reviser: Rewrites artifacts. Must not be nil.
//   - cfg: Zero TargetScore and MaxFocusDimensions take defaults. A zero
//     MaxAttempts disables revision: the first evaluation is final.
//
// # Outputs
//
//   - *Controller: Ready to use.
//   - error: Non-nil when a collaborator is missing or the config is invalid.
func NewController(evaluator Evaluator, reviser Reviser, cfg Config) (*Controller, error) {
	if evaluator == nil {
		return nil, errors.New("revision: evaluator is required")
	}
	if reviser == nil {
		return nil, errors.New("revision: reviser is required")
	}
	if cfg.TargetScore == 0 {
		cfg.TargetScore = 8.0
	}
	if cfg.TargetScore < MinScore || cfg.TargetScore > MaxScore {
		return nil, fmt.Errorf("revision: target score %.2f outside [%.0f, %.0f]", cfg.TargetScore, MinScore, MaxScore)
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("revision: max attempts must be >= 0, got %d", cfg.MaxAttempts)
	}
	if cfg.MaxFocusDimensions <= 0 {
		cfg.MaxFocusDimensions = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		evaluator: evaluator,
		reviser:   reviser,
		cfg:       cfg,
		logger:    cfg.Logger.Component("revision"),
		now:       cfg.Now,
	}, nil
}

// TargetScore returns the configured quality threshold.
func (c *Controller) TargetScore() float64 { return c.cfg.TargetScore }

// MaxAttempts returns the configured revision budget.
func (c *Controller) MaxAttempts() int { return c.cfg.MaxAttempts }

// RunCycle performs one evaluate-then-maybe-revise step.
//
// # Description
//
//  1. A missing draft fails the phase with "no draft available".
//  2. The draft is evaluated. An evaluator error or an out-of-range score
//     fails the phase with "evaluation failed: ...". There is no retry.
//  3. A score at or above the target completes the phase.
//  4. An exhausted attempt budget completes the phase without reaching the
//     target. This is a normal outcome, not an error.
//  5. Otherwise the draft is revised with feedback naming the weakest
//     dimensions. A reviser error fails the phase with "revision failed: ...".
//
// The score of a revised draft is observed by the next cycle. When the
// revision just performed used up the budget, the phase completes with the
// last evaluated score and the final attempt stays unevaluated.
//
// Calling RunCycle on a terminal State performs no work.
//
// # Outputs
//
//   - CycleResult: ShouldContinue is score < target and attempts < max.
func (c *Controller) RunCycle(ctx context.Context, st *State) CycleResult {
	if st == nil {
		return CycleResult{
			Completed: true,
			Errors:    []string{ErrNoDraft.Error()},
			Err:       fmt.Errorf("%w: %w", datatypes.ErrRevision, ErrNoDraft),
		}
	}
	if st.Tracker == nil {
		st.Tracker = NewTracker()
	}
	if st.Phase == "" {
		st.Phase = PhaseEvaluating
	}
	if st.Phase.Terminal() {
		return c.result(st, "")
	}

	ctx, span := tracer.Start(ctx, "revision.Cycle",
		trace.WithAttributes(
			attribute.Int("revision.attempts", st.Attempts()),
			attribute.Float64("revision.target", c.cfg.TargetScore),
		),
	)
	defer span.End()

	if strings.TrimSpace(st.Draft) == "" {
		return c.fail(span, st, ErrNoDraft.Error(), fmt.Errorf("%w: %w", datatypes.ErrRevision, ErrNoDraft))
	}

	// Evaluate
	st.Phase = PhaseEvaluating
	eval, err := c.evaluator.Evaluate(ctx, st.Draft, st.Prompt)
	if err == nil {
		err = checkScore(eval.Score)
	}
	if err != nil {
		return c.fail(span, st, "evaluation failed: "+err.Error(), fmt.Errorf("%w: %w", datatypes.ErrEvaluation, err))
	}

	st.Score = eval.Score
	st.Scored = true
	st.LastEvaluation = &eval
	st.Tracker.observe(eval.Score, c.now())
	span.SetAttributes(attribute.Float64("revision.score", eval.Score))

	if eval.Score >= c.cfg.TargetScore {
		return c.done(span, st, ReasonTargetReached)
	}
	if st.Attempts() >= c.cfg.MaxAttempts {
		return c.done(span, st, ReasonMaxAttempts)
	}

	// Revise
	st.Phase = PhaseRevising
	focus := TargetedFeedback(eval, c.cfg.TargetScore, c.cfg.MaxFocusDimensions)
	st.Tracker.begin(eval.Score, c.now())

	rev, err := c.reviser.Revise(ctx, st.Draft, focus)
	if err == nil && strings.TrimSpace(rev.Artifact) == "" {
		err = errors.New("reviser returned an empty artifact")
	}
	if err != nil {
		st.Tracker.abandon()
		return c.fail(span, st, "revision failed: "+err.Error(), fmt.Errorf("%w: %w", datatypes.ErrRevision, err))
	}

	st.Draft = rev.Artifact
	st.Changes = append(st.Changes, rev.ChangeSummary...)

	c.logger.Debug("revision applied",
		"attempt", st.Attempts(),
		"score_before", eval.Score,
		"changes", len(rev.ChangeSummary),
	)

	if st.Attempts() >= c.cfg.MaxAttempts {
		res := c.done(span, st, ReasonMaxAttempts)
		res.Focus = focus
		return res
	}

	st.Phase = PhaseEvaluating
	telemetry.SetSpanOK(span)
	return c.result(st, focus)
}

// done moves st to Done with reason.
func (c *Controller) done(span trace.Span, st *State, reason string) CycleResult {
	st.Phase = PhaseDone
	st.Reason = reason
	span.SetAttributes(attribute.String("revision.reason", reason))
	telemetry.SetSpanOK(span)
	c.logger.Debug("revision phase done",
		"reason", reason,
		"score", st.Score,
		"attempts", st.Attempts(),
	)
	return c.result(st, "")
}

// fail moves st to Failed.
func (c *Controller) fail(span trace.Span, st *State, msg string, err error) CycleResult {
	st.Phase = PhaseFailed
	st.Reason = msg
	st.Err = err
	if err == nil {
		err = errors.New(msg)
	}
	telemetry.RecordError(span, err, attribute.String("revision.reason", msg))
	c.logger.Warn("revision phase failed", "error", msg, "attempts", st.Attempts())
	return c.result(st, "")
}

func (c *Controller) result(st *State, focus string) CycleResult {
	res := CycleResult{
		Completed:      st.Phase == PhaseDone,
		NeedsRevision:  !(st.Scored && st.Score >= c.cfg.TargetScore),
		ShouldContinue: !st.Phase.Terminal() && st.Score < c.cfg.TargetScore && st.Attempts() < c.cfg.MaxAttempts,
		Progress:       progress(st.Score, c.cfg.TargetScore),
		Score:          st.Score,
		Attempts:       st.Attempts(),
		Focus:          focus,
		Trend:          st.Tracker.Trend(),
		Reason:         st.Reason,
		Err:            st.Err,
	}
	if st.Phase == PhaseFailed {
		res.Errors = []string{st.Reason}
	}
	return res
}

func progress(score, target float64) float64 {
	if target <= 0 {
		return 1
	}
	return math.Min(math.Max(score/target, 0), 1)
}

func checkScore(score float64) error {
	if math.IsNaN(score) || score < MinScore || score > MaxScore {
		return fmt.Errorf("score %v outside [%.0f, %.0f]", score, MinScore, MaxScore)
	}
	return nil
}

// TargetedFeedback composes revision guidance from an evaluation.
//
// # Description
//
// Names the lowest-scoring dimensions below target, at most limit of them,
// ordered by score then name. When every dimension meets the target the
// single weakest is named. The evaluator's free text follows.
func TargetedFeedback(eval Evaluation, target float64, limit int) string {
	type dim struct {
		name  string
		score float64
	}
	dims := make([]dim, 0, len(eval.DimensionScores))
	for name, score := range eval.DimensionScores {
		dims = append(dims, dim{name, score})
	}
	sort.Slice(dims, func(i, j int) bool {
		if dims[i].score != dims[j].score {
			return dims[i].score < dims[j].score
		}
		return dims[i].name < dims[j].name
	})

	var weak []dim
	for _, d := range dims {
		if d.score < target && len(weak) < limit {
			weak = append(weak, d)
		}
	}
	if len(weak) == 0 && len(dims) > 0 {
		weak = dims[:1]
	}

	var b strings.Builder
	if len(weak) > 0 {
		parts := make([]string, len(weak))
		for i, d := range weak {
			parts[i] = fmt.Sprintf("%s (%.1f)", d.name, d.score)
		}
		b.WriteString("Focus on improving: ")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(".")
	}
	if fb := strings.TrimSpace(eval.Feedback); fb != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fb)
	}
	if b.Len() == 0 {
		return "Improve the overall quality of the draft."
	}
	return b.String()
}
