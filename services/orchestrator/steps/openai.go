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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/pkg/telemetry"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/revision"
)

// OpenAIConfig configures the go-openai client used by the LLM steps.
type OpenAIConfig struct {
	// APIKey falls back to OPENAI_API_KEY and then /run/secrets/openai_api_key.
	APIKey string `yaml:"api_key" json:"-"`

	// BaseURL overrides the API endpoint (OpenAI-compatible servers).
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Model defaults to OPENAI_MODEL and then gpt-4o-mini.
	Model string `yaml:"model" json:"model"`

	// SystemPrompt is sent ahead of every request.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	Temperature float32 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
}

const openAISecretPath = "/run/secrets/openai_api_key"

// ErrNoAPIKey is returned when no OpenAI key can be found.
var ErrNoAPIKey = errors.New("OPENAI_API_KEY not set and secret not found")

// ChatClient is the subset of *openai.Client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLM wraps a chat client with model and request defaults.
type LLM struct {
	client ChatClient
	cfg    OpenAIConfig
	logger *logging.Logger
}

// NewLLM builds a go-openai client from cfg.
//
// # Outputs
//
//   - *LLM: Ready to use.
//   - error: ErrNoAPIKey when no key is configured.
func NewLLM(cfg OpenAIConfig, logger *logging.Logger) (*LLM, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		if b, err := os.ReadFile(openAISecretPath); err == nil {
			cfg.APIKey = strings.TrimSpace(string(b))
		}
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewLLMWithClient(openai.NewClientWithConfig(clientCfg), cfg, logger), nil
}

// NewLLMWithClient wraps an existing client.
func NewLLMWithClient(client ChatClient, cfg OpenAIConfig, logger *logging.Logger) *LLM {
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a careful writing assistant."
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &LLM{client: client, cfg: cfg, logger: logger.Component("llm")}
}

// Complete sends one user message and returns the first choice's content.
func (l *LLM) Complete(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: l.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: l.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: l.cfg.Temperature,
	}
	if l.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = l.cfg.MaxTokens
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	ctx, span := telemetry.StartSpan(ctx, "aleutian.steps", "llm.Complete", trace.WithAttributes(
		attribute.String("llm.model", l.cfg.Model),
		attribute.Bool("llm.json", jsonMode),
	))
	defer span.End()

	l.logger.Debug("chat completion", "model", l.cfg.Model, "json", jsonMode)
	resp, err := l.client.CreateChatCompletion(ctx, req)
	if err != nil {
		err = fmt.Errorf("openai chat completion: %w", err)
		telemetry.RecordError(span, err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		err = errors.New("openai returned no choices")
		telemetry.RecordError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.Int("llm.total_tokens", resp.Usage.TotalTokens))
	telemetry.SetSpanOK(span)
	return resp.Choices[0].Message.Content, nil
}

// =============================================================================
// Steps
// =============================================================================

// Default prompt templates for the essay pipeline. Fields are step args.
var defaultTemplates = map[string]string{
	StepBrainstorm: `List four distinct ideas for an essay answering: {{.prompt}}
Return one idea per line with no numbering.`,
	StepOutline: `Turn these ideas into an essay outline with an introduction and a conclusion:
{{range .ideas}}- {{.}}
{{end}}Return one section title per line.`,
	StepDraft: `Write an essay answering: {{.prompt}}
Follow this outline:
{{range .outline}}- {{.}}
{{end}}Separate paragraphs with a blank line.`,
}

// resultKeys maps each step to its output key.
var resultKeys = map[string]string{
	StepBrainstorm: KeyIdeas,
	StepOutline:    KeyOutline,
	StepDraft:      KeyDraft,
}

// OpenAIStep renders a prompt template from step args and returns the
// completion under a single result key. List-valued keys (ideas, outline)
// are split on newlines.
type OpenAIStep struct {
	llm       *LLM
	tmpl      *template.Template
	resultKey string
	asList    bool
}

// NewOpenAIStep builds a step from a text/template source.
func NewOpenAIStep(llm *LLM, name, tmplSrc, resultKey string, asList bool) (*OpenAIStep, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(tmplSrc)
	if err != nil {
		return nil, fmt.Errorf("parse template for step %s: %w", name, err)
	}
	return &OpenAIStep{llm: llm, tmpl: tmpl, resultKey: resultKey, asList: asList}, nil
}

// Run implements StepExecutor.
func (s *OpenAIStep) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, args); err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	out, err := s.llm.Complete(ctx, buf.String(), false)
	if err != nil {
		return nil, err
	}
	if !s.asList {
		return map[string]any{s.resultKey: strings.TrimSpace(out)}, nil
	}

	var items []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
		if line != "" {
			items = append(items, line)
		}
	}
	return map[string]any{s.resultKey: items}, nil
}

// RegisterOpenAISteps registers brainstorm, outline and draft backed by llm.
func RegisterOpenAISteps(reg *Registry, llm *LLM) error {
	for _, name := range DefaultPipeline {
		step, err := NewOpenAIStep(llm, name, defaultTemplates[name], resultKeys[name], name != StepDraft)
		if err != nil {
			return err
		}
		if err := reg.Register(name, step); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Evaluator and Reviser
// =============================================================================

const evaluatePrompt = `Score the essay below against the question on a 0-10 scale.
Respond with JSON only: {"score": number, "dimensions": {"name": number}, "feedback": string, "acceptable": bool}.
Use the dimensions clarity, structure, relevance and evidence.

Question: %s

Essay:
%s`

const revisePrompt = `Revise the essay below. %s
Return only the revised essay.

Essay:
%s`

type rubricResponse struct {
	Score      float64            `json:"score"`
	Dimensions map[string]float64 `json:"dimensions"`
	Feedback   string             `json:"feedback"`
	Acceptable bool               `json:"acceptable"`
}

// OpenAIEvaluator scores drafts with a JSON rubric response.
type OpenAIEvaluator struct {
	LLM *LLM
}

// Evaluate implements revision.Evaluator.
func (e OpenAIEvaluator) Evaluate(ctx context.Context, artifact, prompt string) (revision.Evaluation, error) {
	out, err := e.LLM.Complete(ctx, fmt.Sprintf(evaluatePrompt, prompt, artifact), true)
	if err != nil {
		return revision.Evaluation{}, err
	}

	var r rubricResponse
	if err := json.Unmarshal([]byte(stripFences(out)), &r); err != nil {
		return revision.Evaluation{}, fmt.Errorf("decode rubric: %w", err)
	}
	return revision.Evaluation{
		Score:           r.Score,
		DimensionScores: r.Dimensions,
		Feedback:        r.Feedback,
		Acceptable:      r.Acceptable,
	}, nil
}

// OpenAIReviser rewrites drafts guided by the focus string.
type OpenAIReviser struct {
	LLM *LLM
}

// Revise implements revision.Reviser.
func (r OpenAIReviser) Revise(ctx context.Context, artifact, focus string) (revision.Revision, error) {
	out, err := r.LLM.Complete(ctx, fmt.Sprintf(revisePrompt, focus, artifact), false)
	if err != nil {
		return revision.Revision{}, err
	}
	return revision.Revision{
		Artifact:      strings.TrimSpace(out),
		ChangeSummary: []string{"rewrote draft: " + firstLine(focus)},
	}, nil
}

// stripFences removes a surrounding ```json fence some models add.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func firstLine(s string) string {
	return strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
}

var (
	_ StepExecutor       = (*OpenAIStep)(nil)
	_ revision.Evaluator = OpenAIEvaluator{}
	_ revision.Reviser   = OpenAIReviser{}
	_ ChatClient         = (*openai.Client)(nil)
)
