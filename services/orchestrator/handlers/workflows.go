// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP handlers of the workflow API.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/workflow"
)

// WorkflowEngine is the orchestrator surface used by the handlers.
// workflow.Orchestrator satisfies it.
type WorkflowEngine interface {
	Submit(spec datatypes.WorkflowSpec) (datatypes.Handle, error)
	Execute(ctx context.Context, spec datatypes.WorkflowSpec) (datatypes.WorkflowOutcome, error)
	Status(ctx context.Context, h datatypes.Handle) workflow.Status
	Cancel(h datatypes.Handle) datatypes.WorkflowState
	Wait(ctx context.Context, h datatypes.Handle) (datatypes.WorkflowOutcome, error)
	Advisories() []workflow.Advisory
	Stats() workflow.Stats
}

// WorkflowRequest is the JSON body of the submit and execute endpoints.
type WorkflowRequest struct {
	Kind      datatypes.WorkflowKind     `json:"kind"`
	Input     map[string]any             `json:"input"`
	Prompt    string                     `json:"prompt"`
	Priority  datatypes.Priority         `json:"priority"`
	Resources *datatypes.ResourceRequest `json:"resources"`

	// Timeout is a Go duration string such as "90s".
	Timeout string `json:"timeout"`
	Revise  bool   `json:"revise"`
}

// Spec converts r into a WorkflowSpec. Prompt is a shorthand for
// Input["prompt"].
func (r WorkflowRequest) Spec() (datatypes.WorkflowSpec, error) {
	spec := datatypes.WorkflowSpec{
		Kind:      r.Kind,
		Input:     r.Input,
		Priority:  r.Priority,
		Resources: r.Resources,
		Revise:    r.Revise,
	}
	if r.Prompt != "" {
		if spec.Input == nil {
			spec.Input = map[string]any{}
		}
		spec.Input["prompt"] = r.Prompt
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return spec, fmt.Errorf("%w: timeout: %v", datatypes.ErrInvalidSpec, err)
		}
		spec.Timeout = d
	}
	return spec, spec.Validate()
}

// SubmitResponse is returned by the submit endpoint.
type SubmitResponse struct {
	Handle datatypes.Handle        `json:"handle"`
	State  datatypes.WorkflowState `json:"state"`
}

// HandleSubmitWorkflow enqueues a workflow and answers 202 with its handle.
func HandleSubmitWorkflow(engine WorkflowEngine, logger *logging.Logger) gin.HandlerFunc {
	log := logger.Component("api")
	return func(c *gin.Context) {
		spec, ok := bindSpec(c)
		if !ok {
			return
		}
		h, err := engine.Submit(spec)
		if err != nil {
			writeEngineError(c, log, err)
			return
		}
		log.Info("workflow submitted", "handle", h, "kind", spec.Kind)
		c.JSON(http.StatusAccepted, SubmitResponse{Handle: h, State: datatypes.StateQueued})
	}
}

// HandleExecuteWorkflow runs a workflow synchronously and returns its
// outcome. Workflow failures are reported in the outcome with status 200.
func HandleExecuteWorkflow(engine WorkflowEngine, logger *logging.Logger) gin.HandlerFunc {
	log := logger.Component("api")
	return func(c *gin.Context) {
		spec, ok := bindSpec(c)
		if !ok {
			return
		}
		out, err := engine.Execute(c.Request.Context(), spec)
		if err != nil {
			writeEngineError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// HandleGetWorkflow reports the status of one handle.
func HandleGetWorkflow(engine WorkflowEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := engine.Status(c.Request.Context(), datatypes.Handle(c.Param("handle")))
		if st.State == datatypes.StateNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found", "handle": st.Handle})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// HandleCancelWorkflow requests cancellation of one handle.
func HandleCancelWorkflow(engine WorkflowEngine, logger *logging.Logger) gin.HandlerFunc {
	log := logger.Component("api")
	return func(c *gin.Context) {
		h := datatypes.Handle(c.Param("handle"))
		state := engine.Cancel(h)
		if state == datatypes.StateNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found or already finished", "handle": h})
			return
		}
		log.Info("workflow cancel requested", "handle", h)
		c.JSON(http.StatusAccepted, gin.H{"handle": h, "state": state})
	}
}

// HandleAdvisories lists the advisories retained by the monitor loop.
func HandleAdvisories(engine WorkflowEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		adv := engine.Advisories()
		if adv == nil {
			adv = []workflow.Advisory{}
		}
		c.JSON(http.StatusOK, gin.H{"advisories": adv})
	}
}

func bindSpec(c *gin.Context) (datatypes.WorkflowSpec, bool) {
	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return datatypes.WorkflowSpec{}, false
	}
	spec, err := req.Spec()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": datatypes.KindOf(err)})
		return spec, false
	}
	return spec, true
}

func writeEngineError(c *gin.Context, log *logging.Logger, err error) {
	switch {
	case errors.Is(err, datatypes.ErrInvalidSpec):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": datatypes.KindOf(err)})
	case errors.Is(err, datatypes.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error("workflow engine error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
