// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/workflow"
)

// WatchEngine is the engine surface needed to stream one workflow.
type WatchEngine interface {
	Status(ctx context.Context, h datatypes.Handle) workflow.Status
	Wait(ctx context.Context, h datatypes.Handle) (datatypes.WorkflowOutcome, error)
}

// Watch event types.
const (
	WatchEventStatus  = "status"
	WatchEventOutcome = "outcome"
)

// WatchEvent is one frame sent over a watch socket.
type WatchEvent struct {
	Type    string                     `json:"type"`
	Status  *workflow.Status           `json:"status,omitempty"`
	Outcome *datatypes.WorkflowOutcome `json:"outcome,omitempty"`
}

const watchWriteTimeout = 5 * time.Second

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWatchWorkflow streams the progress of one workflow over a websocket.
//
// # Description
//
// Unknown handles are answered with a plain 404 before the upgrade. After
// the upgrade the handler sends the current status. If the workflow is not
// yet terminal it blocks in Wait and sends the outcome once it settles.
// The socket is then closed normally. A client that disconnects early
// releases the wait.
//
// # Inputs
//
//   - engine: Source of status and terminal outcomes.
//   - logger: Receives upgrade and write failures.
func HandleWatchWorkflow(engine WatchEngine, logger *logging.Logger) gin.HandlerFunc {
	log := logger.Component("watch")
	return func(c *gin.Context) {
		h := datatypes.Handle(c.Param("handle"))
		st := engine.Status(c.Request.Context(), h)
		if st.State == datatypes.StateNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found", "handle": h})
			return
		}

		conn, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "handle", h, "error", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		// The client never sends data frames; a read error means it went away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := writeEvent(conn, WatchEvent{Type: WatchEventStatus, Status: &st}); err != nil {
			log.Debug("watch write failed", "handle", h, "error", err)
			return
		}

		if st.Outcome == nil {
			out, err := engine.Wait(ctx, h)
			switch {
			case errors.Is(err, context.Canceled):
				return
			case err != nil:
				closeWatch(conn, websocket.CloseInternalServerErr, err.Error())
				return
			}
			if err := writeEvent(conn, WatchEvent{Type: WatchEventOutcome, Outcome: &out}); err != nil {
				log.Debug("watch write failed", "handle", h, "error", err)
				return
			}
		}
		closeWatch(conn, websocket.CloseNormalClosure, "")
	}
}

func writeEvent(conn *websocket.Conn, ev WatchEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	return conn.WriteJSON(ev)
}

func closeWatch(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteTimeout))
}
