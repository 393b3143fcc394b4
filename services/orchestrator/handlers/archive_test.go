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
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

type fakeArchive struct {
	outcomes []datatypes.WorkflowOutcome
	since    time.Time
	limit    int
	err      error
}

func (f *fakeArchive) Recent(ctx context.Context, since time.Time, limit int) ([]datatypes.WorkflowOutcome, error) {
	f.since, f.limit = since, limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.outcomes) {
		return f.outcomes[:limit], nil
	}
	return f.outcomes, nil
}

func (f *fakeArchive) Count(ctx context.Context) (int, error) { return len(f.outcomes), f.err }

func (f *fakeArchive) InMemory() bool { return false }

func archiveRouter(reader ArchiveReader) *gin.Engine {
	r := gin.New()
	r.GET("/archive", HandleArchive(reader, logging.Discard()))
	return r
}

func TestHandleArchive(t *testing.T) {
	reader := &fakeArchive{outcomes: []datatypes.WorkflowOutcome{
		{Handle: "h-2", State: datatypes.StateCompleted},
		{Handle: "h-1", State: datatypes.StateFailed},
	}}

	w := do(archiveRouter(reader), http.MethodGet, "/archive?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body ArchiveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.True(t, body.Persistent)
	require.Len(t, body.Outcomes, 1)
	assert.Equal(t, datatypes.Handle("h-2"), body.Outcomes[0].Handle)
	assert.Equal(t, 1, reader.limit)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), reader.since, time.Minute)
}

func TestHandleArchive_SinceZeroListsEverything(t *testing.T) {
	reader := &fakeArchive{}
	w := do(archiveRouter(reader), http.MethodGet, "/archive?since=0s", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, reader.since.IsZero())
	assert.JSONEq(t, `{"total":0,"persistent":true,"outcomes":[]}`, w.Body.String())
}

func TestHandleArchive_BadInput(t *testing.T) {
	for _, q := range []string{"since=-1h", "since=yesterday", "limit=0", "limit=5000", "limit=x"} {
		t.Run(q, func(t *testing.T) {
			w := do(archiveRouter(&fakeArchive{}), http.MethodGet, "/archive?"+q, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleArchive_ReaderError(t *testing.T) {
	w := do(archiveRouter(&fakeArchive{err: errors.New("closed")}), http.MethodGet, "/archive", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "closed")
}
