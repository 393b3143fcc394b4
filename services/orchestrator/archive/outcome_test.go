// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

func openInMemory(t *testing.T) *OutcomeArchive {
	t.Helper()
	a, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func outcome(h string, completed time.Time) datatypes.WorkflowOutcome {
	return datatypes.WorkflowOutcome{
		Handle:      datatypes.Handle(h),
		Kind:        datatypes.KindBatch,
		State:       datatypes.StateCompleted,
		Success:     true,
		Result:      map[string]any{"draft": "text"},
		StartedAt:   completed.Add(-time.Second),
		CompletedAt: completed,
		Duration:    time.Second,
		Allocation:  datatypes.ResourceRequest{CPU: 0.2, Memory: 0.1},
	}
}

func TestOutcomeArchive_PutGet(t *testing.T) {
	a := openInMemory(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, a.Put(ctx, outcome("h1", now)))

	got, err := a.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.Handle("h1"), got.Handle)
	assert.Equal(t, datatypes.StateCompleted, got.State)
	assert.Equal(t, "text", got.Result["draft"])
	assert.True(t, got.CompletedAt.Equal(now))
	assert.Equal(t, time.Second, got.Duration)

	_, err = a.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, a.InMemory())
}

func TestOutcomeArchive_PutRejects(t *testing.T) {
	a := openInMemory(t)
	ctx := context.Background()

	assert.Error(t, a.Put(ctx, datatypes.WorkflowOutcome{State: datatypes.StateCompleted}))

	running := outcome("h1", time.Now())
	running.State = datatypes.StateRunning
	assert.Error(t, a.Put(ctx, running))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, a.Put(cancelled, outcome("h2", time.Now())), context.Canceled)
}

func TestOutcomeArchive_CountAndRecent(t *testing.T) {
	a := openInMemory(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, h := range []string{"a", "b", "c", "d"} {
		require.NoError(t, a.Put(ctx, outcome(h, base.Add(time.Duration(i)*time.Minute))))
	}
	// Overwrite keeps the count stable.
	require.NoError(t, a.Put(ctx, outcome("a", base)))

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	recent, err := a.Recent(ctx, base.Add(time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, datatypes.Handle("d"), recent[0].Handle)
	assert.Equal(t, datatypes.Handle("c"), recent[1].Handle)

	all, err := a.Recent(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestOutcomeArchive_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncWrites = false
	ctx := context.Background()

	a, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Put(ctx, outcome("keep", time.Now().UTC())))
	require.NoError(t, a.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, datatypes.Handle("keep"), got.Handle)
	assert.False(t, reopened.InMemory())
}

func TestOutcomeArchive_Closed(t *testing.T) {
	a, err := Open(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Put(context.Background(), outcome("x", time.Now())), ErrClosed)
	_, err = a.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	cfg := DefaultConfig(t.TempDir())
	cfg.GCDiscardRatio = 1.5
	_, err = Open(cfg)
	assert.ErrorContains(t, err, "create GC runner")
}

func TestGCRunner_StopIdempotent(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 10 * time.Millisecond
	a, err := Open(cfg)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	a.gc.stop()
	a.gc.stop()
	assert.NoError(t, a.Close())
}
