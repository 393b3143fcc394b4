// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metricslog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/orchestrator/datatypes"
)

func execAt(h string, at time.Time, success bool) Execution {
	return Execution{
		WorkflowOutcome: datatypes.WorkflowOutcome{
			Handle:      datatypes.Handle(h),
			Success:     success,
			StartedAt:   at.Add(-time.Second),
			CompletedAt: at,
			Duration:    time.Second,
			Steps: []datatypes.StepSample{
				{Name: "draft", Duration: 500 * time.Millisecond, Success: true, Timestamp: at},
			},
		},
		Meta: map[string]any{"kind": "generic"},
	}
}

func TestFileName(t *testing.T) {
	at := time.Date(2025, 3, 7, 14, 59, 59, 0, time.UTC)
	assert.Equal(t, "metrics_20250307_14.jsonl", FileName(at))

	local := time.Date(2025, 3, 7, 23, 0, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "metrics_20250308_01.jsonl", FileName(local))
}

func TestNewJSONLStore_RejectsEmptyDir(t *testing.T) {
	_, err := NewJSONLStore("")
	assert.Error(t, err)
}

func TestJSONLStore_AppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 1, 9, 10, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, execAt("a", t0, true)))
	require.NoError(t, store.Append(ctx, execAt("b", t0.Add(10*time.Minute), false)))
	require.NoError(t, store.Append(ctx, execAt("c", t0.Add(time.Hour), true)))
	require.NoError(t, store.Close())

	_, err = os.Stat(filepath.Join(dir, "metrics_20250601_09.jsonl"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "metrics_20250601_10.jsonl"))
	assert.NoError(t, err)

	all, err := store.Load(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, datatypes.Handle("a"), all[0].Handle)
	assert.Equal(t, datatypes.Handle("c"), all[2].Handle)
	assert.False(t, all[1].Success)
	assert.Equal(t, "generic", all[0].Meta["kind"])
	require.Len(t, all[0].Steps, 1)
	assert.Equal(t, 500*time.Millisecond, all[0].Steps[0].Duration)

	recent, err := store.Load(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, datatypes.Handle("c"), recent[0].Handle)
}

func TestJSONLStore_SkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, execAt("a", t0, true)))
	require.NoError(t, store.Close())

	path := filepath.Join(dir, FileName(t0))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0640)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n{}\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Append(ctx, execAt("b", t0.Add(time.Minute), true)))
	require.NoError(t, store.Close())

	got, err := store.Load(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, datatypes.Handle("b"), got[1].Handle)
}

func TestJSONLStore_SkipsOversizeLines(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, execAt("a", t0, true)))
	require.NoError(t, store.Close())

	path := filepath.Join(dir, FileName(t0))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0640)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Repeat("x", 5*1024*1024) + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Append(ctx, execAt("b", t0.Add(time.Minute), true)))
	require.NoError(t, store.Append(ctx, execAt("c", t0.Add(time.Hour), true)))
	require.NoError(t, store.Close())

	got, err := store.Load(ctx, time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLineTooLong)
	require.Len(t, got, 3, "records around the oversize line and in later files survive")
	assert.Equal(t, datatypes.Handle("a"), got[0].Handle)
	assert.Equal(t, datatypes.Handle("b"), got[1].Handle)
	assert.Equal(t, datatypes.Handle("c"), got[2].Handle)
}

func TestJSONLStore_AppendRejectsOversizeRecord(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exec := execAt("big", time.Now(), true)
	exec.Result = map[string]any{"essay": strings.Repeat("y", maxLineBytes)}
	assert.ErrorIs(t, store.Append(context.Background(), exec), ErrLineTooLong)

	got, err := store.Load(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLog_ReplayKeepsPartialHistory(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Hour)
	require.NoError(t, store.Append(ctx, execAt("a", t0, true)))
	require.NoError(t, store.Close())
	f, err := os.OpenFile(filepath.Join(dir, FileName(t0)), os.O_APPEND|os.O_WRONLY, 0640)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Repeat("z", maxLineBytes+1) + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, store.Append(ctx, execAt("b", t0.Add(time.Second), false)))
	require.NoError(t, store.Close())

	var replayed []datatypes.Handle
	l := New(Config{Store: store, Replayed: func(e Execution) { replayed = append(replayed, e.Handle) }})
	n, err := l.Replay(ctx, 24*time.Hour)
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.Equal(t, 2, n)
	assert.Equal(t, []datatypes.Handle{"a", "b"}, replayed)
	assert.Len(t, l.Completed(0), 2)
}

func TestJSONLStore_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metrics_garbage.jsonl"), []byte("{}\n"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0640))

	store, err := NewJSONLStore(dir)
	require.NoError(t, err)

	got, err := store.Load(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJSONLStore_Prune(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(ctx, execAt(string(rune('a'+i)), t0.Add(time.Duration(i)*time.Hour), true)))
	}

	removed, err := store.Prune(t0.Add(2*time.Hour + time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	got, err := store.Load(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, datatypes.Handle("c"), got[0].Handle)

	// Pruning the open partition must not break later appends.
	removed, err = store.Prune(t0.Add(10 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	require.NoError(t, store.Append(ctx, execAt("e", t0.Add(3*time.Hour), true)))
	require.NoError(t, store.Close())

	got, err = store.Load(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestJSONLStore_AppendHonorsContext(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Append(ctx, execAt("a", time.Now(), true)), context.Canceled)
}

func TestLog_PersistsAndReplays(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	store, err := NewJSONLStore(dir)
	require.NoError(t, err)
	first := New(Config{Store: store, Now: clock.Now})

	first.WorkflowStarted("a", map[string]any{"kind": "batch"})
	first.RecordStep(datatypes.StepSample{Name: "draft", Handle: "a", Duration: time.Second, Success: true})
	clock.Advance(2 * time.Second)
	require.True(t, first.WorkflowEnded("a", datatypes.WorkflowOutcome{Success: true}))
	require.NoError(t, first.Close())

	store2, err := NewJSONLStore(dir)
	require.NoError(t, err)
	second := New(Config{Store: store2, Now: clock.Now})

	n, err := second.Replay(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := second.Completed(0)
	require.Len(t, done, 1)
	assert.Equal(t, datatypes.Handle("a"), done[0].Handle)
	assert.Equal(t, "batch", done[0].Meta["kind"])
	assert.Len(t, second.StepSamples("draft", 0), 1)
	assert.Equal(t, 1, second.Summary(0).Total)
}

func TestLog_ReplayWithoutStore(t *testing.T) {
	n, err := New(Config{}).Replay(context.Background(), time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, n)
}
