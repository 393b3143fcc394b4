// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ringbuffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNew_PanicsOnNonPositiveCapacity verifies constructor validation.
func TestNew_PanicsOnNonPositiveCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
	assert.Panics(t, func() { New[int](-1) })
}

// TestBuffer_PushEvictsOldest verifies FIFO eviction once full.
func TestBuffer_PushEvictsOldest(t *testing.T) {
	b := New[int](3)

	assert.False(t, b.Push(1))
	assert.False(t, b.Push(2))
	assert.False(t, b.Push(3))
	assert.True(t, b.Push(4))
	assert.True(t, b.Push(5))

	assert.Equal(t, []int{3, 4, 5}, b.Snapshot())
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 3, b.Cap())
	assert.Equal(t, int64(2), b.Evicted())
}

// TestBuffer_Last verifies newest-n selection preserves order.
func TestBuffer_Last(t *testing.T) {
	b := New[int](5)
	for i := 1; i <= 7; i++ {
		b.Push(i)
	}

	assert.Equal(t, []int{5, 6, 7}, b.Last(3))
	assert.Equal(t, []int{3, 4, 5, 6, 7}, b.Last(10))
	assert.Nil(t, b.Last(0))
}

// TestBuffer_FilterAndNewest verifies predicate scans and tail access.
func TestBuffer_FilterAndNewest(t *testing.T) {
	b := New[int](4)
	_, ok := b.Newest()
	assert.False(t, ok)

	for i := 1; i <= 6; i++ {
		b.Push(i)
	}

	even := b.Filter(func(v int) bool { return v%2 == 0 })
	assert.Equal(t, []int{4, 6}, even)

	newest, ok := b.Newest()
	assert.True(t, ok)
	assert.Equal(t, 6, newest)
}

// TestBuffer_Clear resets contents and counters.
func TestBuffer_Clear(t *testing.T) {
	b := New[string](2)
	b.Push("a")
	b.Push("b")
	b.Push("c")
	b.Clear()

	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(0), b.Evicted())
	assert.Nil(t, b.Snapshot())

	b.Push("d")
	assert.Equal(t, []string{"d"}, b.Snapshot())
}

// TestBuffer_ConcurrentPush verifies the bound holds under contention.
func TestBuffer_ConcurrentPush(t *testing.T) {
	b := New[int](100)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Push(i)
				_ = b.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, b.Len())
	assert.Equal(t, int64(400), b.Evicted())
}
