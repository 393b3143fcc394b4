// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ringbuffer provides a bounded, thread-safe history buffer.
//
// Every telemetry history in the orchestrator (utilization samples, step
// samples, completed executions, advisories) is held in a Buffer so memory
// stays bounded under long-running processes.
package ringbuffer

import (
	"sync"
	"sync/atomic"
)

// =============================================================================
// Buffer
// =============================================================================

// Buffer is a fixed-capacity circular history that evicts its oldest
// entry when full.
//
// # Description
//
// Unlike a queue, reads do not consume entries: Snapshot, Last and Filter
// return copies in insertion order (oldest first) and leave the buffer
// untouched. This is the access pattern of windowed analysis, which scans
// recent history repeatedly.
//
// # Thread Safety
//
// Safe for concurrent use. All operations are protected by a mutex and
// hold it only for slice copying.
//
// # Limitations
//
//   - Fixed capacity (cannot grow)
//   - Memory is pre-allocated for full capacity
type Buffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	evicted  int64
	mu       sync.Mutex
}

// New creates an empty Buffer holding at most capacity entries.
//
// # Inputs
//
//   - capacity: Maximum number of entries (must be > 0)
//
// # Panics
//
// Panics if capacity <= 0.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ringbuffer: capacity must be positive")
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an entry, evicting the oldest one when the buffer is full.
//
// # Outputs
//
//   - bool: true if an entry was evicted to make room
func (b *Buffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := false
	if b.size == b.capacity {
		var zero T
		b.items[b.head] = zero
		b.head = (b.head + 1) % b.capacity
		b.size--
		atomic.AddInt64(&b.evicted, 1)
		evicted = true
	}

	tail := (b.head + b.size) % b.capacity
	b.items[tail] = item
	b.size++
	return evicted
}

// Snapshot returns a copy of all entries, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyRange(0, b.size)
}

// Last returns a copy of the newest n entries, oldest first.
// Returns every entry if n exceeds Len, and nil if n <= 0.
func (b *Buffer[T]) Last(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 {
		return nil
	}
	if n > b.size {
		n = b.size
	}
	return b.copyRange(b.size-n, b.size)
}

// Filter returns the entries for which keep returns true, oldest first.
//
// keep is invoked while the buffer lock is held and must not call back
// into the buffer.
func (b *Buffer[T]) Filter(keep func(T) bool) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []T
	for i := 0; i < b.size; i++ {
		item := b.items[(b.head+i)%b.capacity]
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}

// Newest returns the most recently pushed entry.
func (b *Buffer[T]) Newest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.items[(b.head+b.size-1)%b.capacity], true
}

// Len returns the number of stored entries.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Evicted returns how many entries have been dropped due to capacity.
func (b *Buffer[T]) Evicted() int64 {
	return atomic.LoadInt64(&b.evicted)
}

// Clear removes every entry and resets the eviction counter.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
	atomic.StoreInt64(&b.evicted, 0)
}

// copyRange copies logical positions [from, to). Caller holds the lock.
func (b *Buffer[T]) copyRange(from, to int) []T {
	if to <= from {
		return nil
	}
	out := make([]T, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, b.items[(b.head+i)%b.capacity])
	}
	return out
}
