// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ringbuf provides a fixed-capacity circular buffer used for the
// event-bus log and audit trail hot tiers.
package ringbuf

// Ring is a fixed-size circular buffer. When full, Push overwrites the
// oldest element.
//
// # Thread Safety
//
// NOT safe for concurrent use; callers synchronize.
type Ring[T any] struct {
	data  []T
	head  int // next write position
	tail  int // oldest element position
	count int
	size  int
}

// New creates a ring with the given capacity. Non-positive capacities fall
// back to 128.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 128
	}
	return &Ring[T]{
		data: make([]T, capacity),
		size: capacity,
	}
}

// Push appends an item, evicting the oldest when full. Returns the evicted
// item and true when an eviction occurred.
func (r *Ring[T]) Push(item T) (T, bool) {
	var evicted T
	var did bool

	if r.count == r.size {
		evicted = r.data[r.tail]
		did = true
		r.tail = (r.tail + 1) % r.size
		r.count--
	}

	r.data[r.head] = item
	r.head = (r.head + 1) % r.size
	r.count++
	return evicted, did
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}

	item := r.data[r.tail]
	r.data[r.tail] = zero
	r.tail = (r.tail + 1) % r.size
	r.count--
	return item, true
}

// Oldest returns the least recently pushed item without removing it.
func (r *Ring[T]) Oldest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.data[r.tail], true
}

// Newest returns the most recently pushed item.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	idx := r.head - 1
	if idx < 0 {
		idx = r.size - 1
	}
	return r.data[idx], true
}

// Slice returns a copy of all items from oldest to newest.
func (r *Ring[T]) Slice() []T {
	if r.count == 0 {
		return nil
	}

	out := make([]T, 0, r.count)
	r.ForEach(func(item T) bool {
		out = append(out, item)
		return true
	})
	return out
}

// ForEach visits items from oldest to newest. Return false to stop.
func (r *Ring[T]) ForEach(fn func(item T) bool) {
	for i := 0; i < r.count; i++ {
		if !fn(r.data[(r.tail+i)%r.size]) {
			return
		}
	}
}

// Filter returns items matching the predicate, oldest first.
func (r *Ring[T]) Filter(pred func(item T) bool) []T {
	var out []T
	r.ForEach(func(item T) bool {
		if pred(item) {
			out = append(out, item)
		}
		return true
	})
	return out
}

// Last returns up to n items, newest first.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	out := make([]T, n)
	for i := 0; i < n; i++ {
		idx := r.head - 1 - i
		for idx < 0 {
			idx += r.size
		}
		out[i] = r.data[idx]
	}
	return out
}

// Len returns the current element count.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return r.size }

// Full reports whether the next Push will evict.
func (r *Ring[T]) Full() bool { return r.count == r.size }

// Clear drops all elements.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head, r.tail, r.count = 0, 0, 0
}
