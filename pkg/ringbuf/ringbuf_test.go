// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ringbuf

import "testing"

func TestRing_PushEvicts(t *testing.T) {
	r := New[int](3)

	for i := 1; i <= 3; i++ {
		if _, evicted := r.Push(i); evicted {
			t.Errorf("Push(%d) evicted before full", i)
		}
	}
	if !r.Full() {
		t.Error("ring should be full after 3 pushes")
	}

	old, evicted := r.Push(4)
	if !evicted || old != 1 {
		t.Errorf("Push(4) = (%d, %v), want (1, true)", old, evicted)
	}

	got := r.Slice()
	want := []int{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Slice = %v, want %v", got, want)
			break
		}
	}
}

func TestRing_PopOrder(t *testing.T) {
	r := New[string](4)
	r.Push("a")
	r.Push("b")

	if v, ok := r.Pop(); !ok || v != "a" {
		t.Errorf("Pop = (%s, %v), want (a, true)", v, ok)
	}
	if v, ok := r.Pop(); !ok || v != "b" {
		t.Errorf("Pop = (%s, %v), want (b, true)", v, ok)
	}
	if _, ok := r.Pop(); ok {
		t.Error("Pop on empty ring should return false")
	}
}

func TestRing_LastNewestFirst(t *testing.T) {
	r := New[int](5)
	for i := 1; i <= 7; i++ {
		r.Push(i)
	}

	got := r.Last(3)
	want := []int{7, 6, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Last(3) = %v, want %v", got, want)
			break
		}
	}
}

func TestRing_FilterAndClear(t *testing.T) {
	r := New[int](8)
	for i := 1; i <= 6; i++ {
		r.Push(i)
	}

	even := r.Filter(func(v int) bool { return v%2 == 0 })
	if len(even) != 3 {
		t.Errorf("Filter(even) = %v, want 3 items", even)
	}

	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", r.Len())
	}
	if v, ok := r.Newest(); ok {
		t.Errorf("Newest after Clear = (%d, true), want empty", v)
	}
}
