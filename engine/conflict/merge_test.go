// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_DeepSourceWins(t *testing.T) {
	source := map[string]any{
		"title": "new",
		"budget": map[string]any{
			"total": 200.0,
		},
	}
	target := map[string]any{
		"title": "old",
		"owner": "ana",
		"budget": map[string]any{
			"total": 100.0,
			"spent": 10.0,
		},
	}

	got := Merge(source, target, MergeOptions{})

	assert.Equal(t, "new", got["title"])
	assert.Equal(t, "ana", got["owner"], "target-only fields survive")
	budget := got["budget"].(map[string]any)
	assert.Equal(t, 200.0, budget["total"])
	assert.Equal(t, 10.0, budget["spent"], "nested target-only fields survive")

	// Inputs are untouched.
	assert.Equal(t, "old", target["title"])
	assert.Nil(t, source["owner"])
}

func TestMerge_ShallowReplacesWholesale(t *testing.T) {
	source := map[string]any{"budget": map[string]any{"total": 200.0}}
	target := map[string]any{"budget": map[string]any{"total": 100.0, "spent": 10.0}}

	got := Merge(source, target, MergeOptions{Mode: MergeShallow})
	budget := got["budget"].(map[string]any)

	assert.Equal(t, 200.0, budget["total"])
	_, kept := budget["spent"]
	assert.False(t, kept, "shallow merge must not recurse")
}

func TestMerge_DeepIsIdempotent(t *testing.T) {
	a := map[string]any{
		"title": "new",
		"tags":  []any{"x", "y"},
		"budget": map[string]any{
			"total": 200.0,
		},
	}
	b := map[string]any{
		"title": "old",
		"owner": "ana",
		"tags":  []any{"z"},
		"budget": map[string]any{
			"total": 100.0,
			"spent": 10.0,
		},
	}

	once := Merge(a, b, MergeOptions{})
	twice := Merge(once, b, MergeOptions{})
	assert.Equal(t, once, twice, "merge(merge(A,B),B) must equal merge(A,B)")

	// Union arrays stay idempotent too.
	once = Merge(a, b, MergeOptions{Arrays: ArrayUnion})
	twice = Merge(once, b, MergeOptions{Arrays: ArrayUnion})
	assert.Equal(t, once, twice)
}

func TestMerge_ArrayModes(t *testing.T) {
	source := map[string]any{"tags": []any{"b", "c"}}
	target := map[string]any{"tags": []any{"a", "b"}}

	got := Merge(source, target, MergeOptions{Arrays: ArrayConcat})
	assert.Equal(t, []any{"a", "b", "b", "c"}, got["tags"])

	got = Merge(source, target, MergeOptions{Arrays: ArrayUnion})
	assert.Equal(t, []any{"a", "b", "c"}, got["tags"])

	got = Merge(source, target, MergeOptions{Arrays: ArrayReplace})
	assert.Equal(t, []any{"b", "c"}, got["tags"])
}

func TestMerge_SmartByID(t *testing.T) {
	source := map[string]any{
		"members": []any{
			map[string]any{"id": "m1", "role": "lead"},
			map[string]any{"id": "m3", "role": "new"},
		},
	}
	target := map[string]any{
		"members": []any{
			map[string]any{"id": "m1", "role": "dev", "since": "2024"},
			map[string]any{"id": "m2", "role": "dev"},
		},
	}

	got := Merge(source, target, MergeOptions{Mode: MergeSmart})
	members := got["members"].([]any)
	require.Len(t, members, 3)

	m1 := members[0].(map[string]any)
	assert.Equal(t, "m1", m1["id"])
	assert.Equal(t, "lead", m1["role"], "source field wins inside matched element")
	assert.Equal(t, "2024", m1["since"], "target-only field survives inside matched element")

	assert.Equal(t, "m2", members[1].(map[string]any)["id"], "target order preserved")
	assert.Equal(t, "m3", members[2].(map[string]any)["id"], "source-only element appended")
}

func TestMerge_FieldOverrides(t *testing.T) {
	source := map[string]any{"score": 40.0}
	target := map[string]any{"score": 60.0}

	got := Merge(source, target, MergeOptions{
		Overrides: map[string]FieldOverride{
			"score": func(s, tg any) any {
				return (s.(float64) + tg.(float64)) / 2
			},
		},
	})
	assert.Equal(t, 50.0, got["score"])
}
