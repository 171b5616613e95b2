// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conflict

import "reflect"

// MergeMode selects how payload maps are combined.
type MergeMode string

const (
	// MergeDeep recurses into nested maps, source winning per leaf.
	MergeDeep MergeMode = "deep"
	// MergeShallow keeps top-level source values wholesale.
	MergeShallow MergeMode = "shallow"
	// MergeSmart is deep for maps and id-aware for object arrays.
	MergeSmart MergeMode = "smart"
)

// ArrayMode selects how two slices for the same key are combined.
type ArrayMode string

const (
	ArrayConcat    ArrayMode = "concat"
	ArrayUnion     ArrayMode = "union"
	ArrayReplace   ArrayMode = "replace"
	ArraySmartByID ArrayMode = "smart_by_id"
)

// FieldOverride reconciles one field by hand; it receives both sides
// and returns the merged value.
type FieldOverride func(source, target any) any

// MergeOptions tunes Merge. Zero value means deep merge with
// source-replaces-target arrays, which keeps the merge idempotent.
type MergeOptions struct {
	Mode   MergeMode
	Arrays ArrayMode
	// Overrides apply to top-level fields by name.
	Overrides map[string]FieldOverride
	// IDKey is the object key used to match array elements in
	// smart-by-id mode. Defaults to "id".
	IDKey string
}

func (o MergeOptions) withDefaults() MergeOptions {
	if o.Mode == "" {
		o.Mode = MergeDeep
	}
	if o.Arrays == "" {
		o.Arrays = ArrayReplace
	}
	if o.IDKey == "" {
		o.IDKey = "id"
	}
	return o
}

// Merge combines a proposed payload over a stored one. The target is
// the base; every field the source defines wins per the configured
// mode. Inputs are never mutated.
func Merge(source, target map[string]any, opts MergeOptions) map[string]any {
	opts = opts.withDefaults()

	out := make(map[string]any, len(target)+len(source))
	for k, v := range target {
		out[k] = v
	}
	for k, sv := range source {
		if override, ok := opts.Overrides[k]; ok {
			out[k] = override(sv, target[k])
			continue
		}
		out[k] = mergeValue(sv, target[k], opts)
	}
	return out
}

func mergeValue(source, target any, opts MergeOptions) any {
	if opts.Mode == MergeShallow {
		return source
	}

	if sm, ok := source.(map[string]any); ok {
		if tm, ok := target.(map[string]any); ok {
			// Overrides are top-level only; strip them for recursion.
			nested := opts
			nested.Overrides = nil
			return Merge(sm, tm, nested)
		}
		return source
	}

	if ss, ok := source.([]any); ok {
		if ts, ok := target.([]any); ok {
			return mergeArrays(ss, ts, opts)
		}
	}
	return source
}

func mergeArrays(source, target []any, opts MergeOptions) []any {
	mode := opts.Arrays
	if opts.Mode == MergeSmart && objectArray(source, opts.IDKey) && objectArray(target, opts.IDKey) {
		mode = ArraySmartByID
	}

	switch mode {
	case ArrayConcat:
		out := make([]any, 0, len(target)+len(source))
		out = append(out, target...)
		return append(out, source...)
	case ArrayUnion:
		out := make([]any, 0, len(target)+len(source))
		out = append(out, target...)
		for _, sv := range source {
			if !containsValue(out, sv) {
				out = append(out, sv)
			}
		}
		return out
	case ArraySmartByID:
		return mergeByID(source, target, opts)
	default: // ArrayReplace
		out := make([]any, len(source))
		copy(out, source)
		return out
	}
}

// mergeByID keeps target order, deep-merging elements whose id appears
// on both sides and appending source-only elements at the end.
func mergeByID(source, target []any, opts MergeOptions) []any {
	byID := make(map[any]map[string]any, len(source))
	var order []any
	for _, sv := range source {
		if m, ok := sv.(map[string]any); ok {
			if id, ok := m[opts.IDKey]; ok {
				byID[id] = m
				order = append(order, id)
			}
		}
	}

	nested := opts
	nested.Overrides = nil

	merged := make(map[any]bool, len(byID))
	out := make([]any, 0, len(target)+len(source))
	for _, tv := range target {
		tm, ok := tv.(map[string]any)
		if !ok {
			out = append(out, tv)
			continue
		}
		id, ok := tm[opts.IDKey]
		if !ok {
			out = append(out, tv)
			continue
		}
		if sm, ok := byID[id]; ok {
			out = append(out, Merge(sm, tm, nested))
			merged[id] = true
		} else {
			out = append(out, tv)
		}
	}
	for _, id := range order {
		if !merged[id] {
			out = append(out, byID[id])
			merged[id] = true
		}
	}
	return out
}

func objectArray(values []any, idKey string) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := m[idKey]; !ok {
			return false
		}
	}
	return true
}

func containsValue(values []any, v any) bool {
	for _, existing := range values {
		if reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}
