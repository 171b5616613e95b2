// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package entity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEntity_Key(t *testing.T) {
	e := &Entity{ID: "p1", Type: TypeProject}
	if e.Key() != "project/p1" {
		t.Errorf("Key = %s, want project/p1", e.Key())
	}
}

func TestEntity_Clone_Independence(t *testing.T) {
	e := &Entity{
		ID:   "p1",
		Type: TypeProject,
		Data: map[string]any{
			"title": "X",
			"owner": map[string]any{"name": "ada"},
			"steps": []any{"a", "b"},
		},
		Tags: []string{"core"},
	}

	clone := e.Clone()
	clone.Data["title"] = "Y"
	clone.Data["owner"].(map[string]any)["name"] = "bob"
	clone.Data["steps"].([]any)[0] = "z"
	clone.Tags[0] = "other"

	if e.Data["title"] != "X" {
		t.Error("clone mutation leaked into original title")
	}
	if e.Data["owner"].(map[string]any)["name"] != "ada" {
		t.Error("clone mutation leaked into nested map")
	}
	if e.Data["steps"].([]any)[0] != "a" {
		t.Error("clone mutation leaked into nested slice")
	}
	if e.Tags[0] != "core" {
		t.Error("clone mutation leaked into tags")
	}
}

func TestEntity_Touch(t *testing.T) {
	e := &Entity{ID: "t1", Type: TypeTask}
	before := e.Metadata.UpdatedAt

	e.Touch("sess-1")

	if !e.Metadata.UpdatedAt.After(before) {
		t.Error("Touch did not advance UpdatedAt")
	}
	if e.Metadata.SessionID != "sess-1" {
		t.Errorf("SessionID = %s, want sess-1", e.Metadata.SessionID)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	e := &Entity{
		ID:   "p1",
		Type: TypeProject,
		Data: map[string]any{"title": "X"},
		Metadata: Metadata{
			Version:   1,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		Status: StatusActive,
	}
	if err := store.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Mutating the original must not affect the stored copy.
	e.Data["title"] = "mutated"

	got, err := store.Get(ctx, TypeProject, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Data["title"] != "X" {
		t.Errorf("stored title = %v, want X", got.Data["title"])
	}

	ok, err := store.Exists(ctx, TypeProject, "p1")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v, want true, nil", ok, err)
	}

	if err := store.Delete(ctx, TypeProject, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, TypeProject, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, TypeProject, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double Delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.Put(ctx, &Entity{ID: "p1", Type: TypeProject})
	_ = store.Put(ctx, &Entity{ID: "p2", Type: TypeProject})
	_ = store.Put(ctx, &Entity{ID: "t1", Type: TypeTask})

	projects, err := store.List(ctx, TypeProject)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(projects) != 2 {
		t.Errorf("List(project) = %d entities, want 2", len(projects))
	}
}
