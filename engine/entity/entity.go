// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package entity defines the versioned, typed record that is the unit of
// locking, validation, and conflict resolution in the engine.
//
// An Entity is identified by its (Type, ID) pair. The engine never owns the
// entity store; callers supply a Store implementation and the transaction
// manager reads and writes it only while holding a lock on the entity.
package entity

import (
	"fmt"
	"time"
)

// Type is the enumerated tag identifying an entity's domain.
type Type string

// Known entity types. The engine treats unknown types as opaque; schema and
// domain-integrity checks only run for types with a registered schema.
const (
	TypeProject Type = "project"
	TypeKPI     Type = "kpi"
	TypeTask    Type = "task"
	TypeEvent   Type = "event"
)

// Status represents an entity's lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
	StatusCancelled Status = "cancelled"
)

// Metadata carries the system-managed fields of an entity.
type Metadata struct {
	// Version is monotonically non-decreasing across accepted writes
	// to the same (ID, Type).
	Version int64 `json:"version"`

	// CreatedAt is set once when the entity first enters the store.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt changes on every accepted write. It also participates in
	// validation cache keys, so stale cache entries expire naturally.
	UpdatedAt time.Time `json:"updated_at"`

	// SessionID identifies the session that produced the last write.
	// Used by concurrent-modification conflict detection.
	SessionID string `json:"session_id,omitempty"`

	// SchemaVersion is an optional semver-shaped schema revision tag.
	SchemaVersion string `json:"schema_version,omitempty"`
}

// Entity is the unit of contention.
//
// Data is a free-form payload; structural expectations per Type live in the
// validation schema registry, not here.
type Entity struct {
	ID       string         `json:"id"`
	Type     Type           `json:"type"`
	Data     map[string]any `json:"data"`
	Metadata Metadata       `json:"metadata"`
	Status   Status         `json:"status"`
	Tags     []string       `json:"tags,omitempty"`
}

// Key returns the unique "type/id" key for the entity.
func (e *Entity) Key() string {
	return Key(e.Type, e.ID)
}

// Key builds the store key for a (type, id) pair.
func Key(t Type, id string) string {
	return fmt.Sprintf("%s/%s", t, id)
}

// Clone returns a deep copy of the entity.
//
// The copy shares nothing with the original: Data is copied recursively and
// Tags is a fresh slice. Safe to mutate independently.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Data = cloneMap(e.Data)
	if e.Tags != nil {
		clone.Tags = make([]string, len(e.Tags))
		copy(clone.Tags, e.Tags)
	}
	return &clone
}

// Touch updates UpdatedAt and the writing session.
func (e *Entity) Touch(sessionID string) {
	e.Metadata.UpdatedAt = time.Now()
	if sessionID != "" {
		e.Metadata.SessionID = sessionID
	}
}

// Field returns a payload field, or nil if absent.
func (e *Entity) Field(name string) (any, bool) {
	if e.Data == nil {
		return nil, false
	}
	v, ok := e.Data[name]
	return v, ok
}

// SetField writes a payload field, allocating Data on first use.
func (e *Entity) SetField(name string, value any) {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[name] = value
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
