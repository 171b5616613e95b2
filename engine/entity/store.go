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
	"fmt"
	"sync"
)

// ErrNotFound indicates the requested entity does not exist in the store.
var ErrNotFound = errors.New("entity not found")

// Store is the caller-supplied entity graph the engine operates on.
//
// # Description
//
// The engine never persists anything itself; it reads and writes entities
// through this interface, and only while the transaction manager holds a
// lock on the target entity. Implementations must return copies (or be
// immune to caller mutation) so uncommitted changes cannot leak.
type Store interface {
	// Get returns the entity, or ErrNotFound.
	Get(ctx context.Context, t Type, id string) (*Entity, error)

	// Put inserts or replaces the entity.
	Put(ctx context.Context, e *Entity) error

	// Delete removes the entity. Deleting a missing entity returns
	// ErrNotFound.
	Delete(ctx context.Context, t Type, id string) error

	// List returns all live entities of the given type.
	List(ctx context.Context, t Type) ([]*Entity, error)

	// Exists reports whether the entity is live.
	Exists(ctx context.Context, t Type, id string) (bool, error)
}

// MemoryStore is an in-memory Store keyed by "type/id".
//
// # Thread Safety
//
// Safe for concurrent use. All reads return deep clones so callers can
// mutate results freely.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string]*Entity)}
}

// Get returns a clone of the stored entity.
func (s *MemoryStore) Get(ctx context.Context, t Type, id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[Key(t, id)]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", Key(t, id), ErrNotFound)
	}
	return e.Clone(), nil
}

// Put stores a clone of the entity.
func (s *MemoryStore) Put(ctx context.Context, e *Entity) error {
	if e == nil || e.ID == "" || e.Type == "" {
		return errors.New("entity must have id and type")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.Key()] = e.Clone()
	return nil
}

// Delete removes the entity.
func (s *MemoryStore) Delete(ctx context.Context, t Type, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(t, id)
	if _, ok := s.entities[key]; !ok {
		return fmt.Errorf("delete %s: %w", key, ErrNotFound)
	}
	delete(s.entities, key)
	return nil
}

// List returns clones of all entities of the given type.
func (s *MemoryStore) List(ctx context.Context, t Type) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entity
	for _, e := range s.entities {
		if e.Type == t {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Exists reports whether the entity is present.
func (s *MemoryStore) Exists(ctx context.Context, t Type, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entities[Key(t, id)]
	return ok, nil
}

// Len returns the number of live entities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

var _ Store = (*MemoryStore)(nil)
