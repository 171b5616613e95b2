// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/AleutianAI/syncline/engine/entity"
)

// semverPattern accepts optional leading v and a three-part version.
var semverPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.\-]+)?$`)

// maxReferenceDepth bounds cycle-detection walks through same-type
// reference chains.
const maxReferenceDepth = 64

// CustomCheck is a user-registered integrity rule. Returning a non-nil
// issue blocks the operation.
type CustomCheck struct {
	Name  string
	Check func(ctx context.Context, e *entity.Entity, store entity.Store) *Issue
}

// IntegrityChecker validates referential, entity, and domain integrity
// against the caller-supplied store.
//
// Uniqueness and reference checks are real lookups against the store;
// there is no probabilistic simulation.
//
// # Thread Safety
//
// Safe for concurrent use.
type IntegrityChecker struct {
	store    entity.Store
	registry *Registry
	logger   *slog.Logger

	mu     sync.RWMutex
	custom []CustomCheck
}

// NewIntegrityChecker creates an integrity checker backed by the store and
// schema registry.
func NewIntegrityChecker(store entity.Store, registry *Registry, logger *slog.Logger) *IntegrityChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityChecker{
		store:    store,
		registry: registry,
		logger:   logger,
	}
}

// RegisterCheck adds a custom integrity rule.
func (c *IntegrityChecker) RegisterCheck(check CustomCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom = append(c.custom, check)
}

// Validate runs all integrity stages for the entity.
func (c *IntegrityChecker) Validate(ctx context.Context, e *entity.Entity, req Request) *Result {
	start := time.Now()
	result := &Result{}

	c.checkEntity(ctx, e, req, result)
	c.checkReferential(ctx, e, req, result)
	c.checkDomain(ctx, e, result)
	c.runCustom(ctx, e, result)

	result.finalize(false)
	result.Duration = time.Since(start)
	return result
}

// checkEntity validates system fields, id uniqueness on create, timestamp
// ordering, and schema version shape.
func (c *IntegrityChecker) checkEntity(ctx context.Context, e *entity.Entity, req Request, result *Result) {
	if e.ID == "" || e.Type == "" {
		result.addError(Issue{Code: "MISSING_IDENTITY", Message: "entity must carry id and type"})
		return
	}
	result.pass(1)

	if req.Operation == OpCreate {
		exists, err := c.store.Exists(ctx, e.Type, e.ID)
		if err != nil {
			result.addError(Issue{Code: "STORE_ERROR", Message: fmt.Sprintf("uniqueness lookup: %v", err)})
		} else if exists {
			result.addError(Issue{Field: "id", Code: "DUPLICATE_ID",
				Message: fmt.Sprintf("entity %s already exists", e.Key())})
		} else {
			result.pass(1)
		}
	}

	md := e.Metadata
	if !md.CreatedAt.IsZero() && !md.UpdatedAt.IsZero() && md.UpdatedAt.Before(md.CreatedAt) {
		result.addError(Issue{Field: "updatedAt", Code: "TIME_TRAVEL",
			Message: "updatedAt precedes createdAt"})
	} else {
		result.pass(1)
	}

	if md.SchemaVersion != "" && !semverPattern.MatchString(md.SchemaVersion) {
		result.addError(Issue{Field: "schemaVersion", Code: "BAD_SCHEMA_VERSION",
			Message: fmt.Sprintf("schema version %q is not semver-shaped", md.SchemaVersion)})
	} else {
		result.pass(1)
	}
}

// checkReferential resolves declared references, detects same-type
// reference cycles, and guards against dangling back-references when an
// entity is being archived, cancelled, or deleted.
func (c *IntegrityChecker) checkReferential(ctx context.Context, e *entity.Entity, req Request, result *Result) {
	refs := c.registry.References(e.Type)

	for field, ref := range refs {
		raw, present := e.Field(field)
		id, _ := raw.(string)

		if !present || id == "" {
			if ref.Required {
				result.addError(Issue{Field: field, Code: "REF_REQUIRED",
					Message: fmt.Sprintf("field %s must reference a %s", field, ref.Type)})
			} else {
				result.pass(1)
			}
			continue
		}

		exists, err := c.store.Exists(ctx, ref.Type, id)
		if err != nil {
			result.addError(Issue{Field: field, Code: "STORE_ERROR",
				Message: fmt.Sprintf("reference lookup: %v", err)})
			continue
		}
		if !exists {
			result.addError(Issue{Field: field, Code: "REF_DANGLING",
				Message: fmt.Sprintf("field %s references missing %s %q", field, ref.Type, id)})
			continue
		}
		result.pass(1)

		// Same-type references can form chains; reject loops back to
		// this entity.
		if ref.Type == e.Type {
			if c.formsCycle(ctx, e, field, id) {
				result.addError(Issue{Field: field, Code: "REF_CYCLE",
					Message: fmt.Sprintf("field %s forms a reference cycle", field)})
			} else {
				result.pass(1)
			}
		}
	}

	leaving := e.Status == entity.StatusArchived || e.Status == entity.StatusCancelled ||
		req.Operation == OpDelete
	if !leaving {
		return
	}

	for refType, fields := range c.registry.ReferencedBy(e.Type) {
		peers, err := c.store.List(ctx, refType)
		if err != nil {
			result.addError(Issue{Code: "STORE_ERROR",
				Message: fmt.Sprintf("back-reference scan: %v", err)})
			continue
		}
		for _, peer := range peers {
			if peer.Status == entity.StatusArchived || peer.Status == entity.StatusCancelled {
				continue
			}
			for _, field := range fields {
				if raw, _ := peer.Field(field); raw == e.ID {
					result.addError(Issue{Code: "REF_BACKREF",
						Message: fmt.Sprintf("live %s %q still references %s via %s",
							refType, peer.ID, e.Key(), field)})
				}
			}
		}
	}
	result.pass(1)
}

// formsCycle walks a same-type reference chain starting from the
// referenced id, looking for a path back to e.
func (c *IntegrityChecker) formsCycle(ctx context.Context, e *entity.Entity, field, firstID string) bool {
	visited := map[string]bool{e.ID: true}
	current := firstID

	for depth := 0; depth < maxReferenceDepth; depth++ {
		if visited[current] {
			return true
		}
		visited[current] = true

		next, err := c.store.Get(ctx, e.Type, current)
		if err != nil {
			return false
		}
		raw, present := next.Field(field)
		id, _ := raw.(string)
		if !present || id == "" {
			return false
		}
		current = id
	}
	// Chain deeper than the walk limit is treated as cyclic.
	return true
}

// checkDomain enforces type-specific invariants.
func (c *IntegrityChecker) checkDomain(ctx context.Context, e *entity.Entity, result *Result) {
	switch e.Type {
	case entity.TypeProject:
		start, sok := fieldTime(e, "startDate")
		end, eok := fieldTime(e, "endDate")
		if sok && eok && !end.After(start) {
			result.addError(Issue{Field: "endDate", Code: "DOMAIN_DATES",
				Message: "project endDate must be after startDate"})
		} else {
			result.pass(1)
		}

	case entity.TypeKPI:
		if raw, present := e.Field("score"); present {
			if score, ok := asFloat(raw); !ok || score < 0 || score > 100 {
				result.addError(Issue{Field: "score", Code: "DOMAIN_SCORE",
					Message: "kpi score must be within [0,100]"})
				return
			}
		}
		result.pass(1)

	case entity.TypeTask:
		due, dok := fieldTime(e, "dueDate")
		projectID, _ := stringField(e, "projectId")
		if !dok || projectID == "" {
			result.pass(1)
			return
		}
		project, err := c.store.Get(ctx, entity.TypeProject, projectID)
		if err != nil {
			// Dangling parent is reported by the referential stage.
			result.pass(1)
			return
		}
		if end, ok := fieldTime(project, "endDate"); ok && due.After(end) {
			result.addError(Issue{Field: "dueDate", Code: "DOMAIN_DUE_DATE",
				Message: "task dueDate is past the parent project endDate"})
		} else {
			result.pass(1)
		}

	default:
		result.pass(1)
	}
}

func (c *IntegrityChecker) runCustom(ctx context.Context, e *entity.Entity, result *Result) {
	c.mu.RLock()
	checks := make([]CustomCheck, len(c.custom))
	copy(checks, c.custom)
	c.mu.RUnlock()

	for _, check := range checks {
		if issue := check.Check(ctx, e, c.store); issue != nil {
			issue.Rule = check.Name
			result.addError(*issue)
		} else {
			result.pass(1)
		}
	}
}

func fieldTime(e *entity.Entity, name string) (time.Time, bool) {
	raw, present := e.Field(name)
	if !present {
		return time.Time{}, false
	}
	return asTime(raw)
}

func stringField(e *entity.Entity, name string) (string, bool) {
	raw, present := e.Field(name)
	if !present {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}
