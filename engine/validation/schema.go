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
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/syncline/engine/entity"
)

// FieldKind is the expected payload type of a schema field.
type FieldKind string

const (
	KindString    FieldKind = "string"
	KindNumber    FieldKind = "number"
	KindInteger   FieldKind = "integer"
	KindBool      FieldKind = "bool"
	KindObject    FieldKind = "object"
	KindArray     FieldKind = "array"
	KindTimestamp FieldKind = "timestamp"
)

// Reference declares that a field holds the id of another entity.
type Reference struct {
	Type     entity.Type `yaml:"type"`
	Required bool        `yaml:"required"`
}

// FieldRule is the structural contract for a single payload field.
//
// Zero values disable a check: MaxLength 0 means unbounded, nil Min/Max
// means no numeric range, empty Enum means any value.
type FieldRule struct {
	Required  bool       `yaml:"required"`
	Kind      FieldKind  `yaml:"kind"`
	Nullable  bool       `yaml:"nullable"`
	MinLength int        `yaml:"min_length"`
	MaxLength int        `yaml:"max_length"`
	Min       *float64   `yaml:"min"`
	Max       *float64   `yaml:"max"`
	Enum      []string   `yaml:"enum"`
	Pattern   string     `yaml:"pattern"`
	Reference *Reference `yaml:"reference"`

	compiled *regexp.Regexp
}

// Schema is the per-entity-type field registry.
type Schema struct {
	Type   entity.Type          `yaml:"type"`
	Fields map[string]FieldRule `yaml:"fields"`
}

// Registry holds schemas keyed by entity type.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[entity.Type]*Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[entity.Type]*Schema)}
}

// Register adds or replaces a schema, compiling field patterns.
func (r *Registry) Register(s *Schema) error {
	if s == nil || s.Type == "" {
		return fmt.Errorf("schema must declare an entity type")
	}

	for name, rule := range s.Fields {
		if rule.Pattern != "" {
			compiled, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return fmt.Errorf("schema %s field %s: compile pattern: %w", s.Type, name, err)
			}
			rule.compiled = compiled
			s.Fields[name] = rule
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Type] = s
	return nil
}

// Get returns the schema for a type, or nil.
func (r *Registry) Get(t entity.Type) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[t]
}

// References returns the reference fields declared for a type:
// field name to referenced entity type.
func (r *Registry) References(t entity.Type) map[string]Reference {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.schemas[t]
	if s == nil {
		return nil
	}
	out := make(map[string]Reference)
	for name, rule := range s.Fields {
		if rule.Reference != nil {
			out[name] = *rule.Reference
		}
	}
	return out
}

// ReferencedBy returns the types whose schemas declare a reference to t,
// with the referencing field names.
func (r *Registry) ReferencedBy(t entity.Type) map[entity.Type][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[entity.Type][]string)
	for typ, s := range r.schemas {
		for name, rule := range s.Fields {
			if rule.Reference != nil && rule.Reference.Type == t {
				out[typ] = append(out[typ], name)
			}
		}
	}
	return out
}

// DefaultRegistry returns a registry covering the built-in entity types.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	must := func(s *Schema) {
		if err := r.Register(s); err != nil {
			panic(err) // built-in schemas are static; a failure here is a programming error
		}
	}

	score0, score100 := 0.0, 100.0

	must(&Schema{
		Type: entity.TypeProject,
		Fields: map[string]FieldRule{
			"title":     {Required: true, Kind: KindString, MinLength: 1, MaxLength: 200},
			"status":    {Kind: KindString, Enum: []string{"draft", "active", "completed", "archived", "cancelled"}},
			"startDate": {Kind: KindTimestamp},
			"endDate":   {Kind: KindTimestamp},
			"owner":     {Kind: KindString, MaxLength: 128},
		},
	})
	must(&Schema{
		Type: entity.TypeKPI,
		Fields: map[string]FieldRule{
			"name":      {Required: true, Kind: KindString, MinLength: 1, MaxLength: 200},
			"score":     {Kind: KindNumber, Min: &score0, Max: &score100},
			"unit":      {Kind: KindString, MaxLength: 32},
			"projectId": {Kind: KindString, Reference: &Reference{Type: entity.TypeProject}},
		},
	})
	must(&Schema{
		Type: entity.TypeTask,
		Fields: map[string]FieldRule{
			"title":     {Required: true, Kind: KindString, MinLength: 1, MaxLength: 300},
			"dueDate":   {Kind: KindTimestamp},
			"projectId": {Kind: KindString, Reference: &Reference{Type: entity.TypeProject, Required: true}},
			"blockedBy": {Kind: KindString, Reference: &Reference{Type: entity.TypeTask}},
			"priority":  {Kind: KindString, Enum: []string{"low", "medium", "high", "urgent"}},
		},
	})
	must(&Schema{
		Type: entity.TypeEvent,
		Fields: map[string]FieldRule{
			"name":      {Required: true, Kind: KindString, MinLength: 1, MaxLength: 200},
			"occursAt":  {Kind: KindTimestamp},
			"projectId": {Kind: KindString, Reference: &Reference{Type: entity.TypeProject}},
		},
	})

	return r
}

// systemFields mirrors the entity system fields for struct-level checks.
type systemFields struct {
	ID      string `validate:"required,max=128"`
	Type    string `validate:"required,max=64"`
	Version int64  `validate:"gte=0"`
}

// SchemaValidator checks entities against the schema registry.
//
// Results are cached keyed by (type, id, updatedAt, operation) with a TTL;
// a write bumps updatedAt, so stale entries expire naturally.
type SchemaValidator struct {
	registry *Registry
	cache    *resultCache
	check    *validator.Validate
}

// NewSchemaValidator creates a schema validator. A nil cache disables
// caching.
func NewSchemaValidator(registry *Registry, cache *resultCache) *SchemaValidator {
	return &SchemaValidator{
		registry: registry,
		cache:    cache,
		check:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Validate runs structural checks for one entity.
func (v *SchemaValidator) Validate(ctx context.Context, e *entity.Entity, req Request) *Result {
	start := time.Now()

	if v.cache != nil {
		if cached, ok := v.cache.get(cacheKey(e, req.Operation)); ok {
			hit := cached
			hit.CacheHit = true
			return &hit
		}
	}

	result := &Result{}
	v.checkSystemFields(e, result)

	schema := v.registry.Get(e.Type)
	if schema == nil {
		// Unknown type: structural checks are skipped, not failed.
		result.skip(1)
		result.finalize(false)
		result.Duration = time.Since(start)
		return result
	}

	for name, rule := range schema.Fields {
		v.checkField(e, name, rule, result)
	}

	result.finalize(false)
	result.Duration = time.Since(start)

	if v.cache != nil {
		v.cache.put(cacheKey(e, req.Operation), *result)
	}
	return result
}

// checkSystemFields validates the entity envelope via go-playground
// struct tags.
func (v *SchemaValidator) checkSystemFields(e *entity.Entity, result *Result) {
	sys := systemFields{ID: e.ID, Type: string(e.Type), Version: e.Metadata.Version}
	if err := v.check.Struct(sys); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				result.addError(Issue{
					Field:   fe.Field(),
					Code:    "SYSTEM_FIELD",
					Message: fmt.Sprintf("system field %s fails %q constraint", fe.Field(), fe.Tag()),
				})
			}
			return
		}
		result.addError(Issue{Code: "SYSTEM_FIELD", Message: err.Error()})
		return
	}
	result.pass(1)
}

func (v *SchemaValidator) checkField(e *entity.Entity, name string, rule FieldRule, result *Result) {
	value, present := e.Field(name)

	if !present || value == nil {
		switch {
		case present && value == nil && !rule.Nullable:
			result.addError(Issue{Field: name, Code: "NOT_NULLABLE", Message: fmt.Sprintf("field %s must not be null", name)})
		case !present && rule.Required:
			result.addError(Issue{Field: name, Code: "REQUIRED", Message: fmt.Sprintf("field %s is required", name)})
		default:
			result.pass(1)
		}
		return
	}

	if rule.Kind != "" && !kindMatches(rule.Kind, value) {
		result.addError(Issue{Field: name, Code: "WRONG_KIND",
			Message: fmt.Sprintf("field %s must be %s", name, rule.Kind)})
		return
	}

	if s, ok := value.(string); ok {
		if rule.MinLength > 0 && len(s) < rule.MinLength {
			result.addError(Issue{Field: name, Code: "TOO_SHORT",
				Message: fmt.Sprintf("field %s shorter than %d", name, rule.MinLength)})
			return
		}
		if rule.MaxLength > 0 && len(s) > rule.MaxLength {
			result.addError(Issue{Field: name, Code: "TOO_LONG",
				Message: fmt.Sprintf("field %s longer than %d", name, rule.MaxLength)})
			return
		}
		if len(rule.Enum) > 0 && !contains(rule.Enum, s) {
			result.addError(Issue{Field: name, Code: "NOT_IN_ENUM",
				Message: fmt.Sprintf("field %s value %q not in %v", name, s, rule.Enum)})
			return
		}
		if rule.compiled != nil && !rule.compiled.MatchString(s) {
			result.addError(Issue{Field: name, Code: "PATTERN_MISMATCH",
				Message: fmt.Sprintf("field %s does not match %s", name, rule.Pattern)})
			return
		}
	}

	if arr, ok := value.([]any); ok {
		if rule.MinLength > 0 && len(arr) < rule.MinLength {
			result.addError(Issue{Field: name, Code: "TOO_SHORT",
				Message: fmt.Sprintf("array %s shorter than %d", name, rule.MinLength)})
			return
		}
		if rule.MaxLength > 0 && len(arr) > rule.MaxLength {
			result.addError(Issue{Field: name, Code: "TOO_LONG",
				Message: fmt.Sprintf("array %s longer than %d", name, rule.MaxLength)})
			return
		}
	}

	if num, ok := asFloat(value); ok {
		if rule.Min != nil && num < *rule.Min {
			result.addError(Issue{Field: name, Code: "BELOW_MIN",
				Message: fmt.Sprintf("field %s below minimum %v", name, *rule.Min)})
			return
		}
		if rule.Max != nil && num > *rule.Max {
			result.addError(Issue{Field: name, Code: "ABOVE_MAX",
				Message: fmt.Sprintf("field %s above maximum %v", name, *rule.Max)})
			return
		}
	}

	result.pass(1)
}

func kindMatches(kind FieldKind, value any) bool {
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindNumber:
		_, ok := asFloat(value)
		return ok
	case KindInteger:
		switch value.(type) {
		case int, int32, int64:
			return true
		case float64:
			f := value.(float64)
			return f == float64(int64(f))
		}
		return false
	case KindObject:
		_, ok := value.(map[string]any)
		return ok
	case KindArray:
		_, ok := value.([]any)
		return ok
	case KindTimestamp:
		_, ok := asTime(value)
		return ok
	default:
		return true
	}
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asTime(value any) (time.Time, bool) {
	switch t := value.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
