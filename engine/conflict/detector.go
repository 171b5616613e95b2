// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
	"github.com/AleutianAI/syncline/engine/validation"
)

// concurrentWindow is how close two writes must land to count as a
// concurrent modification.
const concurrentWindow = time.Second

// schemaOverlapFloor is the minimum Jaccard similarity between the two
// sides' field-key sets before the shapes are considered incompatible.
const schemaOverlapFloor = 0.5

// Detector compares a proposed entity against its stored counterpart.
//
// # Description
//
// With no target the detector runs create-path checks: id uniqueness
// and referential integrity against the entity store. With a target it
// checks, in order: version divergence, field-level data conflicts,
// schema-shape conflicts, and concurrent modification. Results come
// back sorted most-severe first.
//
// # Thread Safety
//
// Safe for concurrent use; all state is read-only after construction.
type Detector struct {
	store    entity.Store
	registry *validation.Registry
	bus      *events.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorBus emits conflict:detected for every finding.
func WithDetectorBus(bus *events.Bus) DetectorOption {
	return func(d *Detector) { d.bus = bus }
}

// WithDetectorLogger sets the structured logger.
func WithDetectorLogger(logger *slog.Logger) DetectorOption {
	return func(d *Detector) { d.logger = logger }
}

// NewDetector builds a detector over the caller's store. The registry
// supplies declared reference fields for create-path checks.
func NewDetector(store entity.Store, registry *validation.Registry, opts ...DetectorOption) *Detector {
	d := &Detector{
		store:    store,
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer("syncline/conflict"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect classifies every disagreement between source and target.
// target may be nil for create-path detection.
func (d *Detector) Detect(ctx context.Context, source, target *entity.Entity) []Conflict {
	ctx, span := d.tracer.Start(ctx, "conflict.detect",
		trace.WithAttributes(attribute.String("entity", source.Key())))
	defer span.End()

	var found []Conflict
	if target == nil {
		found = d.detectCreate(ctx, source)
	} else {
		found = d.detectUpdate(source, target)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Severity.rank() < found[j].Severity.rank()
	})

	span.SetAttributes(attribute.Int("conflicts", len(found)))
	for i := range found {
		d.announce(ctx, &found[i])
	}
	return found
}

func (d *Detector) detectCreate(ctx context.Context, source *entity.Entity) []Conflict {
	var found []Conflict

	exists, err := d.store.Exists(ctx, source.Type, source.ID)
	if err != nil {
		d.logger.Warn("uniqueness probe failed", "entity", source.Key(), "error", err)
	} else if exists {
		found = append(found, d.build(TypeConstraint, source, nil, Details{
			UniqueViolation: true,
			Description:     fmt.Sprintf("an entity with id %q already exists", source.ID),
		}))
	}

	if d.registry != nil {
		for field, ref := range d.registry.References(source.Type) {
			raw, present := source.Field(field)
			id, _ := raw.(string)
			if !present || id == "" {
				continue
			}
			live, err := d.store.Exists(ctx, ref.Type, id)
			if err == nil && !live {
				found = append(found, d.build(TypeReference, source, nil, Details{
					Description: fmt.Sprintf("%s references missing %s %q", field, ref.Type, id),
				}))
			}
		}
	}
	return found
}

func (d *Detector) detectUpdate(source, target *entity.Entity) []Conflict {
	var found []Conflict

	if source.Metadata.Version < target.Metadata.Version {
		found = append(found, d.build(TypeVersion, source, target, Details{
			Description: fmt.Sprintf("proposed version %d is behind stored version %d",
				source.Metadata.Version, target.Metadata.Version),
		}))
	}

	diffs, dropped := diffFields("", source.Data, target.Data)
	if len(diffs) > 0 {
		found = append(found, d.build(TypeData, source, target, Details{
			Differences: diffs,
			DataLoss:    dropped,
			Description: fmt.Sprintf("%d field(s) differ between proposed and stored entity", len(diffs)),
		}))
	}

	if source.Type != target.Type || keyOverlap(source.Data, target.Data) < schemaOverlapFloor {
		found = append(found, d.build(TypeSchema, source, target, Details{
			Description: "proposed entity shape diverges from the stored shape",
		}))
	}

	gap := source.Metadata.UpdatedAt.Sub(target.Metadata.UpdatedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap < concurrentWindow &&
		source.Metadata.SessionID != "" && target.Metadata.SessionID != "" &&
		source.Metadata.SessionID != target.Metadata.SessionID {
		found = append(found, d.build(TypeConcurrent, source, target, Details{
			Description: "both sessions modified the entity within the concurrency window",
		}))
	}
	return found
}

func (d *Detector) build(t Type, source, target *entity.Entity, details Details) Conflict {
	suggested, available := strategiesFor(t, target != nil)
	return Conflict{
		ID:                  uuid.NewString(),
		Type:                t,
		Severity:            severityFor(t, details),
		Source:              source,
		Target:              target,
		Details:             details,
		DetectedAt:          time.Now(),
		SuggestedStrategy:   suggested,
		AvailableStrategies: available,
	}
}

func (d *Detector) announce(ctx context.Context, c *Conflict) {
	if d.bus == nil {
		return
	}
	d.bus.Emit(ctx, events.Event{
		Type:     events.TypeConflictDetected,
		Target:   c.EntityKey(),
		Severity: events.Severity(c.Severity),
		Data: map[string]any{
			"conflictId":   c.ID,
			"conflictType": string(c.Type),
		},
	})
}

// diffFields walks both payloads and reports fields where BOTH sides
// define a non-nil, differing value. A key present on one side only is
// never a conflict; a key the target defines but the source drops sets
// the data-loss flag instead.
func diffFields(prefix string, source, target map[string]any) ([]FieldDiff, bool) {
	var diffs []FieldDiff
	dropped := false

	for key, tv := range target {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		sv, ok := source[key]
		if !ok {
			if tv != nil {
				dropped = true
			}
			continue
		}
		if sv == nil || tv == nil {
			continue
		}
		sm, sIsMap := sv.(map[string]any)
		tm, tIsMap := tv.(map[string]any)
		if sIsMap && tIsMap {
			nested, nestedDrop := diffFields(path, sm, tm)
			diffs = append(diffs, nested...)
			dropped = dropped || nestedDrop
			continue
		}
		if !reflect.DeepEqual(sv, tv) {
			diffs = append(diffs, FieldDiff{Field: path, Source: sv, Target: tv})
		}
	}
	return diffs, dropped
}

// keyOverlap is the Jaccard similarity of the two payloads' key sets.
// Two empty payloads are trivially identical in shape.
func keyOverlap(source, target map[string]any) float64 {
	if len(source) == 0 && len(target) == 0 {
		return 1
	}
	union := make(map[string]struct{}, len(source)+len(target))
	shared := 0
	for k := range source {
		union[k] = struct{}{}
	}
	for k := range target {
		if _, ok := union[k]; ok {
			shared++
		}
		union[k] = struct{}{}
	}
	return float64(shared) / float64(len(union))
}
