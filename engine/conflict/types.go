// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conflict detects disagreements between a proposed entity and
// its stored counterpart and reconciles them with pluggable strategies.
package conflict

import (
	"time"

	"github.com/AleutianAI/syncline/engine/entity"
)

// Type classifies what kind of disagreement was found.
type Type string

const (
	TypeData       Type = "data"
	TypeSchema     Type = "schema"
	TypeVersion    Type = "version"
	TypeConstraint Type = "constraint"
	TypeReference  Type = "reference"
	TypeBusiness   Type = "business"
	TypeConcurrent Type = "concurrent"
	TypeMerge      Type = "merge"
)

// Severity grades how dangerous it is to apply the proposed entity
// without reconciling.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for sorting, critical first.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// Strategy names a reconciliation algorithm.
type Strategy string

const (
	StrategySourceWins Strategy = "source_wins"
	StrategyTargetWins Strategy = "target_wins"
	StrategyLatestWins Strategy = "latest_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
	StrategyDefer      Strategy = "defer"
	StrategyReject     Strategy = "reject"
	StrategyCustom     Strategy = "custom"
)

// FieldDiff records one field where both sides define differing values.
type FieldDiff struct {
	Field  string `json:"field"`
	Source any    `json:"source"`
	Target any    `json:"target"`
}

// Details carries the evidence behind a conflict and the flags that
// drive severity escalation.
type Details struct {
	Differences      []FieldDiff `json:"differences,omitempty"`
	UniqueViolation  bool        `json:"uniqueViolation,omitempty"`
	DataLoss         bool        `json:"dataLoss,omitempty"`
	AffectedEntities int         `json:"affectedEntities,omitempty"`
	Description      string      `json:"description,omitempty"`
}

// Conflict is one detected disagreement. Target is nil for create-path
// conflicts (the proposed entity clashes with store state rather than
// with a specific stored counterpart).
type Conflict struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Severity   Severity       `json:"severity"`
	Source     *entity.Entity `json:"source"`
	Target     *entity.Entity `json:"target,omitempty"`
	Details    Details        `json:"details"`
	DetectedAt time.Time      `json:"detectedAt"`

	SuggestedStrategy   Strategy   `json:"suggestedStrategy"`
	AvailableStrategies []Strategy `json:"availableStrategies"`
}

// EntityKey identifies the entity the conflict is about, used for
// recurrence tracking.
func (c *Conflict) EntityKey() string {
	if c.Source != nil {
		return c.Source.Key()
	}
	return ""
}

var baseSeverity = map[Type]Severity{
	TypeData:       SeverityMedium,
	TypeSchema:     SeverityHigh,
	TypeVersion:    SeverityMedium,
	TypeConstraint: SeverityHigh,
	TypeReference:  SeverityHigh,
	TypeBusiness:   SeverityMedium,
	TypeConcurrent: SeverityHigh,
	TypeMerge:      SeverityLow,
}

// severityFor computes the effective severity: the per-type base,
// escalated to critical on a unique-constraint violation, a data-loss
// flag, or a blast radius above ten entities.
func severityFor(t Type, d Details) Severity {
	if d.UniqueViolation || d.DataLoss || d.AffectedEntities > 10 {
		return SeverityCritical
	}
	if s, ok := baseSeverity[t]; ok {
		return s
	}
	return SeverityMedium
}

var suggestedByType = map[Type]Strategy{
	TypeData:       StrategyMerge,
	TypeSchema:     StrategyManual,
	TypeVersion:    StrategyLatestWins,
	TypeConstraint: StrategyReject,
	TypeReference:  StrategyManual,
	TypeBusiness:   StrategyManual,
	TypeConcurrent: StrategyLatestWins,
	TypeMerge:      StrategyMerge,
}

func strategiesFor(t Type, hasTarget bool) (Strategy, []Strategy) {
	suggested, ok := suggestedByType[t]
	if !ok {
		suggested = StrategyManual
	}
	available := []Strategy{StrategySourceWins, StrategyManual, StrategyDefer, StrategyReject}
	if hasTarget {
		available = append(available,
			StrategyTargetWins, StrategyLatestWins, StrategyMerge)
	}
	return suggested, available
}
