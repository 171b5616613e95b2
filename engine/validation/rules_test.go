// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/syncline/engine/entity"
)

func TestRuleValidator_ConditionGating(t *testing.T) {
	v := NewRuleValidator(nil)
	v.Register(entity.TypeProject, Rule{
		Name: "active-needs-owner",
		When: []Condition{{Field: "status", Operator: OpEq, Value: "active"}},
		Actions: []Action{
			{Kind: ActionValidate, Field: "owner", Operator: OpExists, Code: "OWNER_REQUIRED"},
		},
	})
	ctx := context.Background()

	// Condition does not hold: rule is skipped entirely.
	draft := newProject("p1", map[string]any{"status": "draft"})
	result := v.Validate(ctx, draft, Request{Operation: OpCreate})
	assert.Equal(t, StatusPassed, result.Status)
	assert.Equal(t, 1, result.SkippedRules)

	// Condition holds, assertion fails.
	active := newProject("p2", map[string]any{"status": "active"})
	result = v.Validate(ctx, active, Request{Operation: OpCreate})
	require.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "OWNER_REQUIRED", result.Errors[0].Code)
}

func TestRuleValidator_TransformMutatesCandidate(t *testing.T) {
	v := NewRuleValidator(nil)
	v.Register(entity.TypeTask, Rule{
		Name: "default-priority",
		When: []Condition{{Field: "priority", Operator: OpExists}},
		Actions: []Action{
			{Kind: ActionLog, Message: "priority already set"},
		},
	}, Rule{
		Name:     "assign-priority",
		Priority: 10,
		Actions: []Action{
			{Kind: ActionTransform, Field: "priority", Value: "medium"},
		},
	})

	task := &entity.Entity{ID: "t1", Type: entity.TypeTask, Data: map[string]any{"title": "ship"}}
	result := v.Validate(context.Background(), task, Request{Operation: OpCreate})

	assert.Equal(t, StatusPassed, result.Status)
	assert.Equal(t, "medium", task.Data["priority"])
}

func TestRuleValidator_PriorityOrder(t *testing.T) {
	v := NewRuleValidator(nil)
	// Lower-priority transform runs second and wins the final value.
	v.Register(entity.TypeProject,
		Rule{Name: "low", Priority: 1, Actions: []Action{{Kind: ActionTransform, Field: "stage", Value: "late"}}},
		Rule{Name: "high", Priority: 100, Actions: []Action{{Kind: ActionTransform, Field: "stage", Value: "early"}}},
	)

	p := newProject("p1", map[string]any{})
	v.Validate(context.Background(), p, Request{})

	assert.Equal(t, "late", p.Data["stage"])
}

func TestRuleValidator_RejectAndWarn(t *testing.T) {
	v := NewRuleValidator(nil)
	v.Register(entity.TypeProject, Rule{
		Name:  "freeze",
		Match: MatchAny,
		When: []Condition{
			{Field: "status", Operator: OpEq, Value: "archived"},
			{Field: "status", Operator: OpEq, Value: "cancelled"},
		},
		Actions: []Action{
			{Kind: ActionReject, Message: "archived projects are frozen", Code: "FROZEN"},
			{Kind: ActionWarn, Message: "late mutation attempt"},
		},
	})

	p := newProject("p1", map[string]any{"status": "archived"})
	result := v.Validate(context.Background(), p, Request{Operation: OpUpdate})

	require.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "FROZEN", result.Errors[0].Code)
	assert.Len(t, result.Warnings, 1)
}

func TestRuleValidator_LoadYAML(t *testing.T) {
	v := NewRuleValidator(nil)
	doc := []byte(`
rulesets:
  - type: kpi
    rules:
      - name: score-sanity
        priority: 50
        match: all
        when:
          - field: score
            operator: exists
        actions:
          - kind: validate
            field: score
            operator: lte
            value: 100
            code: SCORE_CAP
            message: score cannot exceed 100
`)
	require.NoError(t, v.LoadYAML(doc))

	kpi := &entity.Entity{ID: "k1", Type: entity.TypeKPI, Data: map[string]any{"score": 150.0}}
	result := v.Validate(context.Background(), kpi, Request{Operation: OpCreate})

	require.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "SCORE_CAP", result.Errors[0].Code)

	kpi.Data["score"] = 90.0
	result = v.Validate(context.Background(), kpi, Request{Operation: OpCreate})
	assert.Equal(t, StatusPassed, result.Status)
}

func TestRuleValidator_LoadYAML_Invalid(t *testing.T) {
	v := NewRuleValidator(nil)
	assert.Error(t, v.LoadYAML([]byte("rulesets: {nope")))
	assert.Error(t, v.LoadYAML([]byte("rulesets:\n  - rules: []\n")))
}

func TestEvalCondition_Operators(t *testing.T) {
	e := &entity.Entity{
		ID:     "p1",
		Type:   entity.TypeProject,
		Status: entity.StatusActive,
		Data: map[string]any{
			"title": "Atlas migration",
			"score": 42.0,
		},
	}

	cases := []struct {
		field    string
		op       Operator
		value    any
		expected bool
	}{
		{"status", OpEq, "active", true},
		{"status", OpNe, "draft", true},
		{"score", OpGt, 40, true},
		{"score", OpGte, 42, true},
		{"score", OpLt, 42, false},
		{"score", OpLte, 42, true},
		{"title", OpContains, "migration", true},
		{"title", OpMatches, `^Atlas`, true},
		{"title", OpIn, []any{"Atlas migration", "other"}, true},
		{"missing", OpExists, nil, false},
		{"title", OpExists, nil, true},
	}
	for _, tc := range cases {
		got := evalCondition(e, tc.field, tc.op, tc.value)
		assert.Equal(t, tc.expected, got, "%s %s %v", tc.field, tc.op, tc.value)
	}
}
