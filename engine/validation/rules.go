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
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/syncline/engine/entity"
)

// Operator compares an entity field against a rule value.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpExists   Operator = "exists"
	OpMatches  Operator = "matches"
)

// MatchMode chains a rule's conditions.
type MatchMode string

const (
	MatchAll MatchMode = "all" // AND
	MatchAny MatchMode = "any" // OR
)

// ActionKind is what a triggered rule does.
type ActionKind string

const (
	ActionValidate  ActionKind = "validate"
	ActionTransform ActionKind = "transform"
	ActionReject    ActionKind = "reject"
	ActionWarn      ActionKind = "warn"
	ActionLog       ActionKind = "log"
)

// Condition gates a rule on one field comparison.
//
// Field resolves against the entity payload; "id", "type", and "status"
// address the envelope.
type Condition struct {
	Field    string   `yaml:"field"`
	Operator Operator `yaml:"operator"`
	Value    any      `yaml:"value"`
}

// Action is executed when a rule's conditions hold.
//
//   - validate: assert Field/Operator/Value; failure is a blocking error
//   - transform: set Field to Value on the candidate entity
//   - reject: unconditional blocking error
//   - warn: non-blocking warning
//   - log: informational log line only
type Action struct {
	Kind     ActionKind `yaml:"kind"`
	Field    string     `yaml:"field"`
	Operator Operator   `yaml:"operator"`
	Value    any        `yaml:"value"`
	Message  string     `yaml:"message"`
	Code     string     `yaml:"code"`
}

// Rule is a named, prioritized set of gated actions.
type Rule struct {
	Name     string      `yaml:"name"`
	Priority int         `yaml:"priority"`
	Match    MatchMode   `yaml:"match"`
	When     []Condition `yaml:"when"`
	Actions  []Action    `yaml:"actions"`
}

// ruleFile is the YAML document shape for LoadYAML.
type ruleFile struct {
	RuleSets []struct {
		Type  entity.Type `yaml:"type"`
		Rules []Rule      `yaml:"rules"`
	} `yaml:"rulesets"`
}

// RuleValidator evaluates business rules per entity type.
//
// Rules run highest priority first. Transform actions mutate the candidate
// entity before later rules (and later pipeline stages) see it.
//
// # Thread Safety
//
// Safe for concurrent use; rule sets are replaced atomically on reload.
type RuleValidator struct {
	mu     sync.RWMutex
	sets   map[entity.Type][]Rule
	logger *slog.Logger
}

// NewRuleValidator creates an empty rule validator.
func NewRuleValidator(logger *slog.Logger) *RuleValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleValidator{
		sets:   make(map[entity.Type][]Rule),
		logger: logger,
	}
}

// Register adds rules for a type, keeping priority order (highest first).
func (v *RuleValidator) Register(t entity.Type, rules ...Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()

	set := append(v.sets[t], rules...)
	sort.SliceStable(set, func(i, j int) bool {
		return set[i].Priority > set[j].Priority
	})
	v.sets[t] = set
}

// LoadYAML replaces all rule sets from a YAML document.
func (v *RuleValidator) LoadYAML(data []byte) error {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal rule file: %w", err)
	}

	sets := make(map[entity.Type][]Rule, len(file.RuleSets))
	for _, rs := range file.RuleSets {
		if rs.Type == "" {
			return fmt.Errorf("ruleset missing entity type")
		}
		rules := rs.Rules
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority > rules[j].Priority
		})
		sets[rs.Type] = rules
	}

	v.mu.Lock()
	v.sets = sets
	v.mu.Unlock()
	return nil
}

// LoadFile loads rule sets from a YAML file on disk.
func (v *RuleValidator) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rule file: %w", err)
	}
	return v.LoadYAML(data)
}

// Validate evaluates the rules for the entity's type.
//
// Transform actions mutate e in place; callers pass the candidate entity,
// not a stored copy.
func (v *RuleValidator) Validate(ctx context.Context, e *entity.Entity, req Request) *Result {
	start := time.Now()
	result := &Result{}

	v.mu.RLock()
	rules := v.sets[e.Type]
	v.mu.RUnlock()

	for _, rule := range rules {
		if !v.conditionsHold(e, rule) {
			result.skip(1)
			continue
		}
		v.runActions(e, rule, result)
	}

	result.finalize(false)
	result.Duration = time.Since(start)
	return result
}

func (v *RuleValidator) conditionsHold(e *entity.Entity, rule Rule) bool {
	if len(rule.When) == 0 {
		return true
	}

	mode := rule.Match
	if mode == "" {
		mode = MatchAll
	}

	for _, cond := range rule.When {
		holds := evalCondition(e, cond.Field, cond.Operator, cond.Value)
		if mode == MatchAll && !holds {
			return false
		}
		if mode == MatchAny && holds {
			return true
		}
	}
	return mode == MatchAll
}

func (v *RuleValidator) runActions(e *entity.Entity, rule Rule, result *Result) {
	for _, action := range rule.Actions {
		switch action.Kind {
		case ActionValidate:
			if evalCondition(e, action.Field, action.Operator, action.Value) {
				result.pass(1)
			} else {
				result.addError(Issue{
					Field:   action.Field,
					Code:    orDefault(action.Code, "RULE_FAILED"),
					Message: orDefault(action.Message, fmt.Sprintf("rule %s failed on %s", rule.Name, action.Field)),
					Rule:    rule.Name,
				})
			}

		case ActionTransform:
			e.SetField(action.Field, action.Value)
			result.pass(1)

		case ActionReject:
			result.addError(Issue{
				Field:   action.Field,
				Code:    orDefault(action.Code, "RULE_REJECTED"),
				Message: orDefault(action.Message, fmt.Sprintf("rejected by rule %s", rule.Name)),
				Rule:    rule.Name,
			})

		case ActionWarn:
			result.addWarning(Issue{
				Field:   action.Field,
				Code:    orDefault(action.Code, "RULE_WARNING"),
				Message: orDefault(action.Message, fmt.Sprintf("warning from rule %s", rule.Name)),
				Rule:    rule.Name,
			})

		case ActionLog:
			v.logger.Info("business rule triggered",
				"rule", rule.Name,
				"entity", e.Key(),
				"message", action.Message,
			)
			result.pass(1)

		default:
			result.addWarning(Issue{
				Code:    "RULE_UNKNOWN_ACTION",
				Message: fmt.Sprintf("rule %s has unknown action kind %q", rule.Name, action.Kind),
				Rule:    rule.Name,
			})
		}
	}
}

// evalCondition resolves the field and applies the operator.
func evalCondition(e *entity.Entity, field string, op Operator, expected any) bool {
	value, present := resolveField(e, field)

	switch op {
	case OpExists:
		return present && value != nil
	case OpEq:
		return present && equalValues(value, expected)
	case OpNe:
		return !present || !equalValues(value, expected)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := asFloat(value)
		b, bok := asFloat(expected)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpContains:
		s, ok := value.(string)
		sub, ok2 := expected.(string)
		return ok && ok2 && strings.Contains(s, sub)
	case OpIn:
		list, ok := expected.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if equalValues(value, item) {
				return true
			}
		}
		return false
	case OpMatches:
		s, ok := value.(string)
		pattern, ok2 := expected.(string)
		if !ok || !ok2 {
			return false
		}
		matched, err := regexp.MatchString(pattern, s)
		return err == nil && matched
	default:
		return false
	}
}

func resolveField(e *entity.Entity, field string) (any, bool) {
	switch field {
	case "id":
		return e.ID, true
	case "type":
		return string(e.Type), true
	case "status":
		return string(e.Status), true
	default:
		return e.Field(field)
	}
}

func equalValues(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
