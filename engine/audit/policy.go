// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
)

// ErrPolicyBlocked marks an operation an audit policy forbids.
var ErrPolicyBlocked = errors.New("blocked by audit policy")

// PolicyBlockError names the policy that blocked and the offending
// event.
type PolicyBlockError struct {
	Policy  string
	EventID string
}

func (e *PolicyBlockError) Error() string {
	return fmt.Sprintf("audit policy %q blocked event %s", e.Policy, e.EventID)
}

func (e *PolicyBlockError) Unwrap() error { return ErrPolicyBlocked }

// Actions is what a matched policy does with an event.
type Actions struct {
	Log     bool `yaml:"log" json:"log"`
	Alert   bool `yaml:"alert" json:"alert"`
	Block   bool `yaml:"block" json:"block"`
	Archive bool `yaml:"archive" json:"archive"`
}

// Policy gates actions behind event filters. Empty filter slices match
// anything.
type Policy struct {
	Name        string            `yaml:"name" json:"name"`
	EventTypes  []events.Type     `yaml:"eventTypes" json:"eventTypes,omitempty"`
	EntityTypes []entity.Type     `yaml:"entityTypes" json:"entityTypes,omitempty"`
	Severities  []events.Severity `yaml:"severities" json:"severities,omitempty"`
	Actors      []string          `yaml:"actors" json:"actors,omitempty"`
	Actions     Actions           `yaml:"actions" json:"actions"`
}

func (p *Policy) matches(e *Event) bool {
	if len(p.EventTypes) > 0 && !containsType(p.EventTypes, e.EventType) {
		return false
	}
	if len(p.EntityTypes) > 0 && !containsEntityType(p.EntityTypes, e.EntityType) {
		return false
	}
	if len(p.Severities) > 0 && !containsSeverity(p.Severities, e.Severity) {
		return false
	}
	if len(p.Actors) > 0 && !containsString(p.Actors, e.Actor) {
		return false
	}
	return true
}

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// ParsePolicies loads audit policies from a YAML document.
func ParsePolicies(doc []byte) ([]Policy, error) {
	var pf policyFile
	if err := yaml.Unmarshal(doc, &pf); err != nil {
		return nil, fmt.Errorf("parse audit policies: %w", err)
	}
	for i, p := range pf.Policies {
		if p.Name == "" {
			return nil, fmt.Errorf("parse audit policies: policy %d has no name", i)
		}
	}
	return pf.Policies, nil
}

// LoadPolicyFile reads and parses a YAML policy file.
func LoadPolicyFile(path string) ([]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit policies: %w", err)
	}
	return ParsePolicies(raw)
}

func containsType(haystack []events.Type, needle events.Type) bool {
	for _, t := range haystack {
		if t == needle {
			return true
		}
	}
	return false
}

func containsEntityType(haystack []entity.Type, needle entity.Type) bool {
	for _, t := range haystack {
		if t == needle {
			return true
		}
	}
	return false
}

func containsSeverity(haystack []events.Severity, needle events.Severity) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
