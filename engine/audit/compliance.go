// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"fmt"
	"time"

	"github.com/AleutianAI/syncline/engine/events"
)

// Regulation maps engine event types onto a named compliance regime.
type Regulation struct {
	Name           string        `yaml:"name"`
	ViolationTypes []events.Type `yaml:"violationTypes"`
	WarningTypes   []events.Type `yaml:"warningTypes"`
}

// DefaultRegulations cover data protection and change control.
func DefaultRegulations() []Regulation {
	return []Regulation{
		{
			Name:           "data-protection",
			ViolationTypes: []events.Type{events.TypeSecurityAlert},
			WarningTypes:   []events.Type{events.TypeAuditAlert, TypeEntityAccessed},
		},
		{
			Name:           "change-control",
			ViolationTypes: []events.Type{events.TypeTransactionAborted},
			WarningTypes:   []events.Type{events.TypeValidationFailed, events.TypeConflictDetected},
		},
	}
}

// RegulationFindings are the per-regulation counters in a report.
type RegulationFindings struct {
	Violations int `json:"violations"`
	Warnings   int `json:"warnings"`
}

// PrivacyMetrics summarize restricted-data handling in the window.
type PrivacyMetrics struct {
	RestrictedAccess int `json:"restrictedAccess"`
	ErasureDeletions int `json:"erasureDeletions"`
}

// AccessMetrics summarize access-control activity in the window.
type AccessMetrics struct {
	AccessEvents      int `json:"accessEvents"`
	BlockedOperations int `json:"blockedOperations"`
	DistinctActors    int `json:"distinctActors"`
}

// ComplianceReport is the structured output of Report; the engine
// leaves persisting it to the caller.
type ComplianceReport struct {
	From            time.Time                     `json:"from"`
	To              time.Time                     `json:"to"`
	TotalEvents     int                           `json:"totalEvents"`
	Failures        int                           `json:"failures"`
	Regulations     map[string]RegulationFindings `json:"regulations"`
	Privacy         PrivacyMetrics                `json:"privacy"`
	AccessControl   AccessMetrics                 `json:"accessControl"`
	Recommendations []string                      `json:"recommendations"`
}

// alertVolumeThreshold is the in-window alert count past which the
// report recommends reviewing policy noise.
const alertVolumeThreshold = 10

// Report aggregates every trail over [from, to].
func (t *Tracker) Report(from, to time.Time, regulations ...Regulation) ComplianceReport {
	if len(regulations) == 0 {
		regulations = DefaultRegulations()
	}

	report := ComplianceReport{
		From:        from,
		To:          to,
		Regulations: make(map[string]RegulationFindings, len(regulations)),
	}
	for _, reg := range regulations {
		report.Regulations[reg.Name] = RegulationFindings{}
	}

	actors := map[string]struct{}{}
	alerts := 0
	blocked := 0

	t.mu.Lock()
	var window []Event
	for _, tr := range t.trails {
		blocked += tr.stats.Blocked
		alerts += tr.stats.Alerts
		for _, e := range tr.snapshot() {
			if e.Timestamp.Before(from) || e.Timestamp.After(to) {
				continue
			}
			window = append(window, e)
		}
	}
	t.mu.Unlock()

	for _, e := range window {
		report.TotalEvents++
		if e.Actor != "" {
			actors[e.Actor] = struct{}{}
		}

		switch e.EventType {
		case events.TypeValidationFailed, events.TypeTransactionAborted:
			report.Failures++
		case TypeEntityAccessed:
			report.AccessControl.AccessEvents++
			if restricted, _ := e.Details["restricted"].(bool); restricted {
				report.Privacy.RestrictedAccess++
			}
		case events.TypeEntityDeleted:
			if reason, _ := e.Details["reason"].(string); reason == "erasure" {
				report.Privacy.ErasureDeletions++
			}
		}

		for _, reg := range regulations {
			findings := report.Regulations[reg.Name]
			if containsType(reg.ViolationTypes, e.EventType) {
				findings.Violations++
			}
			if containsType(reg.WarningTypes, e.EventType) {
				findings.Warnings++
			}
			report.Regulations[reg.Name] = findings
		}
	}

	report.AccessControl.BlockedOperations = blocked
	report.AccessControl.DistinctActors = len(actors)
	report.Recommendations = recommendations(&report, alerts)
	return report
}

func recommendations(r *ComplianceReport, alerts int) []string {
	var out []string
	if r.TotalEvents > 0 {
		rate := float64(r.Failures) / float64(r.TotalEvents)
		if rate > 0.2 {
			out = append(out, fmt.Sprintf(
				"failure rate is %.0f%% of audited events; review recurring validation and rollback causes", rate*100))
		}
	}
	if alerts > alertVolumeThreshold {
		out = append(out, fmt.Sprintf(
			"%d alerts fired; tighten audit policy filters or address the underlying violations", alerts))
	}
	if r.AccessControl.BlockedOperations > 0 {
		out = append(out, fmt.Sprintf(
			"%d operations were blocked by policy; confirm the blocks were intentional", r.AccessControl.BlockedOperations))
	}
	if r.Privacy.RestrictedAccess > 0 && r.AccessControl.DistinctActors > 0 {
		out = append(out, "restricted data was accessed; verify actor authorizations are current")
	}
	return out
}
