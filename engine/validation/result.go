// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation implements the engine's multi-stage validation
// pipeline: a schema validator, a business-rule validator, and an
// integrity checker, fronted by an Engine facade that runs them in
// parallel, caches results, and coalesces duplicate in-flight requests.
package validation

import "time"

// Status is the overall outcome of a validation run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Operation describes what the caller is about to do with the entity.
// It participates in cache keys because create and update apply different
// checks (uniqueness in particular).
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpRead   Operation = "read"
)

// Request carries per-call validation context.
type Request struct {
	Operation Operation
	Actor     string
	SessionID string
}

// Issue is a single finding. Issues in Result.Errors block the operation;
// issues in Result.Warnings are surfaced but do not.
type Issue struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Rule    string `json:"rule,omitempty"`
}

// Result aggregates findings and rule counters from one or more
// validators.
type Result struct {
	Status       Status        `json:"status"`
	TotalRules   int           `json:"total_rules"`
	PassedRules  int           `json:"passed_rules"`
	FailedRules  int           `json:"failed_rules"`
	SkippedRules int           `json:"skipped_rules"`
	Errors       []Issue       `json:"errors,omitempty"`
	Warnings     []Issue       `json:"warnings,omitempty"`
	Duration     time.Duration `json:"duration"`
	CacheHit     bool          `json:"cache_hit,omitempty"`
}

// Failed reports whether the result blocks the operation.
func (r *Result) Failed() bool {
	return r.Status == StatusFailed
}

// merge folds another result's findings and counters into r.
func (r *Result) merge(other *Result) {
	if other == nil {
		return
	}
	r.TotalRules += other.TotalRules
	r.PassedRules += other.PassedRules
	r.FailedRules += other.FailedRules
	r.SkippedRules += other.SkippedRules
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// finalize sets Status from the accumulated findings.
//
// Failed iff any blocking error exists; in strict mode warnings also fail
// the run.
func (r *Result) finalize(strict bool) {
	switch {
	case len(r.Errors) > 0:
		r.Status = StatusFailed
	case strict && len(r.Warnings) > 0:
		r.Status = StatusFailed
	default:
		r.Status = StatusPassed
	}
}

func (r *Result) addError(i Issue) {
	r.Errors = append(r.Errors, i)
	r.FailedRules++
	r.TotalRules++
}

func (r *Result) addWarning(i Issue) {
	r.Warnings = append(r.Warnings, i)
	r.TotalRules++
	r.PassedRules++
}

func (r *Result) pass(n int) {
	r.TotalRules += n
	r.PassedRules += n
}

func (r *Result) skip(n int) {
	r.TotalRules += n
	r.SkippedRules += n
}
