// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events implements the engine's publish/subscribe hub.
//
// Every component communicates through the Bus: the transaction manager
// emits lifecycle events, the validation engine emits progress events, and
// the audit tracker plus external UI bridges subscribe to refresh their
// views. Handlers for one event run concurrently but are started in
// ascending priority order; a failing handler never affects its siblings or
// the emitter.
package events

import (
	"time"
)

// Type identifies an event category on the bus.
type Type string

// Engine event types. Subscribers register per type; there is no wildcard.
const (
	TypeTransactionStarted   Type = "transaction:started"
	TypeTransactionCommitted Type = "transaction:committed"
	TypeTransactionAborted   Type = "transaction:aborted"

	TypeValidationStarted   Type = "validation:started"
	TypeValidationCompleted Type = "validation:completed"
	TypeValidationFailed    Type = "validation:failed"

	TypeEntityCreated Type = "entity:created"
	TypeEntityUpdated Type = "entity:updated"
	TypeEntityDeleted Type = "entity:deleted"

	TypeConflictDetected Type = "conflict:detected"
	TypeConflictResolved Type = "conflict:resolved"

	TypeAuditAlert    Type = "audit:alert"
	TypeMonitorAlert  Type = "monitor:alert"
	TypeSecurityAlert Type = "security:alert"
)

// Severity grades an event for audit and alerting purposes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is the unit broadcast on the bus.
//
// ID and Timestamp are assigned by Emit; callers populate the rest.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	Target    string         `json:"target,omitempty"` // entity key or tx id
	Severity  Severity       `json:"severity,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler processes one event. A non-nil error marks the delivery as
// failed; retryable failures are re-attempted with backoff, everything else
// is logged and dropped.
type Handler func(event *Event) error
