// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package audit normalizes engine events into audit records, applies
// policies, and maintains per-entity trails with rolling statistics.
package audit

import (
	"strings"
	"time"

	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
	"github.com/AleutianAI/syncline/pkg/ringbuf"
)

// Event is one normalized audit record.
type Event struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	EventType  events.Type     `json:"eventType"`
	EntityKey  string          `json:"entityKey,omitempty"`
	EntityType entity.Type     `json:"entityType,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Severity   events.Severity `json:"severity,omitempty"`
	Details    map[string]any  `json:"details,omitempty"`
}

// normalize fills in the entity type from a "type/id" target key.
func (e *Event) normalize() {
	if e.EntityType == "" && e.EntityKey != "" {
		if t, _, ok := strings.Cut(e.EntityKey, "/"); ok {
			e.EntityType = entity.Type(t)
		}
	}
	if e.Severity == "" {
		e.Severity = events.SeverityLow
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
}

// fromBusEvent converts a bus event into an audit record.
func fromBusEvent(src *events.Event) Event {
	e := Event{
		ID:        src.ID,
		Timestamp: src.Timestamp,
		EventType: src.Type,
		EntityKey: src.Target,
		Actor:     src.Actor,
		Severity:  src.Severity,
		Details:   src.Data,
	}
	e.normalize()
	return e
}

// Stats are the rolling counters kept per trail.
type Stats struct {
	Events    int                 `json:"events"`
	ByType    map[events.Type]int `json:"byType"`
	Alerts    int                 `json:"alerts"`
	Failures  int                 `json:"failures"`
	Blocked   int                 `json:"blocked"`
	FirstSeen time.Time           `json:"firstSeen"`
	LastSeen  time.Time           `json:"lastSeen"`
}

// trail is the per-entity history: a hot ring of recent events plus a
// bounded cold tier the ring evicts into.
type trail struct {
	hot   *ringbuf.Ring[Event]
	cold  []Event
	stats Stats
}

func newTrail(hotSize, coldSize int) *trail {
	return &trail{
		hot:  ringbuf.New[Event](hotSize),
		cold: make([]Event, 0, coldSize),
	}
}

func (t *trail) append(e Event, coldCap int) {
	if evicted, ok := t.hot.Push(e); ok {
		if len(t.cold) >= coldCap {
			copy(t.cold, t.cold[1:])
			t.cold = t.cold[:len(t.cold)-1]
		}
		t.cold = append(t.cold, evicted)
	}

	s := &t.stats
	s.Events++
	if s.ByType == nil {
		s.ByType = make(map[events.Type]int)
	}
	s.ByType[e.EventType]++
	if s.FirstSeen.IsZero() {
		s.FirstSeen = e.Timestamp
	}
	s.LastSeen = e.Timestamp
	if e.EventType == events.TypeValidationFailed || e.EventType == events.TypeTransactionAborted {
		s.Failures++
	}
}

// snapshot returns the full trail, oldest first.
func (t *trail) snapshot() []Event {
	out := make([]Event, 0, len(t.cold)+t.hot.Len())
	out = append(out, t.cold...)
	return append(out, t.hot.Slice()...)
}
