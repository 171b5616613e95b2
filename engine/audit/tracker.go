// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
)

// TypeEntityAccessed is the audit-local event type LogAccess records;
// it never travels on the bus.
const TypeEntityAccessed events.Type = "entity:accessed"

// Sink receives flushed audit batches.
type Sink func(ctx context.Context, batch []Event) error

// Tracker is the audit pipeline: normalize, apply policies, trail,
// batch-flush.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	policies   []Policy
	trails     map[string]*trail
	buffer     []Event
	archiveBuf []Event

	hotSize    int
	coldSize   int
	batchSize  int
	flushEvery time.Duration

	sink     Sink
	archiver Archiver
	bus      *events.Bus
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithPolicies installs audit policies.
func WithPolicies(policies ...Policy) TrackerOption {
	return func(t *Tracker) { t.policies = append(t.policies, policies...) }
}

// WithArchiver receives events matched by archive policy actions.
func WithArchiver(a Archiver) TrackerOption {
	return func(t *Tracker) { t.archiver = a }
}

// WithSink receives every flushed batch.
func WithSink(s Sink) TrackerOption {
	return func(t *Tracker) { t.sink = s }
}

// WithBatch overrides the flush triggers: batch size and interval.
func WithBatch(size int, every time.Duration) TrackerOption {
	return func(t *Tracker) {
		if size > 0 {
			t.batchSize = size
		}
		if every > 0 {
			t.flushEvery = every
		}
	}
}

// WithTrailSizes bounds the per-entity hot ring and cold tier.
func WithTrailSizes(hot, cold int) TrackerOption {
	return func(t *Tracker) {
		if hot > 0 {
			t.hotSize = hot
		}
		if cold > 0 {
			t.coldSize = cold
		}
	}
}

// WithBus lets the tracker emit audit:alert events.
func WithBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.bus = bus }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker builds a tracker and starts its flush loop. Callers must
// Close it.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		trails:     make(map[string]*trail),
		hotSize:    128,
		coldSize:   1024,
		batchSize:  64,
		flushEvery: 5 * time.Second,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.flushLoop()
	return t
}

// Close drains the buffers and stops the flush loop.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.Flush(context.Background())
	})
}

// Attach subscribes the tracker to every engine event type worth
// auditing. Handler errors from blocking policies stay on the bus side;
// synchronous callers use LogEvent to observe blocks.
func (t *Tracker) Attach(bus *events.Bus) {
	for _, et := range []events.Type{
		events.TypeTransactionStarted,
		events.TypeTransactionCommitted,
		events.TypeTransactionAborted,
		events.TypeValidationFailed,
		events.TypeEntityCreated,
		events.TypeEntityUpdated,
		events.TypeEntityDeleted,
		events.TypeConflictDetected,
		events.TypeConflictResolved,
		events.TypeSecurityAlert,
	} {
		bus.Subscribe(et, func(e *events.Event) error {
			return t.ingest(context.Background(), fromBusEvent(e))
		}, 100) // audit runs after domain subscribers
	}
}

// SetPolicies replaces the installed policies at runtime.
func (t *Tracker) SetPolicies(policies ...Policy) {
	t.mu.Lock()
	t.policies = append([]Policy(nil), policies...)
	t.mu.Unlock()
}

// LogEvent records one event synchronously. A matching policy with the
// block action makes it return a PolicyBlockError the caller must
// treat as an aborted operation.
func (t *Tracker) LogEvent(ctx context.Context, e Event) error {
	return t.ingest(ctx, e)
}

// LogChange records a mutation of one entity.
func (t *Tracker) LogChange(ctx context.Context, ent *entity.Entity, eventType events.Type, actor string, details map[string]any) error {
	return t.ingest(ctx, Event{
		EventType:  eventType,
		EntityKey:  ent.Key(),
		EntityType: ent.Type,
		Actor:      actor,
		SessionID:  ent.Metadata.SessionID,
		Details:    details,
	})
}

// LogAccess records a read. Restricted reads feed the compliance
// report's privacy metrics.
func (t *Tracker) LogAccess(ctx context.Context, ent *entity.Entity, actor string, restricted bool) error {
	return t.ingest(ctx, Event{
		EventType:  TypeEntityAccessed,
		EntityKey:  ent.Key(),
		EntityType: ent.Type,
		Actor:      actor,
		Details:    map[string]any{"restricted": restricted},
	})
}

func (t *Tracker) ingest(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.normalize()

	var blockedBy string
	alert := false
	archive := false

	t.mu.Lock()
	for i := range t.policies {
		p := &t.policies[i]
		if !p.matches(&e) {
			continue
		}
		if p.Actions.Alert {
			alert = true
		}
		if p.Actions.Archive {
			archive = true
		}
		if p.Actions.Block && blockedBy == "" {
			blockedBy = p.Name
		}
	}

	key := e.EntityKey
	if key == "" {
		key = "_global"
	}
	tr, ok := t.trails[key]
	if !ok {
		tr = newTrail(t.hotSize, t.coldSize)
		t.trails[key] = tr
	}
	tr.append(e, t.coldSize)
	if alert {
		tr.stats.Alerts++
	}
	if blockedBy != "" {
		tr.stats.Blocked++
	}

	t.buffer = append(t.buffer, e)
	if archive {
		t.archiveBuf = append(t.archiveBuf, e)
	}
	full := len(t.buffer) >= t.batchSize
	t.mu.Unlock()

	if alert {
		t.emitAlert(ctx, &e)
	}
	if full {
		t.Flush(ctx)
	}
	if blockedBy != "" {
		return &PolicyBlockError{Policy: blockedBy, EventID: e.ID}
	}
	return nil
}

func (t *Tracker) emitAlert(ctx context.Context, e *Event) {
	t.logger.Warn("audit alert", "event", string(e.EventType), "entity", e.EntityKey, "actor", e.Actor)
	if t.bus == nil || e.EventType == events.TypeAuditAlert {
		return
	}
	t.bus.Emit(ctx, events.Event{
		Type:     events.TypeAuditAlert,
		Target:   e.EntityKey,
		Actor:    e.Actor,
		Severity: e.Severity,
		Data:     map[string]any{"sourceEvent": string(e.EventType), "sourceId": e.ID},
	})
}

// Flush hands the buffered batch to the sink and the archive buffer to
// the archiver.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.buffer
	t.buffer = nil
	toArchive := t.archiveBuf
	t.archiveBuf = nil
	t.mu.Unlock()

	if t.sink != nil && len(batch) > 0 {
		if err := t.sink(ctx, batch); err != nil {
			t.logger.Error("audit sink flush failed", "events", len(batch), "error", err)
		}
	}
	if t.archiver != nil && len(toArchive) > 0 {
		if err := t.archiver.Archive(ctx, toArchive); err != nil {
			t.logger.Error("audit archive failed", "events", len(toArchive), "error", err)
		}
	}
}

func (t *Tracker) flushLoop() {
	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.Flush(context.Background())
		}
	}
}

// Trail returns the recorded history for one entity key, oldest first.
func (t *Tracker) Trail(entityKey string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.trails[entityKey]
	if !ok {
		return nil
	}
	return tr.snapshot()
}

// TrailStats returns the rolling counters for one entity key.
func (t *Tracker) TrailStats(entityKey string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.trails[entityKey]
	if !ok {
		return Stats{}, false
	}
	s := tr.stats
	s.ByType = make(map[events.Type]int, len(tr.stats.ByType))
	for k, v := range tr.stats.ByType {
		s.ByType[k] = v
	}
	return s, true
}
