// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
)

func newTracker(t *testing.T, opts ...TrackerOption) *Tracker {
	t.Helper()
	tr := NewTracker(opts...)
	t.Cleanup(tr.Close)
	return tr
}

func TestTracker_BlockingPolicy(t *testing.T) {
	tr := newTracker(t, WithPolicies(Policy{
		Name:       "no-security-events",
		EventTypes: []events.Type{events.TypeSecurityAlert},
		Actions:    Actions{Block: true, Log: true},
	}))

	err := tr.LogEvent(context.Background(), Event{
		EventType: events.TypeSecurityAlert,
		EntityKey: "project/p1",
		Actor:     "mallory",
	})
	require.ErrorIs(t, err, ErrPolicyBlocked)

	var pbe *PolicyBlockError
	require.ErrorAs(t, err, &pbe)
	assert.Equal(t, "no-security-events", pbe.Policy)

	// The blocked event is still on the trail for forensics.
	trail := tr.Trail("project/p1")
	require.Len(t, trail, 1)
	stats, ok := tr.TrailStats("project/p1")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Blocked)

	// Non-matching events pass.
	err = tr.LogEvent(context.Background(), Event{
		EventType: events.TypeEntityUpdated,
		EntityKey: "project/p1",
	})
	assert.NoError(t, err)
}

func TestTracker_AlertEmitsOnBus(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var alerts []*events.Event
	bus.Subscribe(events.TypeAuditAlert, func(e *events.Event) error {
		mu.Lock()
		alerts = append(alerts, e)
		mu.Unlock()
		return nil
	}, 0)

	tr := newTracker(t,
		WithBus(bus),
		WithPolicies(Policy{
			Name:       "watch-critical",
			Severities: []events.Severity{events.SeverityCritical},
			Actions:    Actions{Alert: true, Log: true},
		}))

	require.NoError(t, tr.LogEvent(context.Background(), Event{
		EventType: events.TypeConflictDetected,
		EntityKey: "project/p1",
		Severity:  events.SeverityCritical,
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1
	}, time.Second, 10*time.Millisecond)

	stats, _ := tr.TrailStats("project/p1")
	assert.Equal(t, 1, stats.Alerts)
}

func TestTracker_AttachNormalizesBusEvents(t *testing.T) {
	bus := events.NewBus()
	tr := newTracker(t)
	tr.Attach(bus)

	bus.Emit(context.Background(), events.Event{
		Type:   events.TypeEntityUpdated,
		Target: "kpi/k1",
		Actor:  "ana",
		Data:   map[string]any{"version": int64(2)},
	})

	assert.Eventually(t, func() bool {
		return len(tr.Trail("kpi/k1")) == 1
	}, time.Second, 10*time.Millisecond)

	trail := tr.Trail("kpi/k1")
	require.Len(t, trail, 1)
	assert.Equal(t, entity.TypeKPI, trail[0].EntityType, "entity type parsed from target key")
	assert.Equal(t, "ana", trail[0].Actor)
}

func TestTracker_BatchFlushBySize(t *testing.T) {
	var mu sync.Mutex
	var flushed []Event
	tr := newTracker(t,
		WithBatch(3, time.Hour), // size-triggered only
		WithSink(func(ctx context.Context, batch []Event) error {
			mu.Lock()
			flushed = append(flushed, batch...)
			mu.Unlock()
			return nil
		}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.LogEvent(ctx, Event{EventType: events.TypeEntityCreated, EntityKey: "project/p1"}))
	}

	mu.Lock()
	assert.Len(t, flushed, 3, "hitting the batch size flushes inline")
	mu.Unlock()
}

func TestTracker_BatchFlushByTime(t *testing.T) {
	var mu sync.Mutex
	var flushed []Event
	tr := newTracker(t,
		WithBatch(1000, 30*time.Millisecond),
		WithSink(func(ctx context.Context, batch []Event) error {
			mu.Lock()
			flushed = append(flushed, batch...)
			mu.Unlock()
			return nil
		}))

	require.NoError(t, tr.LogEvent(context.Background(),
		Event{EventType: events.TypeEntityCreated, EntityKey: "project/p1"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTracker_TrailEvictsIntoColdTier(t *testing.T) {
	tr := newTracker(t, WithTrailSizes(2, 3))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, tr.LogEvent(ctx, Event{
			EventType: events.TypeEntityUpdated,
			EntityKey: "project/p1",
		}))
	}

	trail := tr.Trail("project/p1")
	assert.Len(t, trail, 5, "2 hot + 3 cold, oldest beyond that dropped")

	stats, _ := tr.TrailStats("project/p1")
	assert.Equal(t, 7, stats.Events, "stats count everything ever seen")
	assert.Equal(t, 7, stats.ByType[events.TypeEntityUpdated])
}

func TestTracker_LogChangeAndAccess(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()
	e := &entity.Entity{ID: "p1", Type: entity.TypeProject, Data: map[string]any{}}

	require.NoError(t, tr.LogChange(ctx, e, events.TypeEntityUpdated, "ana", map[string]any{"field": "title"}))
	require.NoError(t, tr.LogAccess(ctx, e, "bob", true))

	trail := tr.Trail("project/p1")
	require.Len(t, trail, 2)
	assert.Equal(t, "ana", trail[0].Actor)
	assert.Equal(t, TypeEntityAccessed, trail[1].EventType)
	assert.Equal(t, true, trail[1].Details["restricted"])
}

func TestParsePolicies(t *testing.T) {
	doc := []byte(`
policies:
  - name: block-security
    eventTypes: ["security:alert"]
    actions:
      block: true
      log: true
  - name: archive-deletes
    eventTypes: ["entity:deleted"]
    entityTypes: ["project"]
    actions:
      archive: true
`)
	policies, err := ParsePolicies(doc)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.True(t, policies[0].Actions.Block)
	assert.True(t, policies[1].Actions.Archive)
	assert.Equal(t, []entity.Type{entity.TypeProject}, policies[1].EntityTypes)

	_, err = ParsePolicies([]byte("policies: [{actions: {log: true}}]"))
	assert.Error(t, err, "unnamed policy rejected")
}

func TestTracker_ComplianceReport(t *testing.T) {
	tr := newTracker(t, WithPolicies(Policy{
		Name:       "block-security",
		EventTypes: []events.Type{events.TypeSecurityAlert},
		Actions:    Actions{Block: true},
	}))
	ctx := context.Background()
	ent := &entity.Entity{ID: "p1", Type: entity.TypeProject, Data: map[string]any{}}

	require.NoError(t, tr.LogChange(ctx, ent, events.TypeEntityCreated, "ana", nil))
	require.NoError(t, tr.LogChange(ctx, ent, events.TypeValidationFailed, "ana", nil))
	require.NoError(t, tr.LogChange(ctx, ent, events.TypeEntityDeleted, "ana", map[string]any{"reason": "erasure"}))
	require.NoError(t, tr.LogAccess(ctx, ent, "bob", true))
	assert.Error(t, tr.LogEvent(ctx, Event{EventType: events.TypeSecurityAlert, EntityKey: "project/p1"}))

	report := tr.Report(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))

	assert.Equal(t, 5, report.TotalEvents)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 1, report.Privacy.RestrictedAccess)
	assert.Equal(t, 1, report.Privacy.ErasureDeletions)
	assert.Equal(t, 1, report.AccessControl.AccessEvents)
	assert.Equal(t, 1, report.AccessControl.BlockedOperations)
	assert.Equal(t, 2, report.AccessControl.DistinctActors)

	dp := report.Regulations["data-protection"]
	assert.Equal(t, 1, dp.Violations, "security alert counts against data-protection")
	cc := report.Regulations["change-control"]
	assert.Equal(t, 1, cc.Warnings, "validation failure is a change-control warning")

	assert.NotEmpty(t, report.Recommendations)
}

func TestBadgerArchiver_RoundTrip(t *testing.T) {
	arch, err := NewBadgerArchiver(t.TempDir())
	require.NoError(t, err)
	defer arch.Close()

	ctx := context.Background()
	base := time.Now()
	batch := []Event{
		{ID: "e1", Timestamp: base, EventType: events.TypeEntityCreated, EntityKey: "project/p1"},
		{ID: "e2", Timestamp: base.Add(time.Second), EventType: events.TypeEntityDeleted, EntityKey: "project/p1"},
	}
	require.NoError(t, arch.Archive(ctx, batch))

	var replayed []Event
	require.NoError(t, arch.Replay(ctx, func(e Event) bool {
		replayed = append(replayed, e)
		return true
	}))
	require.Len(t, replayed, 2)
	assert.Equal(t, "e1", replayed[0].ID, "replay comes back in time order")
	assert.Equal(t, "e2", replayed[1].ID)
}

func TestTracker_ArchivePolicyRoutesToArchiver(t *testing.T) {
	var mu sync.Mutex
	var archived []Event
	fake := archiverFunc(func(ctx context.Context, batch []Event) error {
		mu.Lock()
		archived = append(archived, batch...)
		mu.Unlock()
		return nil
	})

	tr := newTracker(t,
		WithArchiver(fake),
		WithBatch(1, time.Hour),
		WithPolicies(Policy{
			Name:       "archive-deletes",
			EventTypes: []events.Type{events.TypeEntityDeleted},
			Actions:    Actions{Archive: true, Log: true},
		}))

	ctx := context.Background()
	require.NoError(t, tr.LogEvent(ctx, Event{EventType: events.TypeEntityDeleted, EntityKey: "project/p1"}))
	require.NoError(t, tr.LogEvent(ctx, Event{EventType: events.TypeEntityCreated, EntityKey: "project/p2"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, archived, 1, "only the policy-matched event is archived")
	assert.Equal(t, events.TypeEntityDeleted, archived[0].EventType)
}

// archiverFunc adapts a function to the Archiver interface.
type archiverFunc func(ctx context.Context, batch []Event) error

func (f archiverFunc) Archive(ctx context.Context, batch []Event) error { return f(ctx, batch) }
func (f archiverFunc) Close() error                                     { return nil }
