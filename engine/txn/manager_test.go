// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/syncline/engine/conflict"
	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
	"github.com/AleutianAI/syncline/engine/validation"
)

func project(id string, version int64, data map[string]any) *entity.Entity {
	if data == nil {
		data = map[string]any{"title": "X"}
	}
	now := time.Now()
	return &entity.Entity{
		ID:   id,
		Type: entity.TypeProject,
		Data: data,
		Metadata: entity.Metadata{
			Version:   version,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Status: entity.StatusActive,
	}
}

func newManager(t *testing.T, store entity.Store, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(store, opts...)
	t.Cleanup(m.Close)
	return m
}

func TestManager_CleanCommit(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	m := newManager(t, store)

	txID, err := m.Begin(ctx, Options{Isolation: ReadCommitted})
	require.NoError(t, err)

	err = m.AddOperation(ctx, txID, Operation{
		Kind:   OpCreate,
		Entity: project("p1", 0, map[string]any{"title": "X", "status": "active"}),
	})
	require.NoError(t, err)

	result := m.Commit(ctx, txID)
	assert.True(t, result.Success)
	assert.Equal(t, StateCommitted, result.State)
	assert.Equal(t, 1, result.OperationsCount)

	stored, err := store.Get(ctx, entity.TypeProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Metadata.Version)
	assert.Equal(t, "X", stored.Data["title"])
}

func TestManager_VersionConflictAutoResolved(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()

	// Stored p1 is at version 2, touched most recently.
	stored := project("p1", 2, map[string]any{"title": "stored"})
	stored.Metadata.UpdatedAt = time.Now()
	require.NoError(t, store.Put(ctx, stored))

	detector := conflict.NewDetector(store, validation.DefaultRegistry())
	resolver := conflict.NewResolver(conflict.WithPolicies(
		conflict.PolicyRule{Strategy: conflict.StrategyLatestWins},
	))
	m := newManager(t, store, WithConflictHandling(detector, resolver))

	txID, err := m.Begin(ctx, DefaultOptions())
	require.NoError(t, err)

	// The operation's snapshot is stale: version 1.
	proposed := project("p1", 1, map[string]any{"title": "proposed"})
	proposed.Metadata.UpdatedAt = time.Now().Add(-time.Hour)
	err = m.AddOperation(ctx, txID, Operation{
		Kind:          OpUpdate,
		Entity:        proposed,
		PreviousState: project("p1", 1, nil),
	})
	require.NoError(t, err)

	result := m.Commit(ctx, txID)
	require.True(t, result.Success, "commit error: %+v", result.Error)

	final, err := store.Get(ctx, entity.TypeProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, "stored", final.Data["title"], "latest_wins keeps the newer side")
	assert.Equal(t, int64(3), final.Metadata.Version, "version never regresses")
}

func TestManager_LockTimeout(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	m := newManager(t, store, WithLockWait(120*time.Millisecond, 10*time.Millisecond))

	t1, err := m.Begin(ctx, Options{Isolation: Serializable})
	require.NoError(t, err)
	require.NoError(t, m.AddOperation(ctx, t1, Operation{Kind: OpUpdate, Entity: project("p1", 1, nil)}))

	t2, err := m.Begin(ctx, Options{Isolation: Serializable})
	require.NoError(t, err)
	err = m.AddOperation(ctx, t2, Operation{Kind: OpUpdate, Entity: project("p1", 1, nil)})

	require.ErrorIs(t, err, ErrLockTimeout)
	var le *LockError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "project/p1", le.EntityKey)
	assert.Equal(t, t1, le.Holder)

	// The holder is unaffected.
	state, err := m.State(t1)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
}

func TestManager_SharedReadLocks(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	require.NoError(t, store.Put(ctx, project("p1", 1, nil)))

	m := newManager(t, store, WithLockWait(150*time.Millisecond, 10*time.Millisecond))

	t1, err := m.Begin(ctx, Options{Isolation: ReadCommitted})
	require.NoError(t, err)
	t2, err := m.Begin(ctx, Options{Isolation: ReadCommitted})
	require.NoError(t, err)

	// Shared locks coexist: the second reader must not poll out the
	// wait ceiling.
	require.NoError(t, m.AddOperation(ctx, t1, Operation{Kind: OpRead, Entity: project("p1", 1, nil)}))
	start := time.Now()
	require.NoError(t, m.AddOperation(ctx, t2, Operation{Kind: OpRead, Entity: project("p1", 1, nil)}))
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"read_committed readers must share, not queue")

	// A writer cannot join while readers hold the entity.
	t3, err := m.Begin(ctx, Options{Isolation: ReadCommitted})
	require.NoError(t, err)
	err = m.AddOperation(ctx, t3, Operation{Kind: OpUpdate, Entity: project("p1", 1, nil)})
	require.ErrorIs(t, err, ErrLockTimeout)

	// Read-only commits succeed and write nothing.
	result := m.Commit(ctx, t1)
	require.True(t, result.Success)
	assert.Equal(t, 1, result.OperationsCount)
	require.True(t, m.Commit(ctx, t2).Success)

	final, err := store.Get(ctx, entity.TypeProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), final.Metadata.Version, "reads never bump the version")
}

func TestManager_ConcurrentCommitAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	require.NoError(t, store.Put(ctx, project("p1", 1, map[string]any{"title": "base"})))

	m := newManager(t, store)

	txID, err := m.Begin(ctx, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, m.AddOperation(ctx, txID, Operation{
		Kind:   OpUpdate,
		Entity: project("p1", 1, map[string]any{"title": "bumped"}),
	}))

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = m.Commit(ctx, txID)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r.Success {
			successes++
		}
	}
	require.Equal(t, 1, successes, "exactly one of two racing commits may win")

	final, err := store.Get(ctx, entity.TypeProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), final.Metadata.Version, "the operation list applies once")
}

func TestManager_AbortDuringLockWaitReleasesLock(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	m := newManager(t, store, WithLockWait(2*time.Second, 10*time.Millisecond))

	holder, err := m.Begin(ctx, Options{Isolation: Serializable})
	require.NoError(t, err)
	require.NoError(t, m.AddOperation(ctx, holder, Operation{Kind: OpUpdate, Entity: project("p1", 1, nil)}))

	// The waiter's wall clock runs out while it polls for the lock.
	waiter, err := m.Begin(ctx, Options{Isolation: Serializable, Timeout: 60 * time.Millisecond})
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- m.AddOperation(ctx, waiter, Operation{Kind: OpUpdate, Entity: project("p1", 1, nil)})
	}()

	assert.Eventually(t, func() bool {
		state, err := m.State(waiter)
		return err == nil && state == StateAborted
	}, time.Second, 10*time.Millisecond)

	// Releasing the holder hands the lock to the already-dead waiter.
	m.Rollback(ctx, holder, "handover")
	require.ErrorIs(t, <-waitErr, ErrTxNotActive)

	// The stray grant must be gone: a fresh transaction locks the
	// entity immediately instead of waiting for TTL expiry or a sweep.
	t3, err := m.Begin(ctx, Options{Isolation: Serializable})
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, m.AddOperation(ctx, t3, Operation{Kind: OpUpdate, Entity: project("p1", 1, nil)}))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestManager_DeadlockFailsFast(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	m := newManager(t, store, WithLockWait(2*time.Second, 10*time.Millisecond))

	t1, err := m.Begin(ctx, Options{Isolation: Serializable})
	require.NoError(t, err)
	t2, err := m.Begin(ctx, Options{Isolation: Serializable})
	require.NoError(t, err)

	require.NoError(t, m.AddOperation(ctx, t1, Operation{Kind: OpUpdate, Entity: project("a", 1, nil)}))
	require.NoError(t, m.AddOperation(ctx, t2, Operation{Kind: OpUpdate, Entity: project("b", 1, nil)}))

	// t1 blocks polling for b.
	t1err := make(chan error, 1)
	go func() {
		t1err <- m.AddOperation(ctx, t1, Operation{Kind: OpUpdate, Entity: project("b", 1, nil)})
	}()
	time.Sleep(60 * time.Millisecond) // let the wait edge register

	// t2 asking for a would close the cycle: fails immediately.
	start := time.Now()
	err = m.AddOperation(ctx, t2, Operation{Kind: OpUpdate, Entity: project("a", 1, nil)})
	require.ErrorIs(t, err, ErrDeadlock)
	assert.Less(t, time.Since(start), time.Second, "deadlock must fail fast, not hang")

	var de *DeadlockError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Cycle, t1)
	assert.Contains(t, de.Cycle, t2)

	// Releasing t2 unblocks t1.
	m.Rollback(ctx, t2, "deadlock victim")
	require.NoError(t, <-t1err)
}

func TestManager_SerializedCommittersStayMonotonic(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	require.NoError(t, store.Put(ctx, project("p1", 1, map[string]any{"title": "base"})))

	m := newManager(t, store, WithLockWait(3*time.Second, 10*time.Millisecond))

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			txID, err := m.Begin(ctx, Options{Isolation: ReadCommitted})
			if err != nil {
				return
			}
			if err := m.AddOperation(ctx, txID, Operation{
				Kind:   OpUpdate,
				Entity: project("p1", 1, map[string]any{"title": "base"}),
			}); err != nil {
				return
			}
			results[slot] = m.Commit(ctx, txID)
		}(i)
	}
	wg.Wait()

	require.True(t, results[0].Success)
	require.True(t, results[1].Success)

	final, err := store.Get(ctx, entity.TypeProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), final.Metadata.Version,
		"two serialized commits bump 1 -> 2 -> 3")
}

func TestManager_ValidationFailureAborts(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	m := newManager(t, store,
		WithValidator(validation.NewEngine(store, validation.DefaultOptions())))

	txID, err := m.Begin(ctx, DefaultOptions())
	require.NoError(t, err)

	// Missing required title.
	require.NoError(t, m.AddOperation(ctx, txID, Operation{
		Kind:   OpCreate,
		Entity: project("p1", 0, map[string]any{"status": "active"}),
	}))

	result := m.Commit(ctx, txID)
	assert.False(t, result.Success)
	assert.Equal(t, StateAborted, result.State)
	require.NotNil(t, result.Error)
	assert.Equal(t, "VALIDATION_FAILED", result.Error.Code)

	_, err = store.Get(ctx, entity.TypeProject, "p1")
	assert.ErrorIs(t, err, entity.ErrNotFound, "nothing may be applied")
}

func TestManager_MidApplyFailureRevertsInReverse(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	m := newManager(t, store)

	txID, err := m.Begin(ctx, DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, m.AddOperation(ctx, txID, Operation{
		Kind:   OpCreate,
		Entity: project("p1", 0, nil),
	}))
	// Deleting an entity that does not exist fails during apply.
	require.NoError(t, m.AddOperation(ctx, txID, Operation{
		Kind:   OpDelete,
		Entity: project("ghost", 1, nil),
	}))

	result := m.Commit(ctx, txID)
	assert.False(t, result.Success)
	assert.Equal(t, "APPLY_FAILED", result.Error.Code)

	_, err = store.Get(ctx, entity.TypeProject, "p1")
	assert.ErrorIs(t, err, entity.ErrNotFound,
		"the applied create must be reverted")
}

func TestManager_RollbackDiscardsAndReleases(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	m := newManager(t, store, WithLockWait(time.Second, 10*time.Millisecond))

	txID, err := m.Begin(ctx, Options{Isolation: Serializable})
	require.NoError(t, err)
	require.NoError(t, m.AddOperation(ctx, txID, Operation{Kind: OpCreate, Entity: project("p1", 0, nil)}))

	result := m.Rollback(ctx, txID, "caller changed its mind")
	assert.True(t, result.Success)
	assert.Equal(t, StateAborted, result.State)

	_, err = store.Get(ctx, entity.TypeProject, "p1")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	// The lock is free for the next transaction.
	t2, err := m.Begin(ctx, Options{Isolation: Serializable})
	require.NoError(t, err)
	assert.NoError(t, m.AddOperation(ctx, t2, Operation{Kind: OpCreate, Entity: project("p1", 0, nil)}))
}

func TestManager_Savepoints(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()
	m := newManager(t, store)

	txID, err := m.Begin(ctx, DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, m.AddOperation(ctx, txID, Operation{Kind: OpCreate, Entity: project("p1", 0, nil)}))
	require.NoError(t, m.CreateSavepoint(txID, "after-first"))
	require.NoError(t, m.AddOperation(ctx, txID, Operation{Kind: OpCreate, Entity: project("p2", 0, nil)}))
	require.NoError(t, m.AddOperation(ctx, txID, Operation{Kind: OpCreate, Entity: project("p3", 0, nil)}))

	require.NoError(t, m.RollbackToSavepoint(txID, "after-first"))
	assert.ErrorIs(t, m.RollbackToSavepoint(txID, "missing"), ErrSavepointNotFound)

	result := m.Commit(ctx, txID)
	require.True(t, result.Success)
	assert.Equal(t, 1, result.OperationsCount)

	_, err = store.Get(ctx, entity.TypeProject, "p2")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestManager_TimeoutForcesRollback(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, entity.NewMemoryStore())

	txID, err := m.Begin(ctx, Options{Timeout: 40 * time.Millisecond})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		state, err := m.State(txID)
		return err == nil && state == StateAborted
	}, time.Second, 20*time.Millisecond)

	err = m.AddOperation(ctx, txID, Operation{Kind: OpCreate, Entity: project("p1", 0, nil)})
	assert.ErrorIs(t, err, ErrTxNotActive)
}

func TestManager_SweepPurgesStaleTransactions(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, entity.NewMemoryStore(), WithSweepInterval(20*time.Millisecond))

	txID, err := m.Begin(ctx, Options{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := m.State(txID)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond, "stale transaction must be purged")
}

func TestManager_EmitsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()

	var mu sync.Mutex
	seen := map[events.Type]int{}
	for _, et := range []events.Type{
		events.TypeTransactionStarted,
		events.TypeTransactionCommitted,
		events.TypeTransactionAborted,
		events.TypeEntityCreated,
	} {
		et := et
		bus.Subscribe(et, func(e *events.Event) error {
			mu.Lock()
			seen[e.Type]++
			mu.Unlock()
			return nil
		}, 0)
	}

	m := newManager(t, entity.NewMemoryStore(), WithBus(bus))

	txID, _ := m.Begin(ctx, DefaultOptions())
	require.NoError(t, m.AddOperation(ctx, txID, Operation{Kind: OpCreate, Entity: project("p1", 0, nil)}))
	require.True(t, m.Commit(ctx, txID).Success)

	t2, _ := m.Begin(ctx, DefaultOptions())
	m.Rollback(ctx, t2, "test")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen[events.TypeTransactionStarted])
	assert.Equal(t, 1, seen[events.TypeTransactionCommitted])
	assert.Equal(t, 1, seen[events.TypeTransactionAborted])
	assert.Equal(t, 1, seen[events.TypeEntityCreated])
}
