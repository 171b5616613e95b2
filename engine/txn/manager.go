// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/syncline/engine/conflict"
	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
	"github.com/AleutianAI/syncline/engine/validation"
)

// Manager owns the lock table, the wait-for graph, and every live
// transaction.
//
// # Description
//
// Callers Begin a transaction, AddOperation under entity locks, and
// Commit. Commit validates create/update operations, routes
// version-divergent updates through conflict detection and resolution,
// applies operations in insertion order, and releases locks. Any
// failure rolls back in strict reverse order before the structured
// Result surfaces.
//
// # Thread Safety
//
// Safe for concurrent use. The lock-acquire/release path is the sole
// writer of lock state; the store is only touched inside a held lock's
// scope.
type Manager struct {
	store     entity.Store
	validator *validation.Engine
	detector  *conflict.Detector
	resolver  *conflict.Resolver
	bus       *events.Bus
	logger    *slog.Logger
	tracer    trace.Tracer

	mu  sync.Mutex
	txs map[string]*Transaction

	locks *lockTable
	waits *waitGraph

	lockWait     time.Duration
	pollInterval time.Duration
	sweepEvery   time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithValidator runs the validation pipeline over create/update
// operations during commit.
func WithValidator(v *validation.Engine) ManagerOption {
	return func(m *Manager) { m.validator = v }
}

// WithConflictHandling routes version-divergent updates through
// detection and resolution during commit.
func WithConflictHandling(d *conflict.Detector, r *conflict.Resolver) ManagerOption {
	return func(m *Manager) {
		m.detector = d
		m.resolver = r
	}
}

// WithBus wires lifecycle and entity events.
func WithBus(bus *events.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithLockWait overrides the lock wait ceiling and poll interval.
func WithLockWait(ceiling, poll time.Duration) ManagerOption {
	return func(m *Manager) {
		if ceiling > 0 {
			m.lockWait = ceiling
		}
		if poll > 0 {
			m.pollInterval = poll
		}
	}
}

// WithSweepInterval overrides how often stale transactions and expired
// locks are purged.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// NewManager builds a manager over the caller's store and starts the
// background sweeper. Callers must Close it.
func NewManager(store entity.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		logger:       slog.Default(),
		tracer:       otel.Tracer("syncline/txn"),
		txs:          make(map[string]*Transaction),
		locks:        newLockTable(),
		waits:        newWaitGraph(),
		lockWait:     5 * time.Second,
		pollInterval: 25 * time.Millisecond,
		sweepEvery:   5 * time.Second,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweeper()
	return m
}

// Close stops the sweeper. Live transactions are left to their timers.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Begin opens a transaction and arms its timeout timer.
func (m *Manager) Begin(ctx context.Context, opts Options) (string, error) {
	opts = opts.withDefaults()
	tx := &Transaction{
		ID:         uuid.NewString(),
		State:      StateActive,
		Options:    opts,
		StartedAt:  time.Now(),
		savepoints: make(map[string]int),
	}
	tx.timer = time.AfterFunc(opts.Timeout, func() { m.expire(tx.ID) })

	m.mu.Lock()
	m.txs[tx.ID] = tx
	m.mu.Unlock()

	m.emit(ctx, events.TypeTransactionStarted, tx.ID, map[string]any{
		"isolation": string(opts.Isolation),
		"timeout":   opts.Timeout.String(),
	})
	return tx.ID, nil
}

// State reports a transaction's current lifecycle stage.
func (m *Manager) State(txID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return "", ErrTxNotFound
	}
	return tx.State, nil
}

// AddOperation queues one operation, locking the target entity first:
// shared for reads, exclusive for everything else. Incompatible locks
// are polled up to the wait ceiling; a wait that would close a cycle
// in the wait-for graph fails immediately with a DeadlockError.
func (m *Manager) AddOperation(ctx context.Context, txID string, op Operation) error {
	tx, err := m.activeTx(txID)
	if err != nil {
		return err
	}
	if op.Entity == nil {
		return fmt.Errorf("tx %s: operation has no entity", txID)
	}

	mode := LockExclusive
	if op.Kind == OpRead {
		mode = LockShared
	}
	key := op.Entity.Key()
	if err := m.acquire(ctx, tx, key, mode); err != nil {
		return err
	}

	if op.PreviousState == nil && (op.Kind == OpUpdate || op.Kind == OpDelete) {
		stored, err := m.store.Get(ctx, op.Entity.Type, op.Entity.ID)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return fmt.Errorf("tx %s: snapshot %s: %w", txID, key, err)
		}
		op.PreviousState = stored // nil when the entity does not exist yet
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.AddedAt = time.Now()

	m.mu.Lock()
	if tx.State != StateActive {
		m.mu.Unlock()
		// The transaction was aborted while the lock wait was in
		// flight; a lock granted under a terminated transaction must
		// not linger until TTL expiry.
		m.locks.release(tx.ID)
		return fmt.Errorf("tx %s: %w", txID, ErrTxNotActive)
	}
	tx.ops = append(tx.ops, op)
	m.mu.Unlock()
	return nil
}

// acquire polls the lock table until the lock is granted, the wait
// ceiling elapses, or the wait would deadlock.
func (m *Manager) acquire(ctx context.Context, tx *Transaction, key string, mode LockMode) error {
	ttl := tx.Options.Timeout
	deadline := time.Now().Add(m.lockWait)

	for {
		if m.locks.tryAcquire(key, tx.ID, mode, tx.Options.Isolation, ttl) {
			m.waits.clearWaiting(tx.ID)
			return nil
		}

		m.waits.setWaiting(tx.ID, key)
		if cycle, found := m.waits.wouldDeadlock(tx.ID, key, m.locks); found {
			m.waits.clearWaiting(tx.ID)
			return &DeadlockError{TxID: tx.ID, Cycle: cycle}
		}

		if time.Now().After(deadline) {
			m.waits.clearWaiting(tx.ID)
			holder := "unknown"
			if hs := m.locks.holders(key); len(hs) > 0 {
				holder = hs[0]
			}
			return &LockError{EntityKey: key, TxID: tx.ID, Holder: holder}
		}

		select {
		case <-ctx.Done():
			m.waits.clearWaiting(tx.ID)
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// Commit runs validation and conflict resolution, applies operations
// in order, and releases locks. Any failure rolls back first; the
// returned Result always reflects the final state.
func (m *Manager) Commit(ctx context.Context, txID string) Result {
	// The active-check and the StateCommitting transition share one
	// critical section so concurrent Commit calls for the same id
	// cannot both pass and apply the operation list twice.
	m.mu.Lock()
	tx, ok := m.txs[txID]
	if !ok {
		m.mu.Unlock()
		return failure(txID, StateAborted, 0, "TX_NOT_FOUND", ErrTxNotFound)
	}
	if tx.State != StateActive {
		state := tx.State
		n := len(tx.ops)
		m.mu.Unlock()
		return failure(txID, state, n, "TX_NOT_ACTIVE",
			fmt.Errorf("tx %s is %s: %w", txID, state, ErrTxNotActive))
	}
	tx.State = StateCommitting
	ops := make([]Operation, len(tx.ops))
	copy(ops, tx.ops)
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "txn.commit",
		trace.WithAttributes(attribute.String("tx.id", txID)))
	defer span.End()

	if err := m.validateOps(ctx, ops); err != nil {
		m.abort(ctx, tx, "validation failed: "+err.Error())
		return failure(txID, StateAborted, len(ops), "VALIDATION_FAILED", err)
	}

	if err := m.reconcileOps(ctx, ops); err != nil {
		m.abort(ctx, tx, "conflict resolution failed: "+err.Error())
		return failure(txID, StateAborted, len(ops), "CONFLICT_RESOLUTION_FAILED", err)
	}

	if err := m.applyOps(ctx, ops); err != nil {
		m.abort(ctx, tx, "apply failed: "+err.Error())
		return failure(txID, StateAborted, len(ops), "APPLY_FAILED", err)
	}

	m.mu.Lock()
	tx.State = StateCommitted
	tx.timer.Stop()
	m.mu.Unlock()
	m.locks.release(txID)

	m.emit(ctx, events.TypeTransactionCommitted, txID, map[string]any{
		"operations": len(ops),
	})
	return Result{Success: true, TxID: txID, State: StateCommitted, OperationsCount: len(ops)}
}

// validateOps runs the validation pipeline over create/update ops.
func (m *Manager) validateOps(ctx context.Context, ops []Operation) error {
	if m.validator == nil {
		return nil
	}
	for _, op := range ops {
		var vop validation.Operation
		switch op.Kind {
		case OpCreate:
			vop = validation.OpCreate
		case OpUpdate:
			vop = validation.OpUpdate
		default:
			continue
		}
		if _, err := m.validator.Validate(ctx, op.Entity, validation.Request{Operation: vop}); err != nil {
			return fmt.Errorf("%s %s: %w", op.Kind, op.Entity.Key(), err)
		}
	}
	return nil
}

// reconcileOps routes every update whose stored version diverges from
// the operation's snapshot through detection and resolution, then
// substitutes the resolved entity back into the operation.
func (m *Manager) reconcileOps(ctx context.Context, ops []Operation) error {
	for i := range ops {
		op := &ops[i]
		if op.Kind != OpUpdate || op.PreviousState == nil {
			continue
		}
		stored, err := m.store.Get(ctx, op.Entity.Type, op.Entity.ID)
		if err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				continue
			}
			return err
		}
		if stored.Metadata.Version == op.PreviousState.Metadata.Version {
			continue
		}
		if m.detector == nil || m.resolver == nil {
			return fmt.Errorf("%s: stored version %d diverged from snapshot %d and no resolver is wired",
				op.Entity.Key(), stored.Metadata.Version, op.PreviousState.Metadata.Version)
		}

		for _, c := range m.detector.Detect(ctx, op.Entity, stored) {
			result, err := m.resolver.Resolve(ctx, &c, "")
			if err != nil {
				return err
			}
			if !result.Applied {
				return fmt.Errorf("%s: conflict %s unresolved (%s): %s",
					op.Entity.Key(), c.ID, c.Type, result.Reason)
			}
			op.Entity = result.Entity
		}
	}
	return nil
}

// applyOps writes every operation in insertion order, reverting the
// applied prefix in reverse on failure.
func (m *Manager) applyOps(ctx context.Context, ops []Operation) error {
	applied := 0
	for i := range ops {
		if err := m.applyOne(ctx, &ops[i]); err != nil {
			m.revert(ctx, ops[:applied])
			return fmt.Errorf("%s %s: %w", ops[i].Kind, ops[i].Entity.Key(), err)
		}
		applied++
	}
	return nil
}

func (m *Manager) applyOne(ctx context.Context, op *Operation) error {
	switch op.Kind {
	case OpRead:
		// Reads exist for their shared lock; nothing to write.
		return nil

	case OpCreate:
		e := op.Entity.Clone()
		if e.Metadata.Version <= 0 {
			e.Metadata.Version = 1
		}
		now := time.Now()
		if e.Metadata.CreatedAt.IsZero() {
			e.Metadata.CreatedAt = now
		}
		e.Metadata.UpdatedAt = now
		if err := m.store.Put(ctx, e); err != nil {
			return err
		}
		m.emit(ctx, events.TypeEntityCreated, e.Key(), map[string]any{"version": e.Metadata.Version})
		return nil

	case OpUpdate:
		e := op.Entity.Clone()
		stored, err := m.store.Get(ctx, e.Type, e.ID)
		switch {
		case err == nil:
			// Writes never regress the stored version.
			e.Metadata.Version = stored.Metadata.Version + 1
		case errors.Is(err, entity.ErrNotFound):
			if e.Metadata.Version <= 0 {
				e.Metadata.Version = 1
			}
		default:
			return err
		}
		e.Metadata.UpdatedAt = time.Now()
		if err := m.store.Put(ctx, e); err != nil {
			return err
		}
		m.emit(ctx, events.TypeEntityUpdated, e.Key(), map[string]any{"version": e.Metadata.Version})
		return nil

	case OpDelete:
		if err := m.store.Delete(ctx, op.Entity.Type, op.Entity.ID); err != nil {
			return err
		}
		m.emit(ctx, events.TypeEntityDeleted, op.Entity.Key(), nil)
		return nil

	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// revert undoes an applied prefix in strict reverse order: creates are
// deleted, updates and deletes restore the captured previous state.
func (m *Manager) revert(ctx context.Context, applied []Operation) {
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		var err error
		switch {
		case op.Kind == OpRead:
			continue
		case op.Kind == OpCreate:
			err = m.store.Delete(ctx, op.Entity.Type, op.Entity.ID)
		case op.PreviousState != nil:
			err = m.store.Put(ctx, op.PreviousState)
		default:
			err = m.store.Delete(ctx, op.Entity.Type, op.Entity.ID)
		}
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			m.logger.Error("revert failed", "entity", op.Entity.Key(), "error", err)
		}
	}
}

// Rollback aborts a live transaction. Queued operations were never
// applied, so discarding them and releasing locks suffices.
func (m *Manager) Rollback(ctx context.Context, txID, reason string) Result {
	m.mu.Lock()
	tx, ok := m.txs[txID]
	if !ok {
		m.mu.Unlock()
		return failure(txID, StateAborted, 0, "TX_NOT_FOUND", ErrTxNotFound)
	}
	if tx.terminal() {
		state := tx.State
		n := len(tx.ops)
		m.mu.Unlock()
		return failure(txID, state, n, "TX_NOT_ACTIVE", ErrTxNotActive)
	}
	n := len(tx.ops)
	m.mu.Unlock()

	m.abort(ctx, tx, reason)
	return Result{Success: true, TxID: txID, State: StateAborted, OperationsCount: n}
}

func (m *Manager) abort(ctx context.Context, tx *Transaction, reason string) {
	m.mu.Lock()
	tx.State = StateAborting
	tx.reason = reason
	tx.timer.Stop()
	tx.State = StateAborted
	m.mu.Unlock()

	m.waits.clearWaiting(tx.ID)
	m.locks.release(tx.ID)
	m.emit(ctx, events.TypeTransactionAborted, tx.ID, map[string]any{"reason": reason})
}

// CreateSavepoint snapshots the current operation list under a name.
func (m *Manager) CreateSavepoint(txID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if tx.State != StateActive {
		return fmt.Errorf("tx %s: %w", txID, ErrTxNotActive)
	}
	tx.savepoints[name] = len(tx.ops)
	return nil
}

// RollbackToSavepoint discards operations added after the named
// snapshot and drops savepoints created since.
func (m *Manager) RollbackToSavepoint(txID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTxNotFound
	}
	if tx.State != StateActive {
		return fmt.Errorf("tx %s: %w", txID, ErrTxNotActive)
	}
	count, ok := tx.savepoints[name]
	if !ok {
		return fmt.Errorf("tx %s: %q: %w", txID, name, ErrSavepointNotFound)
	}
	tx.ops = tx.ops[:count]
	for n, c := range tx.savepoints {
		if c > count {
			delete(tx.savepoints, n)
		}
	}
	return nil
}

func (m *Manager) activeTx(txID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	if tx.State != StateActive {
		return nil, fmt.Errorf("tx %s is %s: %w", txID, tx.State, ErrTxNotActive)
	}
	return tx, nil
}

// expire force-rolls-back a transaction whose wall-clock budget ran
// out.
func (m *Manager) expire(txID string) {
	m.mu.Lock()
	tx, ok := m.txs[txID]
	if !ok || tx.terminal() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Warn("transaction timed out, rolling back", "tx", txID)
	m.abort(context.Background(), tx, "transaction timed out")
}

// sweeper periodically purges transactions older than twice their
// timeout and releases expired locks.
func (m *Manager) sweeper() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var stale []*Transaction
	for id, tx := range m.txs {
		if tx.age(now) > 2*tx.Options.Timeout {
			if tx.terminal() {
				delete(m.txs, id)
			} else {
				stale = append(stale, tx)
			}
		}
	}
	m.mu.Unlock()

	for _, tx := range stale {
		m.abort(context.Background(), tx, "swept: exceeded twice the transaction timeout")
		m.mu.Lock()
		delete(m.txs, tx.ID)
		m.mu.Unlock()
	}
	if dropped := m.locks.releaseExpired(now); dropped > 0 {
		m.logger.Debug("released expired locks", "count", dropped)
	}
}

func (m *Manager) emit(ctx context.Context, t events.Type, target string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(ctx, events.Event{Type: t, Target: target, Data: data})
}
