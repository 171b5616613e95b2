// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package txn sequences transactional mutations over an entity store:
// lock acquisition with deadlock detection, validation and conflict
// resolution at commit time, and strict-reverse-order rollback.
package txn

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLockTimeout means the wait ceiling elapsed while polling for
	// an incompatible lock to clear.
	ErrLockTimeout = errors.New("lock wait timed out")

	// ErrDeadlock means granting the wait would close a cycle in the
	// wait-for graph.
	ErrDeadlock = errors.New("deadlock detected")

	// ErrTxNotFound means the transaction id is unknown or swept.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxNotActive means the transaction is past the point where the
	// requested call is legal.
	ErrTxNotActive = errors.New("transaction not active")

	// ErrSavepointNotFound means the named savepoint was never created
	// or was discarded by an earlier rollback.
	ErrSavepointNotFound = errors.New("savepoint not found")
)

// LockError carries the contested entity and current holder alongside
// ErrLockTimeout.
type LockError struct {
	EntityKey string
	TxID      string
	Holder    string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("tx %s: lock wait on %s timed out (held by %s)",
		e.TxID, e.EntityKey, e.Holder)
}

func (e *LockError) Unwrap() error { return ErrLockTimeout }

// DeadlockError carries the wait-for cycle that the refused grant
// would have closed. Cycle alternates transaction ids and entity keys,
// starting and ending at the requesting transaction.
type DeadlockError struct {
	TxID  string
	Cycle []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("tx %s: deadlock: %s", e.TxID, strings.Join(e.Cycle, " -> "))
}

func (e *DeadlockError) Unwrap() error { return ErrDeadlock }
