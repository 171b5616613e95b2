// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"time"

	"github.com/AleutianAI/syncline/engine/entity"
)

// State is a transaction's lifecycle stage.
type State string

const (
	StatePending    State = "pending"
	StateActive     State = "active"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateAborting   State = "aborting"
	StateAborted    State = "aborted"
)

// IsolationLevel governs lock compatibility between transactions.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "read_uncommitted"
	ReadCommitted   IsolationLevel = "read_committed"
	RepeatableRead  IsolationLevel = "repeatable_read"
	Serializable    IsolationLevel = "serializable"
)

// OpKind is what a single operation does to its entity. Reads take a
// shared lock and write nothing; every other kind locks exclusively.
type OpKind string

const (
	OpRead   OpKind = "read"
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one queued operation. PreviousState is captured at
// add-operation time for update/delete so rollback can restore it; the
// manager fills it from the store when the caller leaves it nil.
type Operation struct {
	ID            string
	Kind          OpKind
	Entity        *entity.Entity
	PreviousState *entity.Entity
	AddedAt       time.Time
}

// Options configures one transaction.
type Options struct {
	Isolation  IsolationLevel
	Timeout    time.Duration
	RetryCount int
}

// DefaultOptions is the production default: read_committed with a 30s
// wall-clock budget.
func DefaultOptions() Options {
	return Options{
		Isolation:  ReadCommitted,
		Timeout:    30 * time.Second,
		RetryCount: 3,
	}
}

func (o Options) withDefaults() Options {
	if o.Isolation == "" {
		o.Isolation = ReadCommitted
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// Transaction is the manager-owned record of one unit of work. All
// mutation goes through the Manager; callers hold only the id.
type Transaction struct {
	ID        string
	State     State
	Options   Options
	StartedAt time.Time

	ops        []Operation
	savepoints map[string]int // name -> operation count at snapshot
	timer      *time.Timer
	reason     string
}

// OperationCount reports how many operations are queued.
func (t *Transaction) OperationCount() int { return len(t.ops) }

func (t *Transaction) age(now time.Time) time.Duration {
	return now.Sub(t.StartedAt)
}

func (t *Transaction) terminal() bool {
	return t.State == StateCommitted || t.State == StateAborted
}

// ResultError is the structured failure surfaced in a Result.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the structured outcome of Commit or Rollback.
type Result struct {
	Success         bool         `json:"success"`
	TxID            string       `json:"txId"`
	State           State        `json:"state"`
	OperationsCount int          `json:"operationsCount"`
	Error           *ResultError `json:"error,omitempty"`
}

func failure(txID string, state State, ops int, code string, err error) Result {
	return Result{
		TxID:            txID,
		State:           state,
		OperationsCount: ops,
		Error:           &ResultError{Code: code, Message: err.Error()},
	}
}
