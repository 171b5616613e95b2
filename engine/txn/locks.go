// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"sync"
	"time"
)

// LockMode is the strength of an entity lock.
type LockMode string

const (
	LockShared    LockMode = "shared"
	LockExclusive LockMode = "exclusive"
)

type lock struct {
	txID       string
	mode       LockMode
	acquiredAt time.Time
	expiresAt  time.Time
}

// lockTable is the only structure multiple transactions mutate. The
// Manager's acquire/release path is its sole writer.
type lockTable struct {
	mu    sync.Mutex
	locks map[string][]lock // entity key -> holders
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string][]lock)}
}

// tryAcquire grants the lock when every existing holder is compatible
// under the requester's isolation level. Re-acquisition by the holding
// transaction always succeeds (the stronger mode wins).
func (lt *lockTable) tryAcquire(key, txID string, mode LockMode, iso IsolationLevel, ttl time.Duration) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	now := time.Now()
	holders := lt.locks[key]

	for i, h := range holders {
		if h.txID == txID {
			if mode == LockExclusive && h.mode == LockShared {
				if !lt.compatibleLocked(holders, txID, mode, iso) {
					return false
				}
				holders[i].mode = LockExclusive
			}
			holders[i].expiresAt = now.Add(ttl)
			return true
		}
	}

	if !lt.compatibleLocked(holders, txID, mode, iso) {
		return false
	}
	lt.locks[key] = append(holders, lock{
		txID:       txID,
		mode:       mode,
		acquiredAt: now,
		expiresAt:  now.Add(ttl),
	})
	return true
}

// compatibleLocked applies the isolation-level compatibility table
// against every holder belonging to a different transaction.
func (lt *lockTable) compatibleLocked(holders []lock, txID string, mode LockMode, iso IsolationLevel) bool {
	if iso == ReadUncommitted {
		return true
	}
	for _, h := range holders {
		if h.txID == txID {
			continue
		}
		switch iso {
		case ReadCommitted:
			if mode == LockExclusive || h.mode == LockExclusive {
				return false
			}
		default: // RepeatableRead, Serializable
			return false
		}
	}
	return true
}

// release drops every lock the transaction holds.
func (lt *lockTable) release(txID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for key, holders := range lt.locks {
		kept := holders[:0]
		for _, h := range holders {
			if h.txID != txID {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(lt.locks, key)
		} else {
			lt.locks[key] = kept
		}
	}
}

// releaseExpired drops locks past their expiry and reports how many.
func (lt *lockTable) releaseExpired(now time.Time) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	dropped := 0
	for key, holders := range lt.locks {
		kept := holders[:0]
		for _, h := range holders {
			if h.expiresAt.After(now) {
				kept = append(kept, h)
			} else {
				dropped++
			}
		}
		if len(kept) == 0 {
			delete(lt.locks, key)
		} else {
			lt.locks[key] = kept
		}
	}
	return dropped
}

// holders lists the transactions currently holding any lock on key.
func (lt *lockTable) holders(key string) []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]string, 0, len(lt.locks[key]))
	for _, h := range lt.locks[key] {
		out = append(out, h.txID)
	}
	return out
}

// heldBy reports whether txID holds a lock on key.
func (lt *lockTable) heldBy(key, txID string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for _, h := range lt.locks[key] {
		if h.txID == txID {
			return true
		}
	}
	return false
}
