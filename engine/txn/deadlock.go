// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import "sync"

// waitGraph tracks which entity each blocked transaction is polling
// for. Combined with the lock table's holder sets it forms the
// wait-for graph the deadlock check walks.
type waitGraph struct {
	mu    sync.Mutex
	waits map[string]string // tx id -> entity key it is waiting on
}

func newWaitGraph() *waitGraph {
	return &waitGraph{waits: make(map[string]string)}
}

func (g *waitGraph) setWaiting(txID, key string) {
	g.mu.Lock()
	g.waits[txID] = key
	g.mu.Unlock()
}

func (g *waitGraph) clearWaiting(txID string) {
	g.mu.Lock()
	delete(g.waits, txID)
	g.mu.Unlock()
}

func (g *waitGraph) waitingOn(txID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.waits[txID]
	return key, ok
}

// wouldDeadlock runs a depth-first search from the transactions
// holding key back toward reqTx. A path back means the proposed wait
// edge reqTx->key closes a cycle; the returned slice alternates
// transaction ids and entity keys along that cycle.
func (g *waitGraph) wouldDeadlock(reqTx, key string, table *lockTable) ([]string, bool) {
	visited := map[string]bool{}
	path := []string{reqTx, key}

	var dfs func(holder string) ([]string, bool)
	dfs = func(holder string) ([]string, bool) {
		if holder == reqTx {
			return append(append([]string{}, path...), reqTx), true
		}
		if visited[holder] {
			return nil, false
		}
		visited[holder] = true

		next, waiting := g.waitingOn(holder)
		if !waiting {
			return nil, false
		}
		path = append(path, holder, next)
		defer func() { path = path[:len(path)-2] }()

		for _, h := range table.holders(next) {
			if cycle, found := dfs(h); found {
				return cycle, true
			}
		}
		return nil, false
	}

	for _, holder := range table.holders(key) {
		if holder == reqTx {
			continue
		}
		if cycle, found := dfs(holder); found {
			return cycle, true
		}
	}
	return nil, false
}
