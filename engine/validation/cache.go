// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/syncline/engine/entity"
)

// cacheKey builds the schema-result cache key. UpdatedAt is part of the
// key, so any accepted write invalidates prior entries without explicit
// eviction.
func cacheKey(e *entity.Entity, op Operation) string {
	return fmt.Sprintf("%s|%s|%d|%s", e.Type, e.ID, e.Metadata.UpdatedAt.UnixNano(), op)
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// resultCache is a TTL cache for validation results.
//
// # Thread Safety
//
// Safe for concurrent use.
type resultCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
}

func newResultCache(ttl time.Duration, maxEntries int) *resultCache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &resultCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (c *resultCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return Result{}, false
	}
	return entry.result, true
}

func (c *resultCache) put(key string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictExpiredLocked()
		// Still full after pruning: drop the cache rather than grow
		// without bound. Keys churn with updatedAt anyway.
		if len(c.entries) >= c.maxEntries {
			c.entries = make(map[string]cacheEntry)
		}
	}

	c.entries[key] = cacheEntry{result: result, expires: time.Now().Add(c.ttl)}
}

func (c *resultCache) evictExpiredLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
