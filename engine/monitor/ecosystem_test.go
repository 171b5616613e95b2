// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/syncline/engine/audit"
	"github.com/AleutianAI/syncline/engine/conflict"
	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
	"github.com/AleutianAI/syncline/engine/txn"
	"github.com/AleutianAI/syncline/pkg/logging"
)

func newEcosystem(t *testing.T, cfg EcosystemConfig) *Ecosystem {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	eco := NewEcosystem(cfg)
	t.Cleanup(func() { _ = eco.Close() })
	return eco
}

func TestEcosystem_CleanCommitEndToEnd(t *testing.T) {
	ctx := context.Background()
	eco := newEcosystem(t, EcosystemConfig{})

	txID, err := eco.Transactions.Begin(ctx, txn.Options{Isolation: txn.ReadCommitted})
	require.NoError(t, err)

	err = eco.Transactions.AddOperation(ctx, txID, txn.Operation{
		Kind: txn.OpCreate,
		Entity: &entity.Entity{
			ID:   "p1",
			Type: entity.TypeProject,
			Data: map[string]any{"title": "X", "status": "active"},
		},
	})
	require.NoError(t, err)

	result := eco.Transactions.Commit(ctx, txID)
	require.True(t, result.Success, "commit error: %+v", result.Error)

	stored, err := eco.Store.Get(ctx, entity.TypeProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Metadata.Version)

	// The audit tracker observed the lifecycle through the bus.
	assert.Eventually(t, func() bool {
		return len(eco.Audit.Trail("project/p1")) >= 1
	}, time.Second, 10*time.Millisecond)

	// The monitor counted the transaction.
	snap := eco.Monitor.Health()
	assert.Equal(t, int64(1), snap.Transactions.Started)
	assert.Equal(t, int64(1), snap.Transactions.Committed)
	assert.Equal(t, "healthy", snap.Status)
}

func TestEcosystem_VersionConflictResolvedThroughPolicy(t *testing.T) {
	ctx := context.Background()
	store := entity.NewMemoryStore()

	stored := &entity.Entity{
		ID:   "p1",
		Type: entity.TypeProject,
		Data: map[string]any{"title": "stored", "status": "active"},
		Metadata: entity.Metadata{
			Version:   2,
			CreatedAt: time.Now().Add(-time.Hour),
			UpdatedAt: time.Now(),
		},
	}
	require.NoError(t, store.Put(ctx, stored))

	eco := newEcosystem(t, EcosystemConfig{
		Store: store,
		ResolutionPolicies: []conflict.PolicyRule{
			{Strategy: conflict.StrategyLatestWins},
		},
	})

	txID, err := eco.Transactions.Begin(ctx, txn.DefaultOptions())
	require.NoError(t, err)

	proposed := &entity.Entity{
		ID:   "p1",
		Type: entity.TypeProject,
		Data: map[string]any{"title": "proposed", "status": "active"},
		Metadata: entity.Metadata{
			Version:   1,
			CreatedAt: time.Now().Add(-time.Hour),
			UpdatedAt: time.Now().Add(-30 * time.Minute),
		},
	}
	snapshot := proposed.Clone()
	require.NoError(t, eco.Transactions.AddOperation(ctx, txID, txn.Operation{
		Kind:          txn.OpUpdate,
		Entity:        proposed,
		PreviousState: snapshot,
	}))

	result := eco.Transactions.Commit(ctx, txID)
	require.True(t, result.Success, "commit error: %+v", result.Error)

	final, err := store.Get(ctx, entity.TypeProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, "stored", final.Data["title"])
	assert.Equal(t, int64(3), final.Metadata.Version)
}

func TestEcosystem_BlockingAuditPolicy(t *testing.T) {
	ctx := context.Background()
	eco := newEcosystem(t, EcosystemConfig{
		AuditPolicies: []audit.Policy{{
			Name:       "block-security",
			EventTypes: []events.Type{events.TypeSecurityAlert},
			Actions:    audit.Actions{Block: true, Log: true},
		}},
	})

	err := eco.Audit.LogEvent(ctx, audit.Event{
		EventType: events.TypeSecurityAlert,
		EntityKey: "project/p1",
		Actor:     "mallory",
	})
	assert.ErrorIs(t, err, audit.ErrPolicyBlocked)
}
