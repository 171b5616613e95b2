// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/syncline/engine/audit"
	"github.com/AleutianAI/syncline/engine/conflict"
	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
	"github.com/AleutianAI/syncline/engine/monitor"
	"github.com/AleutianAI/syncline/engine/txn"
)

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	type step struct {
		name string
		run  func(context.Context, *monitor.Ecosystem) error
	}
	all := []step{
		{"commit", scenarioCleanCommit},
		{"conflict", scenarioVersionConflict},
		{"locks", scenarioLockTimeout},
		{"audit", scenarioBlockingPolicy},
	}

	var selected []step
	for _, s := range all {
		if scenario == "all" || scenario == s.name {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		return fmt.Errorf("unknown scenario %q", scenario)
	}

	ctx := cmd.Context()
	for _, s := range selected {
		eco, err := buildEcosystem(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("--- scenario: %s\n", s.name)
		err = s.run(ctx, eco)
		cerr := eco.Close()
		if err != nil {
			return fmt.Errorf("scenario %s: %w", s.name, err)
		}
		if cerr != nil {
			return cerr
		}
		fmt.Printf("--- scenario %s: ok\n\n", s.name)
	}
	return nil
}

// scenarioCleanCommit creates a project in one transaction.
func scenarioCleanCommit(ctx context.Context, eco *monitor.Ecosystem) error {
	txID, err := eco.Transactions.Begin(ctx, txn.Options{Isolation: txn.ReadCommitted})
	if err != nil {
		return err
	}
	err = eco.Transactions.AddOperation(ctx, txID, txn.Operation{
		Kind: txn.OpCreate,
		Entity: &entity.Entity{
			ID:   "p1",
			Type: entity.TypeProject,
			Data: map[string]any{"title": "X", "status": "active"},
		},
	})
	if err != nil {
		return err
	}

	result := eco.Transactions.Commit(ctx, txID)
	fmt.Printf("commit: success=%v state=%s operations=%d\n",
		result.Success, result.State, result.OperationsCount)
	if !result.Success {
		return fmt.Errorf("clean commit failed: %s", result.Error.Message)
	}
	return nil
}

// scenarioVersionConflict commits a stale update that the resolver
// reconciles with latest_wins.
func scenarioVersionConflict(ctx context.Context, eco *monitor.Ecosystem) error {
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
	if err := eco.Store.Put(ctx, stored); err != nil {
		return err
	}
	eco.Resolver.SetPolicies(conflict.PolicyRule{Strategy: conflict.StrategyLatestWins})

	txID, err := eco.Transactions.Begin(ctx, txn.DefaultOptions())
	if err != nil {
		return err
	}
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
	err = eco.Transactions.AddOperation(ctx, txID, txn.Operation{
		Kind:          txn.OpUpdate,
		Entity:        proposed,
		PreviousState: proposed.Clone(),
	})
	if err != nil {
		return err
	}

	result := eco.Transactions.Commit(ctx, txID)
	if !result.Success {
		return fmt.Errorf("conflicted commit failed: %s", result.Error.Message)
	}

	final, err := eco.Store.Get(ctx, entity.TypeProject, "p1")
	if err != nil {
		return err
	}
	fmt.Printf("conflict: resolved title=%q version=%d\n",
		final.Data["title"], final.Metadata.Version)
	return nil
}

// scenarioLockTimeout shows a second transaction failing its lock wait
// while the holder stays healthy.
func scenarioLockTimeout(ctx context.Context, eco *monitor.Ecosystem) error {
	target := &entity.Entity{
		ID:   "p1",
		Type: entity.TypeProject,
		Data: map[string]any{"title": "X"},
	}

	t1, err := eco.Transactions.Begin(ctx, txn.Options{Isolation: txn.Serializable})
	if err != nil {
		return err
	}
	if err := eco.Transactions.AddOperation(ctx, t1, txn.Operation{Kind: txn.OpCreate, Entity: target}); err != nil {
		return err
	}

	t2, err := eco.Transactions.Begin(ctx, txn.Options{Isolation: txn.Serializable})
	if err != nil {
		return err
	}
	err = eco.Transactions.AddOperation(ctx, t2, txn.Operation{Kind: txn.OpCreate, Entity: target.Clone()})
	if !errors.Is(err, txn.ErrLockTimeout) {
		return fmt.Errorf("expected a lock timeout, got %v", err)
	}
	fmt.Printf("locks: second transaction timed out as expected: %v\n", err)

	result := eco.Transactions.Commit(ctx, t1)
	if !result.Success {
		return fmt.Errorf("holder commit failed: %s", result.Error.Message)
	}
	eco.Transactions.Rollback(ctx, t2, "lock timeout demo")
	return nil
}

// scenarioBlockingPolicy shows an audit policy aborting an operation.
func scenarioBlockingPolicy(ctx context.Context, eco *monitor.Ecosystem) error {
	eco.Audit.SetPolicies(audit.Policy{
		Name:       "block-security",
		EventTypes: []events.Type{events.TypeSecurityAlert},
		Actions:    audit.Actions{Block: true, Log: true},
	})

	err := eco.Audit.LogEvent(ctx, audit.Event{
		EventType: events.TypeSecurityAlert,
		EntityKey: "project/p1",
		Actor:     "mallory",
	})
	if !errors.Is(err, audit.ErrPolicyBlocked) {
		return fmt.Errorf("expected a policy block, got %v", err)
	}
	fmt.Printf("audit: %v\n", err)

	report := eco.Audit.Report(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	fmt.Printf("audit: report events=%d blocked=%d recommendations=%d\n",
		report.TotalEvents, report.AccessControl.BlockedOperations, len(report.Recommendations))
	return nil
}
