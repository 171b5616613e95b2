// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"github.com/AleutianAI/syncline/engine/audit"
	"github.com/AleutianAI/syncline/engine/conflict"
	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
	"github.com/AleutianAI/syncline/engine/txn"
	"github.com/AleutianAI/syncline/engine/validation"
	"github.com/AleutianAI/syncline/pkg/logging"
)

// EcosystemConfig is the full engine configuration surface.
type EcosystemConfig struct {
	// Store is the caller-owned entity graph. Nil gets an in-memory
	// store, which is what tests and the demo CLI use.
	Store entity.Store

	Validation validation.Options
	Thresholds Thresholds

	// ResolutionPolicies pick conflict strategies; empty means the
	// resolver follows each conflict's suggestion.
	ResolutionPolicies []conflict.PolicyRule
	// AuditPolicies gate audit actions.
	AuditPolicies []audit.Policy
	// Archiver backs the archive policy action; nil discards.
	Archiver audit.Archiver

	Logger *logging.Logger
}

// Ecosystem is the composition root: every engine component wired over
// one shared bus and store, no package-level singletons.
type Ecosystem struct {
	Bus          *events.Bus
	Store        entity.Store
	Validation   *validation.Engine
	Detector     *conflict.Detector
	Resolver     *conflict.Resolver
	Transactions *txn.Manager
	Audit        *audit.Tracker
	Monitor      *Monitor
	Logger       *logging.Logger

	closers []func() error
}

// AddCloser registers extra cleanup, run by Close after the engine
// components shut down. Used for caller-attached helpers like rule
// watchers.
func (e *Ecosystem) AddCloser(fn func() error) {
	e.closers = append(e.closers, fn)
}

// NewEcosystem wires the engine. Callers must Close it.
func NewEcosystem(cfg EcosystemConfig) *Ecosystem {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	slogger := logger.Slog()

	store := cfg.Store
	if store == nil {
		store = entity.NewMemoryStore()
	}

	bus := events.NewBus(events.WithLogger(slogger))

	if cfg.Validation == (validation.Options{}) {
		cfg.Validation = validation.DefaultOptions()
	}
	validator := validation.NewEngine(store, cfg.Validation,
		validation.WithBus(bus),
		validation.WithEngineLogger(slogger),
	)

	registry := validation.DefaultRegistry()
	detector := conflict.NewDetector(store, registry,
		conflict.WithDetectorBus(bus),
		conflict.WithDetectorLogger(slogger),
	)
	resolver := conflict.NewResolver(
		conflict.WithPolicies(cfg.ResolutionPolicies...),
		conflict.WithResolverBus(bus),
		conflict.WithResolverLogger(slogger),
	)

	manager := txn.NewManager(store,
		txn.WithValidator(validator),
		txn.WithConflictHandling(detector, resolver),
		txn.WithBus(bus),
		txn.WithLogger(slogger),
	)

	archiver := cfg.Archiver
	if archiver == nil {
		archiver = audit.NopArchiver{}
	}
	tracker := audit.NewTracker(
		audit.WithPolicies(cfg.AuditPolicies...),
		audit.WithArchiver(archiver),
		audit.WithBus(bus),
		audit.WithLogger(slogger),
	)
	tracker.Attach(bus)

	monOpts := []MonitorOption{WithLogger(slogger)}
	if cfg.Thresholds != (Thresholds{}) {
		monOpts = append(monOpts, WithThresholds(cfg.Thresholds))
	}
	mon := New(monOpts...)
	mon.Attach(bus)

	return &Ecosystem{
		Bus:          bus,
		Store:        store,
		Validation:   validator,
		Detector:     detector,
		Resolver:     resolver,
		Transactions: manager,
		Audit:        tracker,
		Monitor:      mon,
		Logger:       logger,
	}
}

// Close shuts the engine down in dependency order.
func (e *Ecosystem) Close() error {
	e.Transactions.Close()
	e.Audit.Close()
	var firstErr error
	for _, fn := range e.closers {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.Logger.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
