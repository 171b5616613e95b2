// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
)

// ErrValidationFailed is returned by Engine.Validate alongside a failed
// result so callers can branch with errors.Is.
var ErrValidationFailed = errors.New("validation failed")

// Options is the validation configuration surface.
type Options struct {
	// Enabled short-circuits the whole pipeline when false; Validate
	// returns a skipped result.
	Enabled bool

	// StrictMode fails a run that only produced warnings.
	StrictMode bool

	// MaxValidationTime is the wall-clock guard. Exceeding it adds a
	// warning to the result; it does not abort the run.
	MaxValidationTime time.Duration

	// Parallel runs the three sub-validators concurrently. Transform
	// actions still apply before structural checks either way.
	Parallel bool

	// CacheEnabled and CacheTTL control the schema result cache.
	CacheEnabled bool
	CacheTTL     time.Duration

	// MaxConcurrentValidations caps in-flight runs engine-wide.
	// Duplicate concurrent runs for the same entity coalesce before
	// counting against the cap.
	MaxConcurrentValidations int64

	// StopOnFirstError makes the sequential pipeline return after the
	// first failing stage. Ignored when Parallel is true.
	StopOnFirstError bool

	// CollectAllErrors keeps every finding; when false only the first
	// error is reported. MaxErrorsToCollect bounds the list either way.
	CollectAllErrors   bool
	MaxErrorsToCollect int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Enabled:                  true,
		MaxValidationTime:        5 * time.Second,
		Parallel:                 true,
		CacheEnabled:             true,
		CacheTTL:                 time.Minute,
		MaxConcurrentValidations: 8,
		CollectAllErrors:         true,
		MaxErrorsToCollect:       100,
	}
}

// Engine is the validation facade.
//
// # Description
//
// Runs the schema validator, business-rule validator, and integrity
// checker over a candidate entity and merges their findings. Business
// rules run first because their transform actions may rewrite payload
// fields the other stages then see. Duplicate concurrent validations of
// the same (entity, updatedAt, operation) coalesce onto one in-flight run.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	schema    *SchemaValidator
	rules     *RuleValidator
	integrity *IntegrityChecker

	opts   Options
	flight singleflight.Group
	sem    *semaphore.Weighted
	bus    *events.Bus
	logger *slog.Logger
	tracer trace.Tracer
}

// EngineOption configures the Engine beyond Options.
type EngineOption func(*Engine)

// WithBus wires lifecycle events (validation:started|completed|failed).
func WithBus(bus *events.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithEngineLogger sets the structured logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithRegistry overrides the default schema registry.
func WithRegistry(registry *Registry) EngineOption {
	return func(e *Engine) {
		cache := e.schema.cache
		e.schema = NewSchemaValidator(registry, cache)
		e.integrity = NewIntegrityChecker(e.integrity.store, registry, e.logger)
	}
}

// NewEngine builds the full pipeline over the caller's entity store.
func NewEngine(store entity.Store, opts Options, eopts ...EngineOption) *Engine {
	registry := DefaultRegistry()

	var cache *resultCache
	if opts.CacheEnabled {
		cache = newResultCache(opts.CacheTTL, 0)
	}

	concurrency := opts.MaxConcurrentValidations
	if concurrency <= 0 {
		concurrency = 8
	}

	logger := slog.Default()
	e := &Engine{
		schema:    NewSchemaValidator(registry, cache),
		rules:     NewRuleValidator(logger),
		integrity: NewIntegrityChecker(store, registry, logger),
		opts:      opts,
		sem:       semaphore.NewWeighted(concurrency),
		logger:    logger,
		tracer:    otel.Tracer("syncline/validation"),
	}
	for _, opt := range eopts {
		opt(e)
	}
	return e
}

// Rules exposes the rule validator for registration and hot reload.
func (e *Engine) Rules() *RuleValidator { return e.rules }

// Integrity exposes the integrity checker for custom check registration.
func (e *Engine) Integrity() *IntegrityChecker { return e.integrity }

// Validate runs the pipeline for one candidate entity.
//
// Outputs:
//
//	*Result - Merged findings; never nil on nil error.
//	error - ErrValidationFailed when the result blocks, or a context
//	        error. Warnings alone do not error outside strict mode.
func (e *Engine) Validate(ctx context.Context, ent *entity.Entity, req Request) (*Result, error) {
	if !e.opts.Enabled {
		return &Result{Status: StatusSkipped}, nil
	}

	key := cacheKey(ent, req.Operation)
	v, err, _ := e.flight.Do(key, func() (any, error) {
		return e.run(ctx, ent, req)
	})
	if err != nil {
		return nil, err
	}

	result := v.(*Result)
	if result.Failed() {
		return result, ErrValidationFailed
	}
	return result, nil
}

func (e *Engine) run(ctx context.Context, ent *entity.Entity, req Request) (*Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	ctx, span := e.tracer.Start(ctx, "validation.run",
		trace.WithAttributes(
			attribute.String("entity", ent.Key()),
			attribute.String("operation", string(req.Operation)),
		),
	)
	defer span.End()

	e.emit(ctx, events.TypeValidationStarted, ent, nil)
	start := time.Now()

	// Business rules first: transforms must land before structural and
	// integrity checks read the payload.
	merged := &Result{}
	ruleResult := e.rules.Validate(ctx, ent, req)
	merged.merge(ruleResult)

	stopEarly := !e.opts.Parallel && e.opts.StopOnFirstError && len(merged.Errors) > 0
	if !stopEarly {
		if e.opts.Parallel {
			var schemaResult, integrityResult *Result
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				schemaResult = e.schema.Validate(gctx, ent, req)
				return nil
			})
			g.Go(func() error {
				integrityResult = e.integrity.Validate(gctx, ent, req)
				return nil
			})
			_ = g.Wait() // stage funcs never error; findings land in results
			merged.merge(schemaResult)
			merged.merge(integrityResult)
		} else {
			schemaResult := e.schema.Validate(ctx, ent, req)
			merged.merge(schemaResult)
			if !(e.opts.StopOnFirstError && len(merged.Errors) > 0) {
				merged.merge(e.integrity.Validate(ctx, ent, req))
			}
		}
	}

	merged.Duration = time.Since(start)

	if e.opts.MaxValidationTime > 0 && merged.Duration > e.opts.MaxValidationTime {
		merged.addWarning(Issue{
			Code:    "VALIDATION_SLOW",
			Message: "validation exceeded the configured time budget",
		})
	}

	e.capErrors(merged)
	merged.finalize(e.opts.StrictMode)

	if merged.Failed() {
		span.SetAttributes(attribute.Int("errors", len(merged.Errors)))
		e.emit(ctx, events.TypeValidationFailed, ent, merged)
	} else {
		e.emit(ctx, events.TypeValidationCompleted, ent, merged)
	}
	return merged, nil
}

func (e *Engine) capErrors(result *Result) {
	limit := e.opts.MaxErrorsToCollect
	if !e.opts.CollectAllErrors {
		limit = 1
	}
	if limit > 0 && len(result.Errors) > limit {
		result.Errors = result.Errors[:limit]
	}
}

func (e *Engine) emit(ctx context.Context, t events.Type, ent *entity.Entity, result *Result) {
	if e.bus == nil {
		return
	}
	data := map[string]any{}
	if result != nil {
		data["errors"] = len(result.Errors)
		data["warnings"] = len(result.Warnings)
		data["duration_ms"] = result.Duration.Milliseconds()
	}
	e.bus.Emit(ctx, events.Event{
		Type:   t,
		Target: ent.Key(),
		Data:   data,
	})
}
