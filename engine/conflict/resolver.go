// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/syncline/engine/entity"
	"github.com/AleutianAI/syncline/engine/events"
)

// ErrResolutionFailed marks a resolution that exhausted its retry
// budget.
var ErrResolutionFailed = errors.New("conflict resolution failed")

// ErrStrategyUnknown marks a strategy the resolver cannot execute.
var ErrStrategyUnknown = errors.New("unknown resolution strategy")

// ResolutionError wraps the terminal failure of a resolution attempt
// series, carrying the last analysis for the caller.
type ResolutionError struct {
	ConflictID string
	Attempts   int
	Analysis   Analysis
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution of conflict %s failed after %d attempt(s): %v",
		e.ConflictID, e.Attempts, e.Err)
}

func (e *ResolutionError) Unwrap() error { return ErrResolutionFailed }

// PolicyRule selects a strategy for conflicts matching its predicates.
// An empty EntityType or ConflictType matches anything; rules are
// evaluated in registration order, first match wins.
type PolicyRule struct {
	EntityType   entity.Type `yaml:"entityType"`
	ConflictType Type        `yaml:"conflictType"`
	Strategy     Strategy    `yaml:"strategy"`
}

func (p PolicyRule) matches(c *Conflict) bool {
	if p.EntityType != "" && (c.Source == nil || c.Source.Type != p.EntityType) {
		return false
	}
	if p.ConflictType != "" && c.Type != p.ConflictType {
		return false
	}
	return true
}

// Recommendation is one ranked strategy suggestion.
type Recommendation struct {
	Strategy   Strategy `json:"strategy"`
	Confidence float64  `json:"confidence"`
}

// Analysis accompanies every resolution result.
type Analysis struct {
	Impact           string           `json:"impact"`
	Recommendations  []Recommendation `json:"recommendations"`
	Recurring        bool             `json:"recurring"`
	PriorResolutions int              `json:"priorResolutions"`
}

// Result reports the outcome of one resolution.
//
// Applied is true when Entity holds a reconciled entity the caller
// should persist. manual/defer/reject outcomes leave Applied false and
// explain themselves in Reason.
type Result struct {
	ConflictID string         `json:"conflictId"`
	Strategy   Strategy       `json:"strategy"`
	Entity     *entity.Entity `json:"entity,omitempty"`
	Applied    bool           `json:"applied"`
	Reason     string         `json:"reason,omitempty"`
	Attempts   int            `json:"attempts"`
	Analysis   Analysis       `json:"analysis"`
	Duration   time.Duration  `json:"duration"`
}

// CustomResolver reconciles a conflict with caller-supplied logic.
type CustomResolver func(ctx context.Context, c *Conflict) (*entity.Entity, error)

// Resolver applies resolution strategies to detected conflicts.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent resolutions of the same conflict
// id coalesce onto one in-flight run.
type Resolver struct {
	policies []PolicyRule
	custom   CustomResolver
	merge    MergeOptions

	maxAttempts int
	retryBase   time.Duration

	mu      sync.Mutex
	history map[string]int // entity key -> resolutions seen

	flight singleflight.Group
	bus    *events.Bus
	logger *slog.Logger
	tracer trace.Tracer
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPolicies installs strategy-selection rules, evaluated in order.
func WithPolicies(rules ...PolicyRule) ResolverOption {
	return func(r *Resolver) { r.policies = append(r.policies, rules...) }
}

// WithCustomResolver enables the custom strategy.
func WithCustomResolver(fn CustomResolver) ResolverOption {
	return func(r *Resolver) { r.custom = fn }
}

// WithMergeOptions tunes the merge strategy.
func WithMergeOptions(opts MergeOptions) ResolverOption {
	return func(r *Resolver) { r.merge = opts }
}

// WithResolverBus emits conflict:resolved on applied resolutions.
func WithResolverBus(bus *events.Bus) ResolverOption {
	return func(r *Resolver) { r.bus = bus }
}

// WithResolverLogger sets the structured logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithRetry overrides the attempt budget and backoff base.
func WithRetry(attempts int, base time.Duration) ResolverOption {
	return func(r *Resolver) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
		if base > 0 {
			r.retryBase = base
		}
	}
}

// NewResolver builds a resolver with the default 3-attempt budget.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		maxAttempts: 3,
		retryBase:   100 * time.Millisecond,
		history:     make(map[string]int),
		logger:      slog.Default(),
		tracer:      otel.Tracer("syncline/conflict"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve reconciles one conflict. An empty strategy lets policy rules
// pick, falling back to the conflict's suggestion and finally manual.
func (r *Resolver) Resolve(ctx context.Context, c *Conflict, strategy Strategy) (*Result, error) {
	v, err, _ := r.flight.Do(c.ID, func() (any, error) {
		return r.run(ctx, c, r.selectStrategy(c, strategy))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// SetPolicies replaces the strategy-selection rules at runtime.
func (r *Resolver) SetPolicies(rules ...PolicyRule) {
	r.mu.Lock()
	r.policies = append([]PolicyRule(nil), rules...)
	r.mu.Unlock()
}

func (r *Resolver) selectStrategy(c *Conflict, override Strategy) Strategy {
	if override != "" {
		return override
	}
	r.mu.Lock()
	rules := r.policies
	r.mu.Unlock()
	for _, rule := range rules {
		if rule.matches(c) {
			return rule.Strategy
		}
	}
	if c.SuggestedStrategy != "" {
		return c.SuggestedStrategy
	}
	return StrategyManual
}

func (r *Resolver) run(ctx context.Context, c *Conflict, strategy Strategy) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "conflict.resolve",
		trace.WithAttributes(
			attribute.String("conflict.id", c.ID),
			attribute.String("strategy", string(strategy)),
		),
	)
	defer span.End()

	start := time.Now()
	analysis := r.analyze(c)

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resolved, applied, reason, err := r.apply(ctx, c, strategy)
		if err == nil {
			result := &Result{
				ConflictID: c.ID,
				Strategy:   strategy,
				Entity:     resolved,
				Applied:    applied,
				Reason:     reason,
				Attempts:   attempt,
				Analysis:   analysis,
				Duration:   time.Since(start),
			}
			r.record(c)
			if applied {
				r.announce(ctx, c, strategy)
			}
			return result, nil
		}

		lastErr = err
		if !retryable(err) || attempt == r.maxAttempts {
			break
		}
		delay := r.retryBase << (attempt - 1)
		r.logger.Warn("resolution attempt failed, retrying",
			"conflict", c.ID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	span.RecordError(lastErr)
	return nil, &ResolutionError{
		ConflictID: c.ID,
		Attempts:   r.maxAttempts,
		Analysis:   analysis,
		Err:        lastErr,
	}
}

func (r *Resolver) apply(ctx context.Context, c *Conflict, strategy Strategy) (*entity.Entity, bool, string, error) {
	switch strategy {
	case StrategySourceWins:
		return c.Source.Clone(), true, "", nil

	case StrategyTargetWins:
		if c.Target == nil {
			return nil, false, "", fmt.Errorf("target_wins: conflict %s has no target", c.ID)
		}
		return c.Target.Clone(), true, "", nil

	case StrategyLatestWins:
		if c.Target == nil {
			return c.Source.Clone(), true, "", nil
		}
		if c.Target.Metadata.UpdatedAt.After(c.Source.Metadata.UpdatedAt) {
			return c.Target.Clone(), true, "", nil
		}
		return c.Source.Clone(), true, "", nil

	case StrategyMerge:
		if c.Target == nil {
			return c.Source.Clone(), true, "", nil
		}
		merged := c.Target.Clone()
		merged.Data = Merge(c.Source.Data, c.Target.Data, r.merge)
		if c.Source.Metadata.Version > merged.Metadata.Version {
			merged.Metadata.Version = c.Source.Metadata.Version
		}
		merged.Metadata.SessionID = c.Source.Metadata.SessionID
		return merged, true, "", nil

	case StrategyManual:
		return nil, false, "queued for manual review", nil

	case StrategyDefer:
		return nil, false, "resolution deferred by policy", nil

	case StrategyReject:
		return nil, false, "proposed change rejected", nil

	case StrategyCustom:
		if r.custom == nil {
			return nil, false, "", fmt.Errorf("custom: no resolver registered")
		}
		resolved, err := r.custom(ctx, c)
		if err != nil {
			return nil, false, "", err
		}
		return resolved, true, "", nil

	default:
		return nil, false, "", fmt.Errorf("%w: %q", ErrStrategyUnknown, strategy)
	}
}

// analyze scores the blast radius and ranks candidate strategies.
func (r *Resolver) analyze(c *Conflict) Analysis {
	impact := "isolated"
	switch c.Severity {
	case SeverityCritical, SeverityHigh:
		impact = "severe"
	case SeverityMedium:
		impact = "moderate"
	}

	recs := make([]Recommendation, 0, len(c.AvailableStrategies))
	for _, s := range c.AvailableStrategies {
		recs = append(recs, Recommendation{Strategy: s, Confidence: r.confidence(c, s)})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Confidence > recs[j].Confidence
	})

	r.mu.Lock()
	prior := r.history[c.EntityKey()]
	r.mu.Unlock()

	return Analysis{
		Impact:           impact,
		Recommendations:  recs,
		Recurring:        prior >= 2,
		PriorResolutions: prior,
	}
}

func (r *Resolver) confidence(c *Conflict, s Strategy) float64 {
	switch {
	case s == c.SuggestedStrategy:
		return 0.9
	case s == StrategyLatestWins && c.Target != nil:
		return 0.7
	case s == StrategyMerge && len(c.Details.Differences) > 0:
		return 0.6
	case s == StrategySourceWins:
		return 0.5
	default:
		return 0.3
	}
}

func (r *Resolver) record(c *Conflict) {
	key := c.EntityKey()
	if key == "" {
		return
	}
	r.mu.Lock()
	r.history[key]++
	r.mu.Unlock()
}

func (r *Resolver) announce(ctx context.Context, c *Conflict, strategy Strategy) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(ctx, events.Event{
		Type:   events.TypeConflictResolved,
		Target: c.EntityKey(),
		Data: map[string]any{
			"conflictId": c.ID,
			"strategy":   string(strategy),
		},
	})
}

// retryable reports whether an error looks transient enough to retry.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"timeout", "temporar", "unavailable", "connection", "network"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
