// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package monitor observes the engine through its event stream and
// exposes prometheus metrics, health snapshots, and threshold alerts.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/syncline/engine/events"
)

// Thresholds decide when the monitor raises monitor:alert.
type Thresholds struct {
	// MaxAbortRate is the tolerated aborted/started ratio once at
	// least MinSample transactions have been seen.
	MaxAbortRate float64
	// MinSample is the transaction count before the abort rate is
	// judged at all.
	MinSample int
	// MaxCriticalConflicts is the tolerated count of critical
	// conflicts since startup.
	MaxCriticalConflicts int
}

// DefaultThresholds tolerate a 25% abort rate over 20 transactions.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxAbortRate: 0.25, MinSample: 20, MaxCriticalConflicts: 5}
}

// Snapshot is a point-in-time health view.
type Snapshot struct {
	Status            string            `json:"status"` // healthy | degraded
	Uptime            time.Duration     `json:"uptime"`
	Transactions      TxCounters        `json:"transactions"`
	ValidationFailed  int64             `json:"validationFailed"`
	ConflictsDetected int64             `json:"conflictsDetected"`
	CriticalConflicts int64             `json:"criticalConflicts"`
	AuditAlerts       int64             `json:"auditAlerts"`
	Components        map[string]string `json:"components"`
}

// TxCounters summarize transaction traffic since startup.
type TxCounters struct {
	Started   int64 `json:"started"`
	Committed int64 `json:"committed"`
	Aborted   int64 `json:"aborted"`
}

// Monitor aggregates engine events into metrics and health state.
//
// # Thread Safety
//
// Safe for concurrent use.
type Monitor struct {
	registry   *prometheus.Registry
	txTotal    *prometheus.CounterVec
	validation *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	alerts     prometheus.Counter

	thresholds Thresholds
	bus        *events.Bus
	logger     *slog.Logger
	startedAt  time.Time

	mu      sync.Mutex
	tx      TxCounters
	vFailed int64
	cAll    int64
	cCrit   int64
	aAlerts int64
	alerted map[string]bool // threshold name -> already fired
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithThresholds overrides the alert thresholds.
func WithThresholds(t Thresholds) MonitorOption {
	return func(m *Monitor) { m.thresholds = t }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

// WithRegistry uses the caller's prometheus registry instead of a
// fresh one.
func WithRegistry(r *prometheus.Registry) MonitorOption {
	return func(m *Monitor) { m.registry = r }
}

// New builds a monitor and registers its collectors.
func New(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		registry:   prometheus.NewRegistry(),
		thresholds: DefaultThresholds(),
		logger:     slog.Default(),
		startedAt:  time.Now(),
		alerted:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.txTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncline",
		Name:      "transactions_total",
		Help:      "Transactions by lifecycle outcome.",
	}, []string{"outcome"})
	m.validation = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncline",
		Name:      "validations_total",
		Help:      "Validation runs by outcome.",
	}, []string{"outcome"})
	m.conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncline",
		Name:      "conflicts_detected_total",
		Help:      "Detected conflicts by severity.",
	}, []string{"severity"})
	m.alerts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncline",
		Name:      "audit_alerts_total",
		Help:      "Audit alerts observed on the bus.",
	})
	m.registry.MustRegister(m.txTotal, m.validation, m.conflicts, m.alerts)
	return m
}

// Registry exposes the prometheus registry for scraping.
func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

// Attach subscribes the monitor to the engine event stream.
func (m *Monitor) Attach(bus *events.Bus) {
	m.bus = bus
	sub := func(t events.Type, fn func(*events.Event)) {
		bus.Subscribe(t, func(e *events.Event) error {
			fn(e)
			return nil
		}, 200) // monitor observes last
	}

	sub(events.TypeTransactionStarted, func(*events.Event) {
		m.txTotal.WithLabelValues("started").Inc()
		m.bump(func() { m.tx.Started++ })
	})
	sub(events.TypeTransactionCommitted, func(*events.Event) {
		m.txTotal.WithLabelValues("committed").Inc()
		m.bump(func() { m.tx.Committed++ })
	})
	sub(events.TypeTransactionAborted, func(e *events.Event) {
		m.txTotal.WithLabelValues("aborted").Inc()
		m.bump(func() { m.tx.Aborted++ })
		m.judge(context.Background())
	})
	sub(events.TypeValidationCompleted, func(*events.Event) {
		m.validation.WithLabelValues("completed").Inc()
	})
	sub(events.TypeValidationFailed, func(*events.Event) {
		m.validation.WithLabelValues("failed").Inc()
		m.bump(func() { m.vFailed++ })
	})
	sub(events.TypeConflictDetected, func(e *events.Event) {
		sev := string(e.Severity)
		if sev == "" {
			sev = "unknown"
		}
		m.conflicts.WithLabelValues(sev).Inc()
		m.bump(func() {
			m.cAll++
			if e.Severity == events.SeverityCritical {
				m.cCrit++
			}
		})
		m.judge(context.Background())
	})
	sub(events.TypeAuditAlert, func(*events.Event) {
		m.alerts.Inc()
		m.bump(func() { m.aAlerts++ })
	})
}

func (m *Monitor) bump(fn func()) {
	m.mu.Lock()
	fn()
	m.mu.Unlock()
}

// judge fires monitor:alert once per breached threshold.
func (m *Monitor) judge(ctx context.Context) {
	if m.bus == nil {
		return
	}

	m.mu.Lock()
	var breaches []string
	if m.tx.Started >= int64(m.thresholds.MinSample) {
		rate := float64(m.tx.Aborted) / float64(m.tx.Started)
		if rate > m.thresholds.MaxAbortRate && !m.alerted["abort-rate"] {
			m.alerted["abort-rate"] = true
			breaches = append(breaches, "abort-rate")
		}
	}
	if m.cCrit > int64(m.thresholds.MaxCriticalConflicts) && !m.alerted["critical-conflicts"] {
		m.alerted["critical-conflicts"] = true
		breaches = append(breaches, "critical-conflicts")
	}
	m.mu.Unlock()

	for _, name := range breaches {
		m.logger.Warn("monitor threshold breached", "threshold", name)
		m.bus.Emit(ctx, events.Event{
			Type:     events.TypeMonitorAlert,
			Severity: events.SeverityHigh,
			Data:     map[string]any{"threshold": name},
		})
	}
}

// Health returns the current snapshot.
func (m *Monitor) Health() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := "healthy"
	components := map[string]string{
		"events":     "ok",
		"validation": "ok",
		"txn":        "ok",
		"conflict":   "ok",
	}
	if m.tx.Started >= int64(m.thresholds.MinSample) {
		if float64(m.tx.Aborted)/float64(m.tx.Started) > m.thresholds.MaxAbortRate {
			status = "degraded"
			components["txn"] = "abort rate above threshold"
		}
	}
	if m.cCrit > int64(m.thresholds.MaxCriticalConflicts) {
		status = "degraded"
		components["conflict"] = "critical conflict volume above threshold"
	}

	return Snapshot{
		Status:            status,
		Uptime:            time.Since(m.startedAt),
		Transactions:      m.tx,
		ValidationFailed:  m.vFailed,
		ConflictsDetected: m.cAll,
		CriticalConflicts: m.cCrit,
		AuditAlerts:       m.aAlerts,
		Components:        components,
	}
}
