// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/syncline/pkg/ringbuf"
)

type subscription struct {
	id        string
	eventType Type
	handler   Handler
	priority  int
}

// Bus broadcasts events to priority-ordered subscribers.
//
// # Description
//
// Emit assigns the event an id and timestamp, appends it to a bounded ring
// log, then starts every matching handler as its own goroutine in ascending
// priority order and waits for all of them. Handler failures are isolated:
// retryable errors (network/timeout/temporary heuristics) are re-attempted
// with exponential backoff, everything else is logged and dropped. Emit
// never fails because a handler failed.
//
// # Thread Safety
//
// Bus is safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[Type][]*subscription
	byID map[string]*subscription
	log  *ringbuf.Ring[Event]

	logMaxAge   time.Duration
	maxAttempts int
	retryBase   time.Duration
	logger      *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogSize sets the ring log capacity (default 1000).
func WithLogSize(size int) Option {
	return func(b *Bus) {
		b.log = ringbuf.New[Event](size)
	}
}

// WithLogMaxAge drops ring log entries older than the limit (default 1h).
func WithLogMaxAge(age time.Duration) Option {
	return func(b *Bus) {
		b.logMaxAge = age
	}
}

// WithMaxAttempts caps handler delivery attempts, first try included
// (default 4).
func WithMaxAttempts(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithRetryBase sets the first backoff delay; it doubles per attempt
// (default 1s).
func WithRetryBase(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.retryBase = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:        make(map[Type][]*subscription),
		byID:        make(map[string]*subscription),
		log:         ringbuf.New[Event](1000),
		logMaxAge:   time.Hour,
		maxAttempts: 4,
		retryBase:   time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event type.
//
// Inputs:
//
//	eventType - The type to receive.
//	handler - Called once per matching event.
//	priority - Dispatch start order; lower starts first.
//
// Outputs:
//
//	string - Subscription id for Unsubscribe.
func (b *Bus) Subscribe(eventType Type, handler Handler, priority int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
		priority:  priority,
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Returns false if the id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	list := b.subs[sub.eventType]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.eventType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return true
}

// Emit broadcasts an event and waits for all handlers to settle.
//
// The filled-in event (id, timestamp assigned) is returned. Handler errors
// never propagate to the caller.
func (b *Bus) Emit(ctx context.Context, event Event) Event {
	event.ID = uuid.NewString()
	event.Timestamp = time.Now()

	b.mu.Lock()
	b.pruneAgedLocked(event.Timestamp)
	b.log.Push(event)
	targets := b.orderedLocked(event.Type)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			b.deliver(ctx, sub, &event)
		}(sub)
	}
	wg.Wait()

	return event
}

// orderedLocked snapshots subscribers for a type in ascending priority.
// Caller holds b.mu.
func (b *Bus) orderedLocked(eventType Type) []*subscription {
	list := b.subs[eventType]
	if len(list) == 0 {
		return nil
	}
	out := make([]*subscription, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority < out[j].priority
	})
	return out
}

// pruneAgedLocked drops ring entries past the age limit. Caller holds b.mu.
func (b *Bus) pruneAgedLocked(now time.Time) {
	if b.logMaxAge <= 0 {
		return
	}
	cutoff := now.Add(-b.logMaxAge)
	for {
		oldest, ok := b.log.Oldest()
		if !ok || !oldest.Timestamp.Before(cutoff) {
			return
		}
		b.log.Pop()
	}
}

// deliver runs one handler with panic recovery and bounded retry.
func (b *Bus) deliver(ctx context.Context, sub *subscription, event *Event) {
	var lastErr error

	for attempt := 0; attempt < b.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := b.retryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		lastErr = b.invoke(sub, event)
		if lastErr == nil {
			return
		}
		if !isRetryable(lastErr) {
			break
		}
		b.logger.Warn("event handler failed, retrying",
			"event_type", event.Type,
			"subscription", sub.id,
			"attempt", attempt+1,
			"error", lastErr.Error(),
		)
	}

	b.logger.Error("event handler dropped",
		"event_type", event.Type,
		"event_id", event.ID,
		"subscription", sub.id,
		"error", lastErr.Error(),
	)
}

// invoke calls the handler, converting panics into errors so one bad
// subscriber cannot take down the emitter.
func (b *Bus) invoke(sub *subscription, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(event)
}

// isRetryable applies the retryable-keyword heuristic to a handler error.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, keyword := range []string{"network", "timeout", "temporary", "unavailable", "connection"} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Log returns a copy of the ring log, oldest first.
func (b *Bus) Log() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.log.Slice()
}

// LogSince returns logged events newer than the timestamp.
func (b *Bus) LogSince(since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.log.Filter(func(e Event) bool {
		return e.Timestamp.After(since)
	})
}

// LogByType returns logged events of one type.
func (b *Bus) LogByType(eventType Type) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.log.Filter(func(e Event) bool {
		return e.Type == eventType
	})
}
