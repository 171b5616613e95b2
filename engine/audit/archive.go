// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Archiver receives events matched by an archive policy action. The
// engine itself stays memory-only; archiving is a caller opt-in.
type Archiver interface {
	Archive(ctx context.Context, batch []Event) error
	Close() error
}

// NopArchiver discards everything.
type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, []Event) error { return nil }
func (NopArchiver) Close() error                           { return nil }

// BadgerArchiver persists archived events in an embedded badger store,
// keyed by timestamp and event id so range scans come back in time
// order.
type BadgerArchiver struct {
	db *badger.DB
}

// NewBadgerArchiver opens (or creates) the archive at dir.
func NewBadgerArchiver(dir string) (*BadgerArchiver, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open audit archive: %w", err)
	}
	return &BadgerArchiver{db: db}, nil
}

// Archive writes the batch in one transaction.
func (a *BadgerArchiver) Archive(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	wb := a.db.NewWriteBatch()
	defer wb.Cancel()

	for _, e := range batch {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit event %s: %w", e.ID, err)
		}
		key := fmt.Sprintf("audit/%020d/%s", e.Timestamp.UnixNano(), e.ID)
		if err := wb.Set([]byte(key), raw); err != nil {
			return fmt.Errorf("archive audit event %s: %w", e.ID, err)
		}
	}
	return wb.Flush()
}

// Replay streams archived events in time order until fn returns false.
func (a *BadgerArchiver) Replay(ctx context.Context, fn func(Event) bool) error {
	return a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("audit/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var e Event
			err := it.Item().Value(func(raw []byte) error {
				return json.Unmarshal(raw, &e)
			})
			if err != nil {
				return err
			}
			if !fn(e) {
				return nil
			}
		}
		return nil
	})
}

// Close releases the underlying store.
func (a *BadgerArchiver) Close() error { return a.db.Close() }

var (
	_ Archiver = (*BadgerArchiver)(nil)
	_ Archiver = NopArchiver{}
)
